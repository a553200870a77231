// Package smsbudget measures message content against SMS segment budgets.
package smsbudget

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

const (
	MaxLength        = 1000
	SingleSegmentGSM = 160
	MultiSegmentGSM  = 153
	SingleSegmentUCS = 70
	MultiSegmentUCS  = 67

	OptOutSuffix = "Reply STOP to opt out."
)

type Encoding string

const (
	GSM7 Encoding = "gsm7"
	UCS2 Encoding = "ucs2"
)

type Report struct {
	Length   int      `json:"length"`
	Units    int      `json:"units"`
	Encoding Encoding `json:"encoding"`
	Segments int      `json:"segments"`
	Warnings []string `json:"warnings,omitempty"`
}

const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

const gsmExtended = "^{}\\[~]|€\f"

// Normalize returns content in NFC form with surrounding space trimmed.
func Normalize(content string) string {
	return strings.TrimSpace(norm.NFC.String(content))
}

// Analyze reports length, encoding and segment count. Content over a single
// segment yields a warning; it is never truncated.
func Analyze(content string, firstContact bool) Report {
	body := Normalize(content)
	if firstContact {
		body = WithOptOut(body)
	}

	r := Report{Length: utf8.RuneCountInString(body), Encoding: GSM7}
	for _, c := range body {
		switch {
		case strings.ContainsRune(gsmBasic, c):
			r.Units++
		case strings.ContainsRune(gsmExtended, c):
			r.Units += 2
		default:
			r.Encoding = UCS2
		}
	}

	single, multi := SingleSegmentGSM, MultiSegmentGSM
	if r.Encoding == UCS2 {
		// UCS-2 counts UTF-16 code units.
		r.Units = 0
		for _, c := range body {
			if c > 0xFFFF {
				r.Units += 2
			} else {
				r.Units++
			}
		}
		single, multi = SingleSegmentUCS, MultiSegmentUCS
	}

	switch {
	case r.Units == 0:
		r.Segments = 0
	case r.Units <= single:
		r.Segments = 1
	default:
		r.Segments = (r.Units + multi - 1) / multi
	}

	if r.Length > SingleSegmentGSM {
		r.Warnings = append(r.Warnings, fmt.Sprintf("content is %d characters, over the %d character single SMS budget", r.Length, SingleSegmentGSM))
	}
	if r.Segments > 1 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("message will be sent as %d SMS segments", r.Segments))
	}
	return r
}

// Validate rejects empty content and content over MaxLength characters.
func Validate(content string) error {
	body := Normalize(content)
	if body == "" {
		return fmt.Errorf("%w: content must not be empty", model.ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(body); n > MaxLength {
		return fmt.Errorf("%w: content is %d characters, the limit is %d", model.ErrInvalidContent, n, MaxLength)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", model.ErrInvalidContent)
	}
	return nil
}

func WithOptOut(body string) string {
	if strings.HasSuffix(body, OptOutSuffix) {
		return body
	}
	return body + "\n\n" + OptOutSuffix
}
