// Package client delivers message bodies to the SMS and push providers over
// their webhook APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRejected marks a 4xx answer: the provider refused this recipient and a
// retry will not help.
var ErrRejected = errors.New("provider rejected the request")

type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// post sends payload and returns the provider message id. reference is sent
// as the idempotency key so a replayed request is not delivered twice.
func (c *WebhookClient) post(ctx context.Context, reference string, payload any) (string, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: status code %d body=%q", ErrRejected, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

// Reference identifies one recipient of one message.
func Reference(messageID, guestID string) string {
	return messageID + ":" + guestID
}

type SMSClient struct {
	*WebhookClient
}

func NewSMSClient(url string) *SMSClient {
	return &SMSClient{WebhookClient: NewWebhookClient(url)}
}

type smsRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	Reference   string `json:"reference"`
}

func (c *SMSClient) Send(ctx context.Context, reference, phoneNumber, message string) (string, error) {
	return c.post(ctx, reference, smsRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
		Reference:   reference,
	})
}

type PushClient struct {
	*WebhookClient
}

func NewPushClient(url string) *PushClient {
	return &PushClient{WebhookClient: NewWebhookClient(url)}
}

type pushRequest struct {
	GuestID   string `json:"guestId"`
	EventID   string `json:"eventId"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
}

func (c *PushClient) Send(ctx context.Context, reference, eventID, guestID, message string) (string, error) {
	return c.post(ctx, reference, pushRequest{
		GuestID:   guestID,
		EventID:   eventID,
		Message:   message,
		Reference: reference,
	})
}
