package model

import (
	"fmt"
	"time"
)

type MessageType string

const (
	Direct       MessageType = "direct"
	Announcement MessageType = "announcement"
	Channel      MessageType = "channel"
)

func ParseMessageType(raw string) (MessageType, error) {
	switch t := MessageType(raw); t {
	case Direct, Announcement, Channel:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q is not one of direct, announcement, channel", ErrInvalidMessageType, raw)
}

type State string

const (
	Draft     State = "draft"
	Scheduled State = "scheduled"
	Sent      State = "sent"
	Cancelled State = "cancelled"
	Failed    State = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == Sent || s == Cancelled || s == Failed
}

type Channels struct {
	SMS  bool `json:"sendViaSms"`
	Push bool `json:"sendViaPush"`
}

func (c Channels) Any() bool { return c.SMS || c.Push }

type ScheduledMessage struct {
	ID                string          `json:"id"`
	EventID           string          `json:"eventId"`
	HostID            string          `json:"hostId"`
	Content           string          `json:"content"`
	Type              MessageType     `json:"messageType"`
	Filter            RecipientFilter `json:"-"`
	ScheduledAt       time.Time       `json:"scheduledAtUtc"`
	State             State           `json:"state"`
	ModificationCount int             `json:"modificationCount"`
	Channels

	// Recipients is the snapshot recorded by MarkSent.
	Recipients    []string   `json:"recipients,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Update carries a partial modification. Nil fields keep their current value.
type Update struct {
	Content     *string
	Type        *MessageType
	Filter      RecipientFilter
	ScheduledAt *time.Time
	SMS         *bool
	Push        *bool
}

func (u Update) Empty() bool {
	return u.Content == nil && u.Type == nil && u.Filter == nil &&
		u.ScheduledAt == nil && u.SMS == nil && u.Push == nil
}

// Apply returns a copy of m with the non-nil fields of u applied.
func (u Update) Apply(m ScheduledMessage) ScheduledMessage {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Type != nil {
		m.Type = *u.Type
	}
	if u.Filter != nil {
		m.Filter = u.Filter
	}
	if u.ScheduledAt != nil {
		m.ScheduledAt = u.ScheduledAt.UTC()
	}
	if u.SMS != nil {
		m.SMS = *u.SMS
	}
	if u.Push != nil {
		m.Push = *u.Push
	}
	return m
}
