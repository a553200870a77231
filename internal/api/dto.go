package api

import (
	"time"

	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/smsbudget"
)

type createMessageRequest struct {
	Content         string            `json:"content" validate:"required"`
	MessageType     string            `json:"messageType" validate:"required,oneof=direct announcement channel"`
	RecipientFilter *model.FilterJSON `json:"recipientFilter" validate:"required"`
	ScheduledAtUTC  *time.Time        `json:"scheduledAtUtc"`
	SendViaSMS      bool              `json:"sendViaSms"`
	SendViaPush     bool              `json:"sendViaPush"`
	Draft           bool              `json:"draft"`
}

type modifyMessageRequest struct {
	ExpectedModificationCount *int              `json:"expectedModificationCount" validate:"required,gte=0"`
	Content                   *string           `json:"content,omitempty"`
	MessageType               *string           `json:"messageType,omitempty" validate:"omitempty,oneof=direct announcement channel"`
	RecipientFilter           *model.FilterJSON `json:"recipientFilter,omitempty"`
	ScheduledAtUTC            *time.Time        `json:"scheduledAtUtc,omitempty"`
	SendViaSMS                *bool             `json:"sendViaSms,omitempty"`
	SendViaPush               *bool             `json:"sendViaPush,omitempty"`
}

func (r modifyMessageRequest) update() model.Update {
	u := model.Update{
		Content:     r.Content,
		ScheduledAt: r.ScheduledAtUTC,
		SMS:         r.SendViaSMS,
		Push:        r.SendViaPush,
	}
	if r.MessageType != nil {
		t := model.MessageType(*r.MessageType)
		u.Type = &t
	}
	if r.RecipientFilter != nil {
		u.Filter = r.RecipientFilter.RecipientFilter
	}
	return u
}

type scheduleRequest struct {
	ScheduledAtUTC *time.Time `json:"scheduledAtUtc" validate:"required"`
}

type previewRequest struct {
	RecipientFilter *model.FilterJSON `json:"recipientFilter" validate:"required"`
}

type receiptRequest struct {
	ReceiptID string     `json:"receiptId" validate:"required"`
	MessageID string     `json:"messageId" validate:"required"`
	GuestID   string     `json:"guestId" validate:"required"`
	Status    string     `json:"status" validate:"required,oneof=delivered read failed"`
	Timestamp *time.Time `json:"timestamp"`
	Reason    string     `json:"reason" validate:"required_if=Status failed"`
}

type messageResponse struct {
	Message       *model.ScheduledMessage `json:"message"`
	ContentReport smsbudget.Report        `json:"contentReport"`
}

type leadTimeResponse struct {
	MinLeadSeconds       int       `json:"minLeadSeconds"`
	Formatted            string    `json:"formatted"`
	EarliestValidTimeUTC time.Time `json:"earliestValidTimeUtc"`
	QuickSetTimeUTC      time.Time `json:"quickSetTimeUtc"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Details []string `json:"details,omitempty"`
}
