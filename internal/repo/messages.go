package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

// MessageStore persists scheduled messages. Every state change is a single
// conditional update guarded by the expected prior state; the bool result
// reports whether the row matched.
type MessageStore interface {
	Insert(ctx context.Context, m *model.ScheduledMessage) error
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
	UpdateScheduled(ctx context.Context, m *model.ScheduledMessage, expectedCount int, now time.Time) (bool, error)
	Schedule(ctx context.Context, id string, at, now time.Time) (bool, error)
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id string, recipients []string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
	ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error)
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.ScheduledMessage, error)
}

// GuestDirectory answers recipient queries against the live guest list.
type GuestDirectory interface {
	ContactableGuests(ctx context.Context, eventID string) ([]string, error)
	GuestsWithTags(ctx context.Context, eventID string, tags []string, requireAll bool) ([]string, error)
	GuestsByIDs(ctx context.Context, eventID string, ids []string) ([]model.Guest, error)
	ClaimFirstContact(ctx context.Context, guestID string, at time.Time) (bool, error)
	ReleaseFirstContact(ctx context.Context, guestID string, at time.Time) error
}

// DeliveryStore holds one row per (message, recipient). Setters only touch
// rows whose outcome is still open.
type DeliveryStore interface {
	SetDelivered(ctx context.Context, messageID, guestID string, at time.Time) (bool, error)
	SetRead(ctx context.Context, messageID, guestID string, at time.Time) (bool, error)
	SetFailed(ctx context.Context, messageID, guestID, reason string) (bool, error)
	GetDelivery(ctx context.Context, messageID, guestID string) (*model.DeliveryRecord, error)
	Counts(ctx context.Context, messageID string) (model.DeliveryCounts, error)
}
