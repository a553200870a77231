// Package delivery records per-recipient outcomes of sent messages.
//
// Outcomes may arrive duplicated or out of order from channel callbacks and
// the dispatcher. The first delivery or failure for a pair wins; a read is
// only accepted after a delivery and is never moved once stored.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/metrics"
	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/repo"
	"github.com/LeventeLantos/event-messaging/internal/retry"
)

// MessageReader is the part of the message store the tracker needs.
type MessageReader interface {
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
}

type Tracker struct {
	messages   MessageReader
	deliveries repo.DeliveryStore
	timeout    time.Duration
	retry      retry.Policy
}

type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func WithRetry(p retry.Policy) Option {
	return func(t *Tracker) { t.retry = p }
}

func NewTracker(messages MessageReader, deliveries repo.DeliveryStore, opts ...Option) *Tracker {
	t := &Tracker{
		messages:   messages,
		deliveries: deliveries,
		timeout:    5 * time.Second,
		retry:      retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RecordDelivered stores at as the delivery time unless the pair already has
// an outcome.
func (t *Tracker) RecordDelivered(ctx context.Context, messageID, guestID string, at time.Time) error {
	if err := t.requireSent(ctx, messageID); err != nil {
		return err
	}
	applied, err := t.set(ctx, "set delivered", func(ctx context.Context) (bool, error) {
		return t.deliveries.SetDelivered(ctx, messageID, guestID, truncate(at))
	})
	if err != nil {
		return err
	}
	return t.settle(ctx, "delivered", messageID, guestID, applied)
}

// RecordRead requires a prior delivery. A read earlier than the delivery is
// stored as the delivery time.
func (t *Tracker) RecordRead(ctx context.Context, messageID, guestID string, at time.Time) error {
	if err := t.requireSent(ctx, messageID); err != nil {
		return err
	}
	rec, err := t.record(ctx, messageID, guestID)
	if err != nil {
		return err
	}
	if rec.DeliveredAt == nil {
		return fmt.Errorf("%w: guest %s on message %s", model.ErrNotDelivered, guestID, messageID)
	}
	if rec.ReadAt != nil {
		metrics.ObserveDelivery("read", false)
		return nil
	}

	at = truncate(at)
	if at.Before(*rec.DeliveredAt) {
		at = *rec.DeliveredAt
	}
	applied, err := t.set(ctx, "set read", func(ctx context.Context) (bool, error) {
		return t.deliveries.SetRead(ctx, messageID, guestID, at)
	})
	if err != nil {
		return err
	}
	metrics.ObserveDelivery("read", applied)
	if applied {
		slog.Debug("read recorded", "message_id", messageID, "guest_id", guestID)
	}
	return nil
}

// RecordFailed stores reason unless the pair was already delivered or failed.
func (t *Tracker) RecordFailed(ctx context.Context, messageID, guestID, reason string) error {
	if err := t.requireSent(ctx, messageID); err != nil {
		return err
	}
	applied, err := t.set(ctx, "set failed", func(ctx context.Context) (bool, error) {
		return t.deliveries.SetFailed(ctx, messageID, guestID, reason)
	})
	if err != nil {
		return err
	}
	return t.settle(ctx, "failed", messageID, guestID, applied)
}

func (t *Tracker) Counts(ctx context.Context, messageID string) (model.DeliveryCounts, error) {
	if _, err := t.get(ctx, messageID); err != nil {
		return model.DeliveryCounts{}, err
	}

	var counts model.DeliveryCounts
	err := retry.Do(ctx, t.retry, "delivery counts", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		c, err := t.deliveries.Counts(cctx, messageID)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		counts = c
		return nil
	})
	return counts, err
}

// settle turns a setter miss into either a silent no-op or an unknown pair.
func (t *Tracker) settle(ctx context.Context, outcome, messageID, guestID string, applied bool) error {
	if !applied {
		if _, err := t.record(ctx, messageID, guestID); err != nil {
			return err
		}
	}
	metrics.ObserveDelivery(outcome, applied)
	if applied {
		slog.Debug("delivery outcome recorded", "outcome", outcome, "message_id", messageID, "guest_id", guestID)
	}
	return nil
}

func (t *Tracker) requireSent(ctx context.Context, messageID string) error {
	m, err := t.get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.State != model.Sent {
		return fmt.Errorf("%w: message is %s", model.ErrMessageNotSent, m.State)
	}
	return nil
}

func (t *Tracker) get(ctx context.Context, messageID string) (*model.ScheduledMessage, error) {
	var m *model.ScheduledMessage
	err := retry.Do(ctx, t.retry, "get message", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		got, err := t.messages.Get(cctx, messageID)
		if errors.Is(err, model.ErrMessageNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		m = got
		return nil
	})
	return m, err
}

func (t *Tracker) record(ctx context.Context, messageID, guestID string) (*model.DeliveryRecord, error) {
	var rec *model.DeliveryRecord
	err := retry.Do(ctx, t.retry, "get delivery", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		r, err := t.deliveries.GetDelivery(cctx, messageID, guestID)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: guest %s on message %s", model.ErrUnknownRecipient, guestID, messageID)
	}
	return rec, nil
}

func (t *Tracker) set(ctx context.Context, op string, fn func(context.Context) (bool, error)) (bool, error) {
	var applied bool
	err := retry.Do(ctx, t.retry, op, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		ok, err := fn(cctx)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		applied = ok
		return nil
	})
	return applied, err
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
