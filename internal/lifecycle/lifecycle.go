// Package lifecycle owns the scheduled-message state machine:
// draft -> scheduled -> {sent | cancelled | failed}.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/event-messaging/internal/leadtime"
	"github.com/LeventeLantos/event-messaging/internal/metrics"
	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/repo"
	"github.com/LeventeLantos/event-messaging/internal/smsbudget"
)

// Authorizer is the capability check made before any host action.
type Authorizer interface {
	CanManage(ctx context.Context, hostID, eventID string) error
}

// AllowAll grants every host every event.
type AllowAll struct{}

func (AllowAll) CanManage(context.Context, string, string) error { return nil }

// Resolver previews the recipients of a filter before it is persisted.
type Resolver interface {
	Resolve(ctx context.Context, eventID string, filter model.RecipientFilter) (model.RecipientSet, error)
}

type Lifecycle struct {
	store    repo.MessageStore
	guard    *leadtime.Guard
	resolver Resolver
	auth     Authorizer
	timeout  time.Duration
	newID    func() string
}

type Option func(*Lifecycle)

func WithAuthorizer(a Authorizer) Option {
	return func(l *Lifecycle) { l.auth = a }
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Lifecycle) { l.timeout = d }
}

func WithIDGenerator(fn func() string) Option {
	return func(l *Lifecycle) { l.newID = fn }
}

func New(store repo.MessageStore, guard *leadtime.Guard, resolver Resolver, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:    store,
		guard:    guard,
		resolver: resolver,
		auth:     AllowAll{},
		timeout:  5 * time.Second,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type CreateRequest struct {
	EventID     string
	HostID      string
	Content     string
	Type        model.MessageType
	Filter      model.RecipientFilter
	ScheduledAt time.Time
	Channels    model.Channels
}

// Create validates and persists a message in the scheduled state.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (*model.ScheduledMessage, error) {
	now := l.guard.Now()
	if err := l.authorize(ctx, req.HostID, req.EventID); err != nil {
		return nil, err
	}
	if err := validateDraft(req.Content, req.Type, req.Filter, req.Channels); err != nil {
		return nil, err
	}
	if err := l.guard.Check(req.ScheduledAt, now); err != nil {
		return nil, err
	}
	if err := l.preview(ctx, req.EventID, req.Filter); err != nil {
		return nil, err
	}
	return l.insert(ctx, req, model.Scheduled, now)
}

// CreateDraft persists a draft. The schedule time is checked by Schedule.
func (l *Lifecycle) CreateDraft(ctx context.Context, req CreateRequest) (*model.ScheduledMessage, error) {
	now := l.guard.Now()
	if err := l.authorize(ctx, req.HostID, req.EventID); err != nil {
		return nil, err
	}
	if err := validateDraft(req.Content, req.Type, req.Filter, req.Channels); err != nil {
		return nil, err
	}
	return l.insert(ctx, req, model.Draft, now)
}

func (l *Lifecycle) insert(ctx context.Context, req CreateRequest, state model.State, now time.Time) (*model.ScheduledMessage, error) {
	m := &model.ScheduledMessage{
		ID:          l.newID(),
		EventID:     req.EventID,
		HostID:      req.HostID,
		Content:     smsbudget.Normalize(req.Content),
		Type:        req.Type,
		Filter:      req.Filter,
		ScheduledAt: truncate(req.ScheduledAt),
		State:       state,
		Channels:    req.Channels,
		CreatedAt:   truncate(now),
		UpdatedAt:   truncate(now),
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Insert(cctx, m); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	metrics.ObserveTransition(state)
	slog.Info("message created",
		"message_id", m.ID,
		"event_id", m.EventID,
		"state", m.State,
		"type", m.Type,
		"filter", m.Filter.Type(),
		"scheduled_at", m.ScheduledAt,
	)
	return m, nil
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	m, err := l.store.Get(cctx, id)
	if err != nil && !errors.Is(err, model.ErrMessageNotFound) {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return m, err
}

// preview resolves the filter once so an empty explicit selection is
// rejected up front. The send-time resolution stays authoritative.
func (l *Lifecycle) preview(ctx context.Context, eventID string, filter model.RecipientFilter) error {
	if l.resolver == nil {
		return nil
	}
	set, err := l.resolver.Resolve(ctx, eventID, filter)
	if err != nil {
		return err
	}
	slog.Debug("recipient preview", "event_id", eventID, "filter", filter.Type(), "recipients", set.Count)
	return nil
}

// Modify applies a partial update guarded by expectedCount. Fields left nil
// in upd, including the message type, keep their stored value.
func (l *Lifecycle) Modify(ctx context.Context, hostID, id string, expectedCount int, upd model.Update) (*model.ScheduledMessage, error) {
	now := l.guard.Now()

	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(ctx, hostID, current.EventID); err != nil {
		return nil, err
	}
	if current.State != model.Scheduled {
		return nil, fmt.Errorf("%w: message is %s", model.ErrNotModifiable, current.State)
	}
	if current.ModificationCount != expectedCount {
		return nil, conflict(current, expectedCount)
	}
	if !l.guard.IsValidScheduleTimeAt(current.ScheduledAt, now) {
		return nil, fmt.Errorf("%w: it is due within %s and may already be sending", model.ErrNotModifiable, l.guard.FormatLeadTime())
	}
	if upd.Empty() {
		return nil, fmt.Errorf("%w: no fields to update", model.ErrInvalidContent)
	}

	next := upd.Apply(*current)
	if upd.Content != nil {
		next.Content = smsbudget.Normalize(next.Content)
	}
	if err := validateDraft(next.Content, next.Type, next.Filter, next.Channels); err != nil {
		return nil, err
	}
	if upd.ScheduledAt != nil {
		if err := l.guard.Check(next.ScheduledAt, now); err != nil {
			return nil, err
		}
		next.ScheduledAt = truncate(next.ScheduledAt)
	}
	if upd.Filter != nil {
		if err := l.preview(ctx, next.EventID, next.Filter); err != nil {
			return nil, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ok, err := l.store.UpdateScheduled(cctx, &next, expectedCount, truncate(now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, l.explainModifyMiss(ctx, id, expectedCount)
	}

	next.ModificationCount = expectedCount + 1
	next.UpdatedAt = truncate(now)
	slog.Info("message modified", "message_id", id, "modification_count", next.ModificationCount)
	return &next, nil
}

func (l *Lifecycle) explainModifyMiss(ctx context.Context, id string, expectedCount int) error {
	latest, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if latest.State != model.Scheduled {
		return fmt.Errorf("%w: message is %s", model.ErrNotModifiable, latest.State)
	}
	return conflict(latest, expectedCount)
}

func conflict(m *model.ScheduledMessage, expected int) error {
	return fmt.Errorf("%w: expected revision %d, current is %d; reload and retry",
		model.ErrConflictingModification, expected, m.ModificationCount)
}

// Schedule moves a draft to scheduled at the given time.
func (l *Lifecycle) Schedule(ctx context.Context, hostID, id string, at time.Time) (*model.ScheduledMessage, error) {
	now := l.guard.Now()
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(ctx, hostID, current.EventID); err != nil {
		return nil, err
	}
	if current.State != model.Draft {
		return nil, fmt.Errorf("%w: cannot schedule a %s message", model.ErrIllegalTransition, current.State)
	}
	if err := l.guard.Check(at, now); err != nil {
		return nil, err
	}
	if err := l.preview(ctx, current.EventID, current.Filter); err != nil {
		return nil, err
	}

	at = truncate(at)
	return l.transition(ctx, current,
		func(ctx context.Context) (bool, error) {
			return l.store.Schedule(ctx, id, at, truncate(now))
		},
		model.Scheduled,
		func(m *model.ScheduledMessage) {
			m.ScheduledAt = at
			m.UpdatedAt = truncate(now)
		},
		func(latest *model.ScheduledMessage) error {
			return fmt.Errorf("%w: cannot schedule a %s message", model.ErrIllegalTransition, latest.State)
		},
	)
}

// Cancel is irreversible and only legal from scheduled. When a worker
// wins the race the caller gets ErrNotCancellable.
func (l *Lifecycle) Cancel(ctx context.Context, hostID, id string) (*model.ScheduledMessage, error) {
	now := truncate(l.guard.Now())
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(ctx, hostID, current.EventID); err != nil {
		return nil, err
	}
	if current.State != model.Scheduled {
		return nil, notCancellable(current)
	}

	return l.transition(ctx, current,
		func(ctx context.Context) (bool, error) {
			return l.store.Cancel(ctx, id, now)
		},
		model.Cancelled,
		func(m *model.ScheduledMessage) {
			m.CancelledAt = &now
			m.UpdatedAt = now
		},
		notCancellable,
	)
}

func notCancellable(m *model.ScheduledMessage) error {
	switch m.State {
	case model.Sent:
		return fmt.Errorf("%w: this message was already sent", model.ErrNotCancellable)
	case model.Cancelled:
		return fmt.Errorf("%w: this message was already cancelled", model.ErrNotCancellable)
	}
	return fmt.Errorf("%w: message is %s", model.ErrNotCancellable, m.State)
}

// MarkSent records the recipient snapshot and moves the message to sent.
// A repeated call on a sent message is a no-op reporting applied=false.
// Once the update is applied the call reports applied=true even if the
// row cannot be read back.
func (l *Lifecycle) MarkSent(ctx context.Context, id string, recipients model.RecipientSet) (*model.ScheduledMessage, bool, error) {
	now := truncate(l.guard.Now())

	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch current.State {
	case model.Sent:
		slog.Debug("mark sent repeated", "message_id", id)
		return current, false, nil
	case model.Scheduled:
	default:
		return nil, false, fmt.Errorf("%w: cannot send a %s message", model.ErrIllegalTransition, current.State)
	}

	snapshot := append([]string{}, recipients.GuestIDs...)
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	ok, err := l.store.MarkSent(cctx, id, snapshot, now)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	if !ok {
		latest, err := l.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if latest.State == model.Sent {
			slog.Debug("mark sent repeated", "message_id", id)
			return latest, false, nil
		}
		return nil, false, fmt.Errorf("%w: cannot send a %s message", model.ErrIllegalTransition, latest.State)
	}

	metrics.ObserveTransition(model.Sent)
	slog.Info("message sent", "message_id", id, "recipients", recipients.Count)
	return l.settled(ctx, current, model.Sent, func(m *model.ScheduledMessage) {
		m.Recipients = snapshot
		m.SentAt = &now
		m.UpdatedAt = now
	}), true, nil
}

// MarkFailed records a whole-message failure.
func (l *Lifecycle) MarkFailed(ctx context.Context, id, reason string) (*model.ScheduledMessage, error) {
	now := truncate(l.guard.Now())
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	illegal := func(latest *model.ScheduledMessage) error {
		return fmt.Errorf("%w: cannot fail a %s message", model.ErrIllegalTransition, latest.State)
	}
	if current.State != model.Scheduled {
		return nil, illegal(current)
	}

	return l.transition(ctx, current,
		func(ctx context.Context) (bool, error) {
			return l.store.MarkFailed(ctx, id, reason, now)
		},
		model.Failed,
		func(m *model.ScheduledMessage) {
			m.FailureReason = &reason
			m.UpdatedAt = now
		},
		illegal,
	)
}

// transition runs one conditional update from current. A miss is explained
// from a fresh read; a hit is never reported as an error.
func (l *Lifecycle) transition(
	ctx context.Context,
	current *model.ScheduledMessage,
	apply func(context.Context) (bool, error),
	to model.State,
	mutate func(*model.ScheduledMessage),
	onMiss func(*model.ScheduledMessage) error,
) (*model.ScheduledMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	ok, err := apply(cctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	if !ok {
		latest, err := l.Get(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		return nil, onMiss(latest)
	}

	metrics.ObserveTransition(to)
	slog.Info("message transitioned", "message_id", current.ID, "state", to)
	return l.settled(ctx, current, to, mutate), nil
}

// settled reads the row back after an applied transition. If the read
// fails the result is current with the transition applied locally.
func (l *Lifecycle) settled(ctx context.Context, current *model.ScheduledMessage, to model.State, mutate func(*model.ScheduledMessage)) *model.ScheduledMessage {
	latest, err := l.Get(ctx, current.ID)
	if err == nil {
		return latest
	}
	slog.Warn("reading back transitioned message failed", "message_id", current.ID, "state", to, "error", err)
	next := *current
	next.State = to
	mutate(&next)
	return &next
}

func (l *Lifecycle) authorize(ctx context.Context, hostID, eventID string) error {
	if err := l.auth.CanManage(ctx, hostID, eventID); err != nil {
		if errors.Is(err, model.ErrForbidden) {
			return err
		}
		return fmt.Errorf("%w: %w", model.ErrForbidden, err)
	}
	return nil
}

func validateDraft(content string, t model.MessageType, f model.RecipientFilter, ch model.Channels) error {
	if _, err := model.ParseMessageType(string(t)); err != nil {
		return err
	}
	if err := smsbudget.Validate(content); err != nil {
		return err
	}
	if err := model.CompatibleType(t, f); err != nil {
		return err
	}
	if !ch.Any() {
		return fmt.Errorf("%w: enable SMS or push delivery", model.ErrInvalidContent)
	}
	return nil
}

// truncate matches the millisecond precision of the store.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
