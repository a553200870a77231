// Package service holds the worker that sends due messages.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/event-messaging/internal/cache"
	"github.com/LeventeLantos/event-messaging/internal/client"
	"github.com/LeventeLantos/event-messaging/internal/clock"
	"github.com/LeventeLantos/event-messaging/internal/metrics"
	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/smsbudget"
)

type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
}

type Lifecycle interface {
	MarkSent(ctx context.Context, id string, recipients model.RecipientSet) (*model.ScheduledMessage, bool, error)
	MarkFailed(ctx context.Context, id, reason string) (*model.ScheduledMessage, error)
}

type Resolver interface {
	Resolve(ctx context.Context, eventID string, filter model.RecipientFilter) (model.RecipientSet, error)
}

type Directory interface {
	GuestsByIDs(ctx context.Context, eventID string, ids []string) ([]model.Guest, error)
	ClaimFirstContact(ctx context.Context, guestID string, at time.Time) (bool, error)
	ReleaseFirstContact(ctx context.Context, guestID string, at time.Time) error
}

type Tracker interface {
	RecordFailed(ctx context.Context, messageID, guestID, reason string) error
}

type SMSSender interface {
	Send(ctx context.Context, reference, phoneNumber, message string) (remoteMessageID string, err error)
}

type PushSender interface {
	Send(ctx context.Context, reference, eventID, guestID, message string) (remoteMessageID string, err error)
}

type Deps struct {
	Due       DueLister
	Lifecycle Lifecycle
	Resolver  Resolver
	Directory Directory
	Tracker   Tracker
	SMS       SMSSender
	// Push is optional; push-only messages fail per recipient without it.
	Push  PushSender
	Cache cache.ReceiptCache
	Clock clock.Clock
}

type Config struct {
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	// MaxLateness bounds how long a message whose recipients cannot be
	// resolved stays scheduled before it is marked failed.
	MaxLateness time.Duration
}

type Dispatcher struct {
	Deps
	cfg Config
}

// Summary counts what one tick did.
type Summary struct {
	Due        int
	Sent       int
	Failed     int
	Skipped    int
	Dispatched int
	Rejected   int
}

func NewDispatcher(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Due == nil || deps.Lifecycle == nil || deps.Resolver == nil ||
		deps.Directory == nil || deps.Tracker == nil || deps.SMS == nil {
		return nil, errors.New("dispatcher: missing dependency")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = 15 * time.Minute
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Dispatcher{Deps: deps, cfg: cfg}, nil
}

// Run is the scheduler tick function.
func (d *Dispatcher) Run(ctx context.Context) {
	sum, err := d.Tick(ctx)
	if err != nil {
		slog.Error("dispatch tick failed", "error", err)
		return
	}
	if sum.Due > 0 {
		slog.Info("dispatch tick",
			"due", sum.Due,
			"sent", sum.Sent,
			"failed", sum.Failed,
			"skipped", sum.Skipped,
			"dispatched", sum.Dispatched,
			"rejected", sum.Rejected,
		)
	}
}

// Tick claims one batch of due messages and processes them in parallel.
func (d *Dispatcher) Tick(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	now := d.Clock.Now()
	lctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	due, err := d.Due.ListDue(lctx, now, d.cfg.BatchSize)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("listing due messages: %w", err)
	}

	var (
		mu  sync.Mutex
		sum = Summary{Due: len(due)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, m := range due {
		g.Go(func() error {
			res := d.process(gctx, m, now)
			mu.Lock()
			sum.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return sum, nil
}

func (s *Summary) add(o Summary) {
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Dispatched += o.Dispatched
	s.Rejected += o.Rejected
}

func (d *Dispatcher) process(ctx context.Context, m model.ScheduledMessage, now time.Time) Summary {
	log := slog.With("message_id", m.ID, "event_id", m.EventID)

	set, err := d.Resolver.Resolve(ctx, m.EventID, m.Filter)
	if err != nil {
		return d.resolveFailed(ctx, log, m, now, err)
	}

	sent, applied, err := d.Lifecycle.MarkSent(ctx, m.ID, set)
	if err != nil {
		log.Warn("mark sent rejected", "error", err)
		return Summary{Skipped: 1}
	}
	if !applied {
		log.Debug("message already sent elsewhere")
		return Summary{Skipped: 1}
	}

	res := d.deliver(ctx, sent, set)
	res.Sent = 1
	return res
}

// resolveFailed fails the message for caller mistakes and for collaborator
// outages that outlast MaxLateness. Otherwise the next tick retries.
func (d *Dispatcher) resolveFailed(ctx context.Context, log *slog.Logger, m model.ScheduledMessage, now time.Time, err error) Summary {
	if model.IsRetryable(err) && now.Sub(m.ScheduledAt) < d.cfg.MaxLateness {
		log.Warn("recipient resolution failed, will retry next tick", "error", err)
		return Summary{Skipped: 1}
	}

	reason := "recipients could not be resolved"
	if model.IsValidation(err) {
		reason = err.Error()
	}
	if _, ferr := d.Lifecycle.MarkFailed(ctx, m.ID, reason); ferr != nil {
		log.Warn("mark failed rejected", "error", ferr)
		return Summary{Skipped: 1}
	}
	log.Error("message failed", "reason", reason, "error", err)
	return Summary{Failed: 1}
}

func (d *Dispatcher) deliver(ctx context.Context, m *model.ScheduledMessage, set model.RecipientSet) Summary {
	var sum Summary
	if set.Count == 0 {
		return sum
	}

	gctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	guests, err := d.Directory.GuestsByIDs(gctx, m.EventID, set.GuestIDs)
	cancel()
	if err != nil {
		slog.Error("loading recipients failed", "message_id", m.ID, "error", err)
		for _, id := range set.GuestIDs {
			d.recordFailed(ctx, m.ID, id, "guest details unavailable")
			sum.Rejected++
		}
		return sum
	}

	byID := make(map[string]model.Guest, len(guests))
	for _, g := range guests {
		byID[g.ID] = g
	}

	for _, id := range set.GuestIDs {
		g, ok := byID[id]
		if !ok {
			d.recordFailed(ctx, m.ID, id, "guest is no longer on the guest list")
			sum.Rejected++
			continue
		}
		if reason, ok := d.sendTo(ctx, m, g); !ok {
			d.recordFailed(ctx, m.ID, id, reason)
			sum.Rejected++
			continue
		}
		sum.Dispatched++
	}
	return sum
}

// sendTo hands the message to every enabled channel. It reports success if
// at least one channel accepted it.
func (d *Dispatcher) sendTo(ctx context.Context, m *model.ScheduledMessage, g model.Guest) (string, bool) {
	ref := client.Reference(m.ID, g.ID)
	var reasons []string
	accepted := false

	if m.SMS {
		if err := d.sendSMS(ctx, m, g, ref); err != nil {
			reasons = append(reasons, "sms: "+err.Error())
		} else {
			accepted = true
		}
	}

	if m.Push {
		if d.Push == nil {
			reasons = append(reasons, "push: channel not configured")
		} else {
			cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			remoteID, err := d.Push.Send(cctx, ref, m.EventID, g.ID, m.Content)
			cancel()
			if err != nil {
				reasons = append(reasons, "push: "+err.Error())
			} else {
				accepted = true
				d.remember(ctx, m.ID, g.ID, remoteID)
			}
		}
	}

	return strings.Join(reasons, "; "), accepted
}

func (d *Dispatcher) sendSMS(ctx context.Context, m *model.ScheduledMessage, g model.Guest, ref string) error {
	if !g.Contactable() {
		return errors.New("no contactable phone number")
	}

	firstContact, claimedAt := d.claimFirstContact(ctx, g)
	body := m.Content
	if firstContact {
		body = smsbudget.WithOptOut(body)
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	remoteID, err := d.SMS.Send(cctx, ref, *g.Phone, body)
	cancel()
	if err != nil {
		if !claimedAt.IsZero() {
			rctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			if rerr := d.Directory.ReleaseFirstContact(rctx, g.ID, claimedAt); rerr != nil {
				slog.Warn("releasing first contact failed", "guest_id", g.ID, "error", rerr)
			}
		}
		return err
	}

	d.remember(ctx, m.ID, g.ID, remoteID)
	return nil
}

// claimFirstContact decides whether this send carries the opt-out line.
// Concurrent sends to the same guest race on one conditional update, so only
// one of them wins. claimedAt is zero unless this call stamped the guest.
// If the store is unreachable the opt-out is kept.
func (d *Dispatcher) claimFirstContact(ctx context.Context, g model.Guest) (first bool, claimedAt time.Time) {
	if g.FirstContactedAt != nil {
		return false, time.Time{}
	}
	at := d.Clock.Now()
	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	claimed, err := d.Directory.ClaimFirstContact(cctx, g.ID, at)
	if err != nil {
		slog.Warn("claiming first contact failed", "guest_id", g.ID, "error", err)
		return true, time.Time{}
	}
	if !claimed {
		return false, time.Time{}
	}
	return true, at
}

func (d *Dispatcher) remember(ctx context.Context, messageID, guestID, remoteID string) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := d.Cache.StoreDispatched(cctx, messageID, guestID, remoteID, d.Clock.Now()); err != nil {
		slog.Warn("caching dispatch failed", "message_id", messageID, "guest_id", guestID, "error", err)
	}
}

func (d *Dispatcher) recordFailed(ctx context.Context, messageID, guestID, reason string) {
	if err := d.Tracker.RecordFailed(ctx, messageID, guestID, reason); err != nil {
		slog.Error("recording delivery failure failed", "message_id", messageID, "guest_id", guestID, "error", err)
	}
}
