package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/event-messaging/internal/clock"
	"github.com/LeventeLantos/event-messaging/internal/leadtime"
	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/recipient"
	"github.com/LeventeLantos/event-messaging/internal/repo"
	"github.com/LeventeLantos/event-messaging/internal/repo/repotest"
)

var t0 = time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC)

type fixture struct {
	lc    *Lifecycle
	store *repo.SQLStore
	clock *clock.Fixed
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	store := repotest.NewStore(t)
	repotest.SeedGuests(t, store,
		model.Guest{ID: "g1", EventID: "evt", Name: "Ana", Phone: repotest.Phone("+15550001"), Tags: []string{"family"}},
		model.Guest{ID: "g2", EventID: "evt", Name: "Ben", Phone: repotest.Phone("+15550002"), Tags: []string{"family", "bridal-party"}},
		model.Guest{ID: "g3", EventID: "evt", Name: "Cy"},
	)
	clk := clock.NewFixed(t0)
	guard := leadtime.NewGuard(leadtime.Config{MinLeadSeconds: 180, QuickSetBufferMinutes: 5}, clk)
	return fixture{
		lc:    New(store, guard, recipient.NewResolver(store), opts...),
		store: store,
		clock: clk,
	}
}

func validRequest() CreateRequest {
	return CreateRequest{
		EventID:     "evt",
		HostID:      "host-1",
		Content:     "Shuttle leaves at 5pm",
		Type:        model.Direct,
		Filter:      model.SelectGuests("g1", "g2"),
		ScheduledAt: t0.Add(10 * time.Minute),
		Channels:    model.Channels{SMS: true},
	}
}

func TestCreate_DirectExplicitSelectionRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.Scheduled, created.State)
	assert.Zero(t, created.ModificationCount)

	got, err := f.lc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Direct, got.Type)
	assert.Equal(t, model.SelectGuests("g1", "g2"), got.Filter)
	assert.True(t, got.ScheduledAt.Equal(t0.Add(10*time.Minute)))
}

func TestCreate_LeadTimeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.ScheduledAt = t0.Add(180*time.Second - time.Millisecond)
	_, err := f.lc.Create(ctx, req)
	assert.ErrorIs(t, err, model.ErrScheduleTooSoon)
	assert.Contains(t, err.Error(), "3 minutes")

	req.ScheduledAt = t0.Add(180 * time.Second)
	_, err = f.lc.Create(ctx, req)
	assert.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"empty content", func(r *CreateRequest) { r.Content = "   " }, model.ErrInvalidContent},
		{"unknown type", func(r *CreateRequest) { r.Type = "broadcast" }, model.ErrInvalidMessageType},
		{"channel without tags", func(r *CreateRequest) { r.Type = model.Channel }, model.ErrTypeFilterMismatch},
		{"empty selection", func(r *CreateRequest) { r.Filter = model.SelectGuests() }, model.ErrEmptySelection},
		{"no channel", func(r *CreateRequest) { r.Channels = model.Channels{} }, model.ErrInvalidContent},
		{"nil filter", func(r *CreateRequest) { r.Filter = nil }, model.ErrInvalidFilter},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tc.mutate(&req)

			_, err := f.lc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)

			listed, err := f.store.ListByEvent(context.Background(), "evt", 10, 0)
			require.NoError(t, err)
			assert.Empty(t, listed)
		})
	}
}

func TestCreate_ChannelWithTags(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Type = model.Channel
	req.Filter = model.TagMatch{Tags: []string{"family"}}

	m, err := f.lc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.Channel, m.Type)
}

func TestModify_PartialUpdateKeepsType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	content := "Shuttle leaves at 6pm"
	updated, err := f.lc.Modify(ctx, "host-1", created.ID, 0, model.Update{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ModificationCount)

	got, err := f.lc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, model.Direct, got.Type)
	assert.Equal(t, 1, got.ModificationCount)
}

func TestModify_StaleCountConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, text := range []string{"first edit", "second edit"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := f.lc.Modify(ctx, "host-1", created.ID, 0, model.Update{Content: &text})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrConflictingModification):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(text)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := f.lc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ModificationCount)
}

func TestModify_InsideLeadWindowIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	f.clock.Advance(8 * time.Minute)
	content := "too late"
	_, err = f.lc.Modify(ctx, "host-1", created.ID, 0, model.Update{Content: &content})
	assert.ErrorIs(t, err, model.ErrNotModifiable)
}

func TestModify_NewTimeMustRespectLeadTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	soon := t0.Add(time.Minute)
	_, err = f.lc.Modify(ctx, "host-1", created.ID, 0, model.Update{ScheduledAt: &soon})
	assert.ErrorIs(t, err, model.ErrScheduleTooSoon)
}

func TestModify_EmptyUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.lc.Modify(ctx, "host-1", created.ID, 0, model.Update{})
	assert.ErrorIs(t, err, model.ErrInvalidContent)
}

func TestCancel_AfterSentIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	_, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1", "g2"}))
	require.NoError(t, err)
	require.True(t, applied)

	_, err = f.lc.Cancel(ctx, "host-1", created.ID)
	assert.ErrorIs(t, err, model.ErrNotCancellable)
	assert.Contains(t, err.Error(), "already sent")

	got, err := f.lc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, got.State)
}

func TestCancel_Scheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := f.lc.Cancel(ctx, "host-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, cancelled.State)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.lc.Cancel(ctx, "host-1", created.ID)
	assert.ErrorIs(t, err, model.ErrNotCancellable)
}

func TestMarkSent_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	first, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1", "g2"}))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"g1", "g2"}, first.Recipients)

	second, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1"}))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{"g1", "g2"}, second.Recipients)
	assert.Equal(t, first.SentAt, second.SentAt)

	counts, err := f.store.Counts(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Sent)
}

func TestMarkSent_CancelledIsIllegal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.lc.Cancel(ctx, "host-1", created.ID)
	require.NoError(t, err)

	_, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1"}))
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
	assert.False(t, applied)
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	failed, err := f.lc.MarkFailed(ctx, created.ID, "guest directory unavailable")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, failed.State)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "guest directory unavailable", *failed.FailureReason)

	_, err = f.lc.MarkFailed(ctx, created.ID, "again")
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestDraftThenSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.ScheduledAt = t0
	draft, err := f.lc.CreateDraft(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.Draft, draft.State)

	_, err = f.lc.Schedule(ctx, "host-1", draft.ID, t0.Add(time.Minute))
	assert.ErrorIs(t, err, model.ErrScheduleTooSoon)

	scheduled, err := f.lc.Schedule(ctx, "host-1", draft.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.Scheduled, scheduled.State)
	assert.True(t, scheduled.ScheduledAt.Equal(t0.Add(time.Hour)))

	_, err = f.lc.Schedule(ctx, "host-1", draft.ID, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

type denyAll struct{}

func (denyAll) CanManage(context.Context, string, string) error {
	return errors.New("host does not manage this event")
}

func TestAuthorizerDenial(t *testing.T) {
	f := newFixture(t, WithAuthorizer(denyAll{}))

	_, err := f.lc.Create(context.Background(), validRequest())
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.lc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrMessageNotFound)
}

// readBackFailingStore fails the first Get that follows an applied
// transition, as a dropped connection would after the commit.
type readBackFailingStore struct {
	*repo.SQLStore

	mu       sync.Mutex
	failNext bool
	failures int
}

func (s *readBackFailingStore) arm(ok bool, err error) (bool, error) {
	if ok && err == nil {
		s.mu.Lock()
		s.failNext = true
		s.mu.Unlock()
	}
	return ok, err
}

func (s *readBackFailingStore) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	s.mu.Lock()
	fail := s.failNext
	s.failNext = false
	if fail {
		s.failures++
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.SQLStore.Get(ctx, id)
}

func (s *readBackFailingStore) MarkSent(ctx context.Context, id string, recipients []string, now time.Time) (bool, error) {
	return s.arm(s.SQLStore.MarkSent(ctx, id, recipients, now))
}

func (s *readBackFailingStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.arm(s.SQLStore.Cancel(ctx, id, now))
}

func (s *readBackFailingStore) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.arm(s.SQLStore.MarkFailed(ctx, id, reason, now))
}

func (s *readBackFailingStore) Schedule(ctx context.Context, id string, at, now time.Time) (bool, error) {
	return s.arm(s.SQLStore.Schedule(ctx, id, at, now))
}

func newReadBackFixture(t *testing.T) (fixture, *readBackFailingStore) {
	t.Helper()
	f := newFixture(t)
	rb := &readBackFailingStore{SQLStore: f.store}
	guard := leadtime.NewGuard(leadtime.Config{MinLeadSeconds: 180, QuickSetBufferMinutes: 5}, f.clock)
	f.lc = New(rb, guard, recipient.NewResolver(f.store))
	return f, rb
}

func TestMarkSent_ReadBackFailureStillReportsApplied(t *testing.T) {
	f, rb := newReadBackFixture(t)
	ctx := context.Background()

	created, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)

	sent, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1", "g2"}))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, rb.failures)
	assert.Equal(t, model.Sent, sent.State)
	assert.Equal(t, "evt", sent.EventID)
	assert.Equal(t, created.Content, sent.Content)
	assert.True(t, sent.SMS)
	assert.Equal(t, []string{"g1", "g2"}, sent.Recipients)
	require.NotNil(t, sent.SentAt)

	stored, err := f.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Sent, stored.State)

	again, applied, err := f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1", "g2"}))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{"g1", "g2"}, again.Recipients)
}

func TestTransitions_ReadBackFailureKeepsSuccess(t *testing.T) {
	f, rb := newReadBackFixture(t)
	ctx := context.Background()

	toCancel, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)
	cancelled, err := f.lc.Cancel(ctx, "host-1", toCancel.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, cancelled.State)
	require.NotNil(t, cancelled.CancelledAt)

	toFail, err := f.lc.Create(ctx, validRequest())
	require.NoError(t, err)
	failed, err := f.lc.MarkFailed(ctx, toFail.ID, "sms provider down")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, failed.State)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "sms provider down", *failed.FailureReason)

	req := validRequest()
	req.ScheduledAt = t0
	draft, err := f.lc.CreateDraft(ctx, req)
	require.NoError(t, err)
	scheduled, err := f.lc.Schedule(ctx, "host-1", draft.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.Scheduled, scheduled.State)
	assert.True(t, scheduled.ScheduledAt.Equal(t0.Add(time.Hour)))

	assert.Equal(t, 3, rb.failures)
}

func TestCancel_RacesMarkSent(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f := newFixture(t)
		created, err := f.lc.Create(ctx, validRequest())
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			cancelErr error
			sendErr   error
			applied   bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.lc.Cancel(ctx, "host-1", created.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, applied, sendErr = f.lc.MarkSent(ctx, created.ID, model.NewRecipientSet([]string{"g1", "g2"}))
		}()
		close(start)
		wg.Wait()

		got, err := f.lc.Get(ctx, created.ID)
		require.NoError(t, err)
		switch got.State {
		case model.Sent:
			require.NoError(t, sendErr)
			assert.True(t, applied)
			assert.ErrorIs(t, cancelErr, model.ErrNotCancellable)
		case model.Cancelled:
			require.NoError(t, cancelErr)
			assert.False(t, applied)
			assert.ErrorIs(t, sendErr, model.ErrIllegalTransition)
		default:
			t.Fatalf("unexpected state after race: %s", got.State)
		}
	}
}
