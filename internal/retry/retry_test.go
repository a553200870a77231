package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

func TestDo_RetriesCollaboratorFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAfterAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("db down")
	err := Do(context.Background(), Policy{Attempts: 2, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDo_NeverRetriesValidationOrConflicts(t *testing.T) {
	for _, sentinel := range []error{model.ErrScheduleTooSoon, model.ErrConflictingModification, model.ErrMessageNotFound} {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, "test", func(context.Context) error {
			calls++
			return fmt.Errorf("wrapped: %w", sentinel)
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls, sentinel.Error())
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, maxDelay, p.delay(10))
}
