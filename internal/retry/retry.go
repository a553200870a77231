// Package retry retries collaborator calls with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/model"
)

const maxDelay = 5 * time.Second

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > maxDelay || d < 0 {
		d = maxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error or the
// attempts are exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !model.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.delay(attempt)
		slog.Warn("collaborator call failed, retrying",
			"op", op,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
