package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counting(calls *atomic.Int64) func(context.Context) {
	return func(context.Context) { calls.Add(1) }
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	t.Run("interval must be > 0", func(t *testing.T) {
		t.Parallel()

		s, err := New("dispatch", 0, func(context.Context) {})
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if s != nil {
			t.Fatalf("expected nil scheduler, got %#v", s)
		}
	})

	t.Run("job must not be nil", func(t *testing.T) {
		t.Parallel()

		s, err := New("dispatch", 100*time.Millisecond, nil)
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if s != nil {
			t.Fatalf("expected nil scheduler, got %#v", s)
		}
	})
}

func TestScheduler_StartStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New("dispatch", 10*time.Millisecond, counting(&calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if s.IsRunning() {
		t.Fatalf("expected scheduler not running initially")
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true on first call")
	}
	if ok := s.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true on first call")
	}
	if s.IsRunning() {
		t.Fatalf("expected scheduler not running after Stop()")
	}
	if ok := s.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}
}

func TestScheduler_NoRunsAfterStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New("dispatch", 10*time.Millisecond, counting(&calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()

	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)
	s.Stop()
	before := calls.Load()

	time.Sleep(100 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Fatalf("expected no runs after Stop; before=%d after=%d", before, after)
	}
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	var calls atomic.Int64

	s, err := New("dispatch", 10*time.Second, counting(&calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	var calls atomic.Int64
	var panicked atomic.Bool

	s, err := New("dispatch", 10*time.Millisecond, func(context.Context) {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
}

func TestScheduler_Restart(t *testing.T) {
	var calls atomic.Int64

	s, err := New("dispatch", 10*time.Millisecond, counting(&calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		calls.Store(0)
		if ok := s.Start(); !ok {
			t.Fatalf("iteration %d: expected Start() true", i)
		}
		waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
		if ok := s.Stop(); !ok {
			t.Fatalf("iteration %d: expected Stop() true", i)
		}
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	var mu sync.Mutex
	var captured context.Context

	s, err := New("dispatch", 10*time.Millisecond, func(ctx context.Context) {
		mu.Lock()
		defer mu.Unlock()
		if captured == nil {
			captured = ctx
		}
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		mu.Lock()
		got := captured
		mu.Unlock()
		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			s.Stop()
			t.Fatalf("did not capture job context in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()

	mu.Lock()
	ctx := captured
	mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected job context to be canceled after Stop()")
	}
}

func TestScheduler_Status(t *testing.T) {
	var calls atomic.Int64

	s, err := New("dispatch", 10*time.Second, counting(&calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	st := s.Status()
	if st.Running || st.Ticks != 0 || st.LastTickAt != nil {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	s.Start()
	defer s.Stop()
	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for s.Status().Ticks < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("status never recorded a tick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st = s.Status()
	if !st.Running || st.Name != "dispatch" || st.Interval != "10s" || st.LastTickAt == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
}

// waitForAtLeast polls until calls >= n or fails the test after timeout.
func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if calls.Load() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for calls >= %d (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
