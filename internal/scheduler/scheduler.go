// Package scheduler runs a job on a fixed interval until stopped.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a snapshot for the control endpoint.
type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Interval     string     `json:"interval"`
	Ticks        int64      `json:"ticks"`
	LastTickAt   *time.Time `json:"lastTickAt,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
}

type Scheduler struct {
	name     string
	interval time.Duration
	job      func(context.Context)

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statsMu  sync.Mutex
	lastTick time.Time
	lastDur  time.Duration
}

func New(name string, interval time.Duration, job func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the job once immediately and then every interval. It returns
// false if the scheduler is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := slog.With("job", s.name)
	log.Info("scheduler started", "interval", s.interval.String())

	s.safeRun(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.safeRun(ctx, log)
		}
	}
}

// Stop cancels the running job and waits for it to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped", "job", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := Status{
		Name:     s.name,
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTickAt = &t
		st.LastDuration = s.lastDur.String()
	}
	return st
}

func (s *Scheduler) safeRun(ctx context.Context, log *slog.Logger) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduler job panic recovered", "panic", r)
		}
		d := time.Since(start)
		s.ticks.Add(1)
		s.statsMu.Lock()
		s.lastTick = start.UTC()
		s.lastDur = d
		s.statsMu.Unlock()
		log.Debug("scheduler job completed", "duration_ms", d.Milliseconds())
	}()

	s.job(ctx)
}
