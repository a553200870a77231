// Package leadtime validates how far in the future a message must be
// scheduled so the polling worker cannot miss it.
package leadtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/event-messaging/internal/clock"
	"github.com/LeventeLantos/event-messaging/internal/model"
)

const (
	DefaultMinLeadSeconds        = 180
	DefaultQuickSetBufferMinutes = 5
)

type Config struct {
	MinLeadSeconds        int
	QuickSetBufferMinutes int
}

// ParseConfig never fails: unset, empty, unparsable or non-positive values
// fall back to the defaults. The quick-set buffer is raised until it is
// strictly greater than the minimum lead.
func ParseConfig(minLeadRaw, quickSetRaw string) Config {
	cfg := Config{
		MinLeadSeconds:        parsePositive(minLeadRaw, DefaultMinLeadSeconds),
		QuickSetBufferMinutes: parsePositive(quickSetRaw, DefaultQuickSetBufferMinutes),
	}
	if cfg.QuickSetBufferMinutes*60 <= cfg.MinLeadSeconds {
		cfg.QuickSetBufferMinutes = cfg.MinLeadSeconds/60 + 1
	}
	return cfg
}

func parsePositive(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

type Guard struct {
	cfg   Config
	clock clock.Clock
}

func NewGuard(cfg Config, c clock.Clock) *Guard {
	if cfg.MinLeadSeconds <= 0 {
		cfg.MinLeadSeconds = DefaultMinLeadSeconds
	}
	if cfg.QuickSetBufferMinutes*60 <= cfg.MinLeadSeconds {
		cfg.QuickSetBufferMinutes = cfg.MinLeadSeconds/60 + 1
	}
	if c == nil {
		c = clock.System{}
	}
	return &Guard{cfg: cfg, clock: c}
}

func (g *Guard) MinLeadSeconds() int { return g.cfg.MinLeadSeconds }

func (g *Guard) MinLead() time.Duration {
	return time.Duration(g.cfg.MinLeadSeconds) * time.Second
}

func (g *Guard) Now() time.Time { return g.clock.Now().UTC() }

// IsValidScheduleTimeAt reports candidate >= now + minLead. The boundary
// is inclusive.
func (g *Guard) IsValidScheduleTimeAt(candidate, now time.Time) bool {
	return !candidate.UTC().Before(g.EarliestValidTimeAt(now))
}

func (g *Guard) IsValidScheduleTime(candidate time.Time) bool {
	return g.IsValidScheduleTimeAt(candidate, g.Now())
}

func (g *Guard) EarliestValidTimeAt(now time.Time) time.Time {
	return now.UTC().Add(g.MinLead())
}

func (g *Guard) EarliestValidTime() time.Time {
	return g.EarliestValidTimeAt(g.Now())
}

// Check returns ErrScheduleTooSoon explaining the lead time when candidate
// is too soon.
func (g *Guard) Check(candidate, now time.Time) error {
	if g.IsValidScheduleTimeAt(candidate, now) {
		return nil
	}
	return fmt.Errorf("%w: must be at least %s from now", model.ErrScheduleTooSoon, g.FormatLeadTime())
}

// QuickSetTimeAt is now plus the quick-action buffer, rounded up to the
// next whole minute.
func (g *Guard) QuickSetTimeAt(now time.Time) time.Time {
	t := now.UTC().Add(time.Duration(g.cfg.QuickSetBufferMinutes) * time.Minute)
	if r := t.Truncate(time.Minute); !r.Equal(t) {
		t = r.Add(time.Minute)
	}
	return t
}

func (g *Guard) QuickSetTime() time.Time {
	return g.QuickSetTimeAt(g.Now())
}

func (g *Guard) FormatLeadTime() string {
	return FormatSeconds(g.cfg.MinLeadSeconds)
}

// FormatSeconds renders 30 as "30 seconds", 60 as "1 minute" and 150 as
// "2m 30s".
func FormatSeconds(s int) string {
	if s < 60 {
		return plural(s, "second")
	}
	m, rem := s/60, s%60
	if rem == 0 {
		return plural(m, "minute")
	}
	return fmt.Sprintf("%dm %ds", m, rem)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
