package leadtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/event-messaging/internal/clock"
	"github.com/LeventeLantos/event-messaging/internal/model"
)

func TestParseConfig_FallsBackSilently(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"unset", "", 180},
		{"whitespace", "   ", 180},
		{"garbage", "three minutes", 180},
		{"negative", "-5", 180},
		{"zero", "0", 180},
		{"float", "1.5", 180},
		{"valid", "240", 240},
		{"padded", " 90 ", 90},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseConfig(tc.raw, "").MinLeadSeconds)
		})
	}
}

func TestParseConfig_QuickSetAlwaysExceedsMinLead(t *testing.T) {
	cfg := ParseConfig("", "")
	assert.Equal(t, 5, cfg.QuickSetBufferMinutes)

	cfg = ParseConfig("600", "5")
	assert.Greater(t, cfg.QuickSetBufferMinutes*60, cfg.MinLeadSeconds)

	cfg = ParseConfig("300", "5")
	assert.Equal(t, 6, cfg.QuickSetBufferMinutes)
}

func TestGuard_BoundaryIsInclusive(t *testing.T) {
	g := NewGuard(ParseConfig("", ""), nil)
	nows := []time.Time{
		time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2027, 3, 1, 8, 30, 15, 500_000_000, time.FixedZone("CET", 3600)),
	}
	for _, now := range nows {
		lead := time.Duration(g.MinLeadSeconds()) * time.Second
		assert.True(t, g.IsValidScheduleTimeAt(now.Add(lead), now), now)
		assert.False(t, g.IsValidScheduleTimeAt(now.Add(lead-time.Second), now), now)
		assert.Equal(t, now.UTC().Add(lead), g.EarliestValidTimeAt(now))
	}
}

func TestGuard_UsesInjectedClock(t *testing.T) {
	now := time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)
	g := NewGuard(Config{MinLeadSeconds: 60}, c)

	assert.Equal(t, now.Add(time.Minute), g.EarliestValidTime())
	assert.True(t, g.IsValidScheduleTime(now.Add(time.Minute)))

	c.Advance(time.Second)
	assert.False(t, g.IsValidScheduleTime(now.Add(time.Minute)))
}

func TestGuard_CheckExplainsLeadTime(t *testing.T) {
	now := time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC)
	g := NewGuard(ParseConfig("", ""), nil)

	err := g.Check(now.Add(time.Minute), now)
	require.ErrorIs(t, err, model.ErrScheduleTooSoon)
	assert.Contains(t, err.Error(), "must be at least 3 minutes from now")

	assert.NoError(t, g.Check(now.Add(3*time.Minute), now))
}

func TestFormatSeconds(t *testing.T) {
	cases := map[int]string{
		1:   "1 second",
		30:  "30 seconds",
		59:  "59 seconds",
		60:  "1 minute",
		120: "2 minutes",
		150: "2m 30s",
		180: "3 minutes",
		61:  "1m 1s",
	}
	for secs, want := range cases {
		assert.Equal(t, want, FormatSeconds(secs), secs)
	}
	assert.Equal(t, "3 minutes", NewGuard(ParseConfig("", ""), nil).FormatLeadTime())
}

func TestQuickSet_AlwaysPassesDefaultGuard(t *testing.T) {
	g := NewGuard(ParseConfig("", "5"), nil)
	start := time.Date(2026, 6, 20, 15, 0, 0, 0, time.UTC)

	for offset := time.Duration(0); offset < 2*time.Minute; offset += 7 * time.Second {
		now := start.Add(offset)
		at := g.QuickSetTimeAt(now)

		assert.Zero(t, at.Second(), "rounded to whole minute")
		assert.False(t, at.Before(now.Add(5*time.Minute)))
		assert.True(t, g.IsValidScheduleTimeAt(at, now), "quick set at %s rejected", now)
	}
}
