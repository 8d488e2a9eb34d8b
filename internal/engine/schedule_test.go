package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("10:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 10, Minute: 30}, tod)
	assert.Equal(t, "10:30", tod.String())

	for _, bad := range []string{"", "25:00", "9am", "10:3"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduledAt(t *testing.T) {
	p := DefaultSchedulePolicy()
	// Monday 06:00 UTC: before every window.
	early := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		node  model.StepNode
		tz    string
		start time.Time
		now   time.Time
		want  time.Time
	}{
		{
			name:  "email window on start day",
			node:  action("a", 0, 0, model.ChannelEmail),
			start: early, now: early,
			want: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "linkedin message window",
			node:  action("a", 2, 0, model.ChannelLinkedInMessage),
			start: early, now: early,
			want: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "window already passed on day 0 clamps to start",
			node:  action("a", 0, 0, model.ChannelEmail),
			start: testStart, now: testStart,
			want: testStart,
		},
		{
			name:  "lead timezone",
			node:  action("a", 1, 0, model.ChannelCall),
			tz:    "America/New_York",
			start: early, now: early,
			// 2026-03-03 11:00 EST is 16:00 UTC.
			want: time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC),
		},
		{
			name:  "unknown timezone falls back to default",
			node:  action("a", 1, 0, model.ChannelCall),
			tz:    "Mars/Olympus",
			start: early, now: early,
			want: time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC),
		},
		{
			name:  "delay keeps start time of day",
			node:  delay("d", 1, 0, 3, model.UnitHours),
			start: early, now: early,
			want: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "never in the past",
			node:  action("a", 1, 0, model.ChannelEmail),
			start: early, now: early.Add(72 * time.Hour),
			want: early.Add(72 * time.Hour),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ScheduledAt(tt.node, tt.tz, tt.start, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestScheduledAt_DSTTransition(t *testing.T) {
	p := DefaultSchedulePolicy()
	// US clocks spring forward on 2026-03-08.
	start := time.Date(2026, 3, 6, 13, 0, 0, 0, time.UTC) // 08:00 EST
	got, err := p.ScheduledAt(action("a", 3, 0, model.ChannelEmail), "America/New_York", start, start)
	require.NoError(t, err)
	// 09:00 EDT is 13:00 UTC.
	assert.Equal(t, time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC), got)
}

func TestScheduledAt_SkipWeekends(t *testing.T) {
	p := DefaultSchedulePolicy()
	p.SkipWeekends = true
	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

	got, err := p.ScheduledAt(action("a", 5, 0, model.ChannelEmail), "", start, start)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, got.Weekday())
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), got)

	// Delays are internal and ignore weekends.
	got, err = p.ScheduledAt(delay("d", 5, 0, 1, model.UnitMinutes), "", start, start)
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, got.Weekday())
}

func TestScheduledAt_Errors(t *testing.T) {
	p := DefaultSchedulePolicy()

	_, err := p.ScheduledAt(condition("c", 0, "x", model.OpExists, nil), "", testStart, testStart)
	assert.Error(t, err)

	_, err = p.ScheduledAt(delay("d", 0, 0, 0, model.UnitDays), "", testStart, testStart)
	assert.Error(t, err)
}
