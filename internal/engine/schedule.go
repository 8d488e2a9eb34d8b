package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

// TimeOfDay is a wall-clock time in a lead's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24-hour).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// SchedulePolicy turns a step's day offset into an absolute instant.
type SchedulePolicy struct {
	// DefaultTimezone applies to leads without a timezone, or with one that
	// fails to load.
	DefaultTimezone *time.Location

	// Windows is the channel-appropriate time of day for Action steps.
	// Channels without a window keep the enrollment start's time of day.
	Windows map[model.Channel]TimeOfDay

	// SkipWeekends rolls Action entries landing on Saturday or Sunday
	// forward to Monday's window.
	SkipWeekends bool
}

// DefaultSchedulePolicy returns UTC with the standard channel windows.
func DefaultSchedulePolicy() SchedulePolicy {
	return SchedulePolicy{
		DefaultTimezone: time.UTC,
		Windows: map[model.Channel]TimeOfDay{
			model.ChannelEmail:           {Hour: 9},
			model.ChannelLinkedInConnect: {Hour: 10},
			model.ChannelLinkedInMessage: {Hour: 10, Minute: 30},
			model.ChannelCall:            {Hour: 11},
			model.ChannelTask:            {Hour: 9},
		},
	}
}

var locations sync.Map // map[string]*time.Location

// Location resolves an IANA timezone name, falling back to the policy default.
func (p SchedulePolicy) Location(name string) *time.Location {
	fallback := p.DefaultTimezone
	if fallback == nil {
		fallback = time.UTC
	}
	if name == "" {
		return fallback
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	locations.Store(name, loc)
	return loc
}

// ScheduledAt computes when node should run for a lead in timezone tz whose
// enrollment started at start. The result is never before now and is
// returned in UTC.
//
// Action: the channel window on (start + day offset) in the lead's timezone,
// clamped to start, then rolled past weekends if configured.
// Delay: start + day offset (calendar days in the lead's timezone, keeping
// the start's time of day) + the delay duration.
func (p SchedulePolicy) ScheduledAt(node model.StepNode, tz string, start, now time.Time) (time.Time, error) {
	loc := p.Location(tz)
	local := start.In(loc)
	day := local.AddDate(0, 0, node.DayOffset)

	var at time.Time
	switch cfg := node.Config.(type) {
	case model.ActionConfig:
		w, ok := p.Windows[cfg.Channel]
		if !ok {
			w = TimeOfDay{Hour: local.Hour(), Minute: local.Minute()}
		}
		at = onDay(day, w, loc)
		if at.Before(start) {
			at = start.In(loc)
		}
		if p.SkipWeekends {
			for isWeekend(at) {
				at = onDay(at.AddDate(0, 0, 1), w, loc)
			}
		}
	case model.DelayConfig:
		d, err := cfg.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("step %s: %w", node.ID, err)
		}
		at = day.Add(d)
	default:
		return time.Time{}, fmt.Errorf("step %s: %s steps are not scheduled", node.ID, node.Kind())
	}

	if at.Before(now) {
		at = now
	}
	return at.UTC(), nil
}

func onDay(day time.Time, w TimeOfDay, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.Hour, w.Minute, 0, 0, loc)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
