package engine

import "time"

// Clock supplies wall-clock time to the engine.
//
// Every timestamp the engine writes (enrollment start, entry scheduled_at,
// claim time) comes from this clock, so tests can pin time with a manual
// clock and get byte-identical schedules.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
