// Package readiness polls an eventually consistent external state until it
// settles, using an escalating delay schedule with a hard deadline.
//
// Outcomes are values, never errors: "not ready yet" is the common case, and
// callers must tell a timeout (try again later) from a hard error
// (configuration or auth problem, do not blindly retry).
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Check reports whether the external state is ready. A non-nil error is a
// hard error: polling stops at once and the error is not retried.
// Check must be idempotent.
type Check func(ctx context.Context) (ready bool, err error)

// Schedule is the polling plan. The first check runs immediately; Delays[i]
// is the wait before check i+2. Deadline caps total elapsed time; zero means
// the delays alone bound the poll.
type Schedule struct {
	Delays   []time.Duration `yaml:"delays" json:"delays"`
	Deadline time.Duration   `yaml:"deadline" json:"deadline"`
}

// Validate rejects empty or negative schedules.
func (s Schedule) Validate() error {
	if len(s.Delays) == 0 {
		return errors.New("delay sequence is empty")
	}
	for i, d := range s.Delays {
		if d < 0 {
			return fmt.Errorf("delay %d is negative (%s)", i, d)
		}
	}
	if s.Deadline < 0 {
		return fmt.Errorf("deadline is negative (%s)", s.Deadline)
	}
	return nil
}

// Budget returns the sum of all delays.
func (s Schedule) Budget() time.Duration {
	var total time.Duration
	for _, d := range s.Delays {
		total += d
	}
	return total
}

// Kind discriminates an Outcome.
type Kind int

const (
	Ready Kind = iota + 1
	Timeout
	HardError
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case HardError:
		return "hard_error"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the result of one verification.
type Outcome struct {
	Kind     Kind
	Attempts int
	Elapsed  time.Duration
	// Err is the check's error for HardError and the context's error for
	// Canceled.
	Err error
}

// OK reports whether the state became ready.
func (o Outcome) OK() bool {
	return o.Kind == Ready
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s after %d attempts (%s): %v", o.Kind, o.Attempts, o.Elapsed, o.Err)
	}
	return fmt.Sprintf("%s after %d attempts (%s)", o.Kind, o.Attempts, o.Elapsed)
}

// Clock supplies time and waiting to the verifier.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Verifier runs checks against schedules. A Verifier holds no per-poll
// state; one instance serves any number of concurrent verifications.
type Verifier struct {
	clock Clock
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{clock: SystemClock{}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify polls check on schedule s.
//
// Ready short-circuits: no remaining delay is waited out. A hard error
// aborts immediately. When the delays run out, or the next wait would pass
// the deadline, the outcome is Timeout; the last wait is trimmed to end at
// the deadline so the poll never overruns it by more than one check.
// Canceling ctx (for example when the caller's session ends) stops polling
// with Canceled and no further check runs.
func (v *Verifier) Verify(ctx context.Context, s Schedule, check Check) Outcome {
	start := v.clock.Now()
	elapsed := func() time.Duration { return v.clock.Now().Sub(start) }

	attempts := 0
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: Canceled, Attempts: attempts, Elapsed: elapsed(), Err: err}
		}

		attempts++
		ready, err := check(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return Outcome{Kind: Canceled, Attempts: attempts, Elapsed: elapsed(), Err: ctx.Err()}
		case err != nil:
			slog.Debug("readiness hard error", "attempt", attempts, "error", err)
			return Outcome{Kind: HardError, Attempts: attempts, Elapsed: elapsed(), Err: err}
		case ready:
			return Outcome{Kind: Ready, Attempts: attempts, Elapsed: elapsed()}
		}

		if i >= len(s.Delays) {
			return Outcome{Kind: Timeout, Attempts: attempts, Elapsed: elapsed()}
		}
		wait := s.Delays[i]
		if s.Deadline > 0 {
			remaining := s.Deadline - elapsed()
			if remaining <= 0 {
				return Outcome{Kind: Timeout, Attempts: attempts, Elapsed: elapsed()}
			}
			wait = min(wait, remaining)
		}
		slog.Debug("not ready", "attempt", attempts, "next_in", wait)

		select {
		case <-ctx.Done():
			return Outcome{Kind: Canceled, Attempts: attempts, Elapsed: elapsed(), Err: ctx.Err()}
		case <-v.clock.After(wait):
		}
	}
}
