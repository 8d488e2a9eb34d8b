package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

// DefaultClaimLease is how long an executor claim stays exclusive.
const DefaultClaimLease = 10 * time.Minute

// FailurePolicy decides what a failed step does to its enrollment.
type FailurePolicy string

const (
	// FailHalt fails the enrollment with the step's error.
	FailHalt FailurePolicy = "halt"

	// FailContinue advances past the failed step as if it were skipped.
	FailContinue FailurePolicy = "continue"
)

// Gate reports whether a channel may be scheduled for an owner, typically
// by checking that the provider account behind it is linked and active.
// provider names what is missing when ready is false.
type Gate interface {
	Ready(ctx context.Context, scope model.Scope, channel model.Channel) (provider string, ready bool, err error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, scope model.Scope, channel model.Channel) (string, bool, error)

// Ready calls f.
func (f GateFunc) Ready(ctx context.Context, scope model.Scope, channel model.Channel) (string, bool, error) {
	return f(ctx, scope, channel)
}

// Engine compiles lead paths, materializes schedule entries and moves
// enrollments through their lifecycle.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - work on one enrollment is serialized by a per-enrollment lock
//   - work on different enrollments runs in parallel
//   - engines in separate processes are kept consistent by the store's
//     compare-and-swap writes
type Engine struct {
	store           Store
	clock           Clock
	ids             IDGenerator
	tokens          IDGenerator
	policy          SchedulePolicy
	gate            Gate
	failure         FailurePolicy
	claimLease      time.Duration
	maxSegmentSteps int
	locks           *enrollmentLocks
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithClock sets the wall clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the record id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithTokenGenerator sets the claim token generator. Default: ULIDGenerator.
func WithTokenGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// WithSchedulePolicy sets timezone and send-window handling.
func WithSchedulePolicy(p SchedulePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithGate sets the channel readiness gate. Default: every channel is ready.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithFailurePolicy sets what a failed step does. Default: FailHalt.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) { e.failure = p }
}

// WithClaimLease sets how long a claim is exclusive. Default: 10 minutes.
func WithClaimLease(d time.Duration) Option {
	return func(e *Engine) { e.claimLease = d }
}

// WithMaxSegmentSteps caps the steps one walk may visit.
// Default: 1000 (DefaultMaxSegmentSteps).
func WithMaxSegmentSteps(n int) Option {
	return func(e *Engine) { e.maxSegmentSteps = n }
}

// New creates an Engine over s.
func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		tokens:          ULIDGenerator{},
		policy:          DefaultSchedulePolicy(),
		failure:         FailHalt,
		claimLease:      DefaultClaimLease,
		maxSegmentSteps: DefaultMaxSegmentSteps,
		locks:           newEnrollmentLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// Activate validates a cadence's graph and, if it is sound, stores it as the
// next graph version and marks the cadence active.
//
// Returns compiler.IntegrityErrors naming the offending steps when the graph
// is malformed; activation is blocked and nothing is written.
func (e *Engine) Activate(ctx context.Context, scope model.Scope, cadenceID string) (model.Cadence, error) {
	c, err := e.store.GetCadence(ctx, scope, cadenceID)
	if err != nil {
		return model.Cadence{}, fmt.Errorf("activate %s: %w", cadenceID, err)
	}

	g := compiler.Normalize(c.Graph)
	g.CadenceID = cadenceID
	if errs := compiler.Validate(g); len(errs) > 0 {
		slog.Info("cadence activation blocked", "cadence", cadenceID, "errors", len(errs))
		return model.Cadence{}, compiler.IntegrityErrors(errs)
	}

	out, err := e.store.ActivateCadence(ctx, scope, cadenceID, g, e.now())
	if err != nil {
		return model.Cadence{}, fmt.Errorf("activate %s: %w", cadenceID, err)
	}
	slog.Info("cadence activated", "cadence", cadenceID, "graph_version", out.Graph.Version, "steps", len(g.Nodes))
	return out, nil
}

// AdvanceResult describes what one compilation did.
type AdvanceResult struct {
	// Enrollment is the enrollment after the call.
	Enrollment model.LeadEnrollment `json:"enrollment"`

	// Visited holds the instances created by this call, in seq order.
	Visited []model.StepInstance `json:"visited,omitempty"`

	// Instance is the Action/Delay instance now awaiting an outcome.
	Instance *model.StepInstance `json:"instance,omitempty"`

	// Entry is its schedule entry, unless the channel gate paused the
	// enrollment first.
	Entry *model.ScheduleEntry `json:"entry,omitempty"`

	// Existing is true when Entry already existed (idempotent replay).
	Existing bool `json:"existing,omitempty"`

	// Exhausted is true when the path ended and the enrollment completed.
	Exhausted bool `json:"exhausted,omitempty"`

	// NoOp is true when another caller already advanced past the expected
	// pointer, or the enrollment already existed.
	NoOp bool `json:"noop,omitempty"`
}

// Enroll adds a lead to an active cadence and compiles its first segment.
// Enrolling the same lead twice returns the existing enrollment with NoOp set.
func (e *Engine) Enroll(ctx context.Context, scope model.Scope, cadenceID, leadID string) (AdvanceResult, error) {
	c, err := e.store.GetCadence(ctx, scope, cadenceID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("enroll: %w", err)
	}
	if c.Status != model.CadenceActive {
		return AdvanceResult{}, &RuntimeError{
			Code:    ErrCodeCadenceNotActive,
			Message: fmt.Sprintf("cadence %s is %s", cadenceID, c.Status),
		}
	}
	if _, err := e.store.GetLead(ctx, scope, leadID); err != nil {
		return AdvanceResult{}, fmt.Errorf("enroll: %w", err)
	}

	now := e.now()
	enr, created, err := e.store.CreateEnrollment(ctx, model.LeadEnrollment{
		ID:           e.ids.Generate(),
		CadenceID:    cadenceID,
		LeadID:       leadID,
		OwnerID:      scope.OwnerID,
		OrgID:        scope.OrgID,
		Status:       model.EnrollmentActive,
		GraphVersion: c.Graph.Version,
		StartedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("enroll: %w", err)
	}
	if !created {
		slog.Debug("lead already enrolled", "cadence", cadenceID, "lead", leadID, "enrollment", enr.ID)
		return AdvanceResult{Enrollment: enr, NoOp: true}, nil
	}
	slog.Info("lead enrolled", "cadence", cadenceID, "lead", leadID, "enrollment", enr.ID)

	unlock := e.locks.lock(enr.ID)
	defer unlock()
	return e.advanceLocked(ctx, enr, "")
}

// Advance compiles the next segment for an enrollment whose pointer is
// still expected. It is the entry point for "this step is done, move on".
//
// If the pointer moved on (another caller advanced first) the call is a
// no-op returning the current enrollment. A non-empty expected pointer must
// name a step whose instance reached a terminal status.
func (e *Engine) Advance(ctx context.Context, enrollmentID, expected string) (AdvanceResult, error) {
	unlock := e.locks.lock(enrollmentID)
	defer unlock()

	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance: %w", err)
	}
	if enr.CurrentStepID != expected {
		return AdvanceResult{Enrollment: enr, NoOp: true}, nil
	}
	if enr.Status != model.EnrollmentActive {
		return AdvanceResult{Enrollment: enr}, &RuntimeError{
			Code:         ErrCodeEnrollmentNotActive,
			Message:      fmt.Sprintf("enrollment is %s", enr.Status),
			EnrollmentID: enr.ID,
		}
	}
	if expected != "" {
		inst, err := e.instanceFor(ctx, enr.ID, expected)
		if err != nil {
			return AdvanceResult{}, err
		}
		if !inst.Status.IsTerminal() {
			return AdvanceResult{Enrollment: enr}, invalidTransition(enr.ID, expected,
				"step is %s; only terminal steps can be advanced past", inst.Status)
		}
	}
	return e.advanceLocked(ctx, enr, expected)
}

// advanceLocked walks, commits and materializes one segment.
// The caller holds enr's lock.
func (e *Engine) advanceLocked(ctx context.Context, enr model.LeadEnrollment, expected string) (AdvanceResult, error) {
	if enr.CurrentStepID != expected {
		return AdvanceResult{Enrollment: enr, NoOp: true}, nil
	}
	scope := enr.Scope()

	c, err := e.store.GetCadence(ctx, scope, enr.CadenceID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w", enr.ID, err)
	}
	lead, err := e.store.GetLead(ctx, scope, enr.LeadID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w", enr.ID, err)
	}
	history, err := e.store.ListStepInstances(ctx, enr.ID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w", enr.ID, err)
	}

	now := e.now()
	seg, err := e.walk(walkInput{
		graph:      c.Graph,
		enrollment: enr,
		history:    history,
		snapshot:   Snapshot(lead, history),
		now:        now,
	})
	if err != nil {
		return e.haltOnWalkError(ctx, enr, err)
	}

	status := model.EnrollmentActive
	if seg.current == nil {
		status = model.EnrollmentCompleted
	}
	committed, err := e.store.CommitSegment(ctx, model.Segment{
		EnrollmentID:    enr.ID,
		ExpectedVersion: enr.Version,
		Instances:       seg.visited,
		Pointer:         seg.pointer(),
		Status:          status,
		UpdatedAt:       now,
	})
	if errors.Is(err, store.ErrStaleWrite) {
		current, gerr := e.store.GetEnrollment(ctx, enr.ID)
		if gerr != nil {
			return AdvanceResult{}, fmt.Errorf("advance %s: reload: %w", enr.ID, gerr)
		}
		slog.Debug("advance lost race", "enrollment", enr.ID, "expected", expected, "pointer", current.CurrentStepID)
		return AdvanceResult{Enrollment: current, NoOp: true}, nil
	}
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w", enr.ID, err)
	}

	res := AdvanceResult{Enrollment: committed, Visited: seg.visited, Exhausted: seg.current == nil}

	if n, err := e.store.CancelOtherEntries(ctx, enr.ID, seg.pointer(), now); err != nil {
		return res, fmt.Errorf("advance %s: cancel routed-away entries: %w", enr.ID, err)
	} else if n > 0 {
		slog.Info("canceled routed-away entries", "enrollment", enr.ID, "count", n)
	}

	if res.Exhausted {
		slog.Info("enrollment completed", "enrollment", enr.ID, "visited", len(seg.visited))
		return res, nil
	}

	inst, _ := seg.pending()
	res.Instance = &inst
	slog.Info("enrollment advanced", "enrollment", enr.ID, "step", inst.StepID, "seq", inst.Seq, "visited", len(seg.visited))

	mat, err := e.materialize(ctx, committed, lead, *seg.current, inst)
	if err != nil {
		return res, err
	}
	res.Enrollment = mat.enrollment
	res.Entry = mat.entry
	res.Existing = mat.existing
	return res, nil
}

// haltOnWalkError freezes the enrollment as failed after a graph integrity
// or cycle error. Only this lead stops; the cadence is untouched.
func (e *Engine) haltOnWalkError(ctx context.Context, enr model.LeadEnrollment, cause error) (AdvanceResult, error) {
	var re *RuntimeError
	if !errors.As(cause, &re) {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w", enr.ID, cause)
	}
	if re.Code == ErrCodeCycleDetected {
		slog.Error("cycle detected",
			"enrollment", enr.ID,
			"step", re.StepID,
			"path", re.Details["path"],
		)
	} else {
		slog.Warn("halting enrollment", "enrollment", enr.ID, "step", re.StepID, "code", re.Code, "error", re.Message)
	}

	failed, err := e.fail(ctx, enr, cause.Error())
	if err != nil {
		return AdvanceResult{Enrollment: enr}, errors.Join(cause, err)
	}
	return AdvanceResult{Enrollment: failed}, cause
}

// fail moves enr to failed and skips its scheduled entries.
func (e *Engine) fail(ctx context.Context, enr model.LeadEnrollment, reason string) (model.LeadEnrollment, error) {
	return e.stop(ctx, enr, model.EnrollmentFailed, reason)
}

// stop moves enr to paused or failed and transitions every scheduled entry
// to skipped_due_to_state_change.
func (e *Engine) stop(ctx context.Context, enr model.LeadEnrollment, status model.EnrollmentStatus, reason string) (model.LeadEnrollment, error) {
	now := e.now()
	enr.Status = status
	enr.LastError = reason
	enr.UpdatedAt = now
	out, err := e.store.UpdateEnrollment(ctx, enr)
	if err != nil {
		return model.LeadEnrollment{}, fmt.Errorf("%s enrollment %s: %w", status, enr.ID, err)
	}
	n, err := e.store.TransitionEntries(ctx, enr.ID, model.EntryScheduled, model.EntrySkippedDueToStateChange, now)
	if err != nil {
		return out, fmt.Errorf("%s enrollment %s: skip entries: %w", status, enr.ID, err)
	}
	slog.Info("enrollment stopped", "enrollment", enr.ID, "status", status, "reason", reason, "skipped_entries", n)
	return out, nil
}

// instanceFor returns the enrollment's instance for stepID.
func (e *Engine) instanceFor(ctx context.Context, enrollmentID, stepID string) (model.StepInstance, error) {
	history, err := e.store.ListStepInstances(ctx, enrollmentID)
	if err != nil {
		return model.StepInstance{}, fmt.Errorf("load instances %s: %w", enrollmentID, err)
	}
	for _, inst := range history {
		if inst.StepID == stepID {
			return inst, nil
		}
	}
	return model.StepInstance{}, fmt.Errorf("enrollment %s has no instance for step %s: %w", enrollmentID, stepID, store.ErrNotFound)
}
