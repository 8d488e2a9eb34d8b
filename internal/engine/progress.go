package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

// Result is an executor-reported step outcome.
type Result string

const (
	ResultGenerated Result = "generated"
	ResultSent      Result = "sent"
	ResultFailed    Result = "failed"
	ResultSkipped   Result = "skipped"
)

// stepTransitions lists the outcomes each instance status accepts.
var stepTransitions = map[model.StepStatus][]model.StepStatus{
	model.StepPending:   {model.StepGenerated, model.StepSent, model.StepFailed, model.StepSkipped},
	model.StepGenerated: {model.StepSent, model.StepFailed, model.StepSkipped},
}

func canTransition(from, to model.StepStatus) bool {
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// entryStatusFor maps a terminal step outcome onto its entry status.
func entryStatusFor(r Result) model.EntryStatus {
	switch r {
	case ResultSent:
		return model.EntryExecuted
	case ResultFailed:
		return model.EntryFailed
	default:
		return model.EntrySkippedDueToStateChange
	}
}

// Outcome is what an executor reports for a claimed entry.
type Outcome struct {
	EntryID    string `json:"entry_id"`
	ClaimToken string `json:"claim_token"`
	Result     Result `json:"result"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ReportResult describes what a reported outcome changed.
type ReportResult struct {
	Entry    model.ScheduleEntry    `json:"entry"`
	Instance model.StepInstance     `json:"instance"`
	Advance  *AdvanceResult         `json:"advance,omitempty"`
	Halted   bool                   `json:"halted,omitempty"`
	Status   model.EnrollmentStatus `json:"enrollment_status"`
}

// Due returns Action entries that are scheduled, due, and not under a live
// claim, oldest first.
func (e *Engine) Due(ctx context.Context, limit int) ([]model.ScheduleEntry, error) {
	now := e.now()
	entries, err := e.store.DueEntries(ctx, store.DueQuery{
		Kind:        model.KindAction,
		Now:         now,
		ClaimExpiry: now.Add(-e.claimLease),
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("due entries: %w", err)
	}
	return entries, nil
}

// Claim gives the caller exclusive rights to execute a due Action entry
// for the claim lease. The returned entry carries the claim token Report
// must present.
func (e *Engine) Claim(ctx context.Context, entryID string) (model.ScheduleEntry, error) {
	entry, err := e.store.GetScheduleEntry(ctx, entryID)
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("claim: %w", err)
	}
	if entry.Kind != model.KindAction {
		return model.ScheduleEntry{}, invalidTransition(entry.EnrollmentID, entry.StepID,
			"%s entries are executed internally and cannot be claimed", entry.Kind)
	}

	now := e.now()
	claimed, err := e.store.ClaimEntry(ctx, entryID, e.tokens.Generate(), now, now.Add(-e.claimLease))
	if errors.Is(err, store.ErrStaleWrite) {
		return model.ScheduleEntry{}, &RuntimeError{
			Code:         ErrCodeStaleClaim,
			Message:      "entry is claimed by another executor or no longer scheduled",
			EnrollmentID: entry.EnrollmentID,
			StepID:       entry.StepID,
		}
	}
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("claim: %w", err)
	}
	slog.Debug("entry claimed", "entry", entryID, "enrollment", claimed.EnrollmentID)
	return claimed, nil
}

// Report records an executor outcome and, on a terminal outcome, advances
// the lead. Steps never retry here; retry policy belongs to the executor.
//
// If the enrollment is no longer active the outcome is still recorded but
// the lead does not advance, and any of its scheduled entries are moved to
// skipped_due_to_state_change.
func (e *Engine) Report(ctx context.Context, o Outcome) (ReportResult, error) {
	entry, err := e.store.GetScheduleEntry(ctx, o.EntryID)
	if err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}

	unlock := e.locks.lock(entry.EnrollmentID)
	defer unlock()

	// Re-read under the lock.
	entry, err = e.store.GetScheduleEntry(ctx, o.EntryID)
	if err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}
	if entry.ClaimToken == "" || entry.ClaimToken != o.ClaimToken {
		return ReportResult{}, &RuntimeError{
			Code:         ErrCodeStaleClaim,
			Message:      "claim token does not match the entry's current claim",
			EnrollmentID: entry.EnrollmentID,
			StepID:       entry.StepID,
		}
	}
	if entry.Status != model.EntryScheduled && entry.Status != model.EntrySkippedDueToStateChange {
		return ReportResult{}, invalidTransition(entry.EnrollmentID, entry.StepID, "entry is already %s", entry.Status)
	}

	inst, err := e.store.GetStepInstance(ctx, entry.StepInstanceID)
	if err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}
	to := model.StepStatus(o.Result)
	if !canTransition(inst.Status, to) {
		return ReportResult{}, invalidTransition(entry.EnrollmentID, entry.StepID,
			"cannot move step from %s to %q", inst.Status, o.Result)
	}

	now := e.now()
	from := inst.Status
	inst.Status = to
	if o.Content != "" {
		inst.Content = o.Content
	}
	inst.Error = o.Error
	inst.UpdatedAt = now
	if err := e.store.UpdateStepInstance(ctx, inst, from); err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}
	slog.Info("step outcome", "enrollment", entry.EnrollmentID, "step", entry.StepID, "result", o.Result)

	res := ReportResult{Entry: entry, Instance: inst}
	if o.Result == ResultGenerated {
		return e.withStatus(ctx, res)
	}

	if entry.Status == model.EntryScheduled {
		entryTo := entryStatusFor(o.Result)
		if err := e.store.SetEntryStatus(ctx, entry.ID, model.EntryScheduled, entryTo, now); err != nil {
			return res, fmt.Errorf("report: %w", err)
		}
		entry.Status = entryTo
		entry.UpdatedAt = now
		res.Entry = entry
	}

	enr, err := e.store.GetEnrollment(ctx, entry.EnrollmentID)
	if err != nil {
		return res, fmt.Errorf("report: %w", err)
	}
	res.Status = enr.Status

	if enr.Status != model.EnrollmentActive {
		n, err := e.store.TransitionEntries(ctx, enr.ID, model.EntryScheduled, model.EntrySkippedDueToStateChange, now)
		if err != nil {
			return res, fmt.Errorf("report: %w", err)
		}
		slog.Info("outcome recorded on inactive enrollment", "enrollment", enr.ID, "status", enr.Status, "skipped_entries", n)
		return res, nil
	}
	if enr.CurrentStepID != entry.StepID {
		slog.Warn("outcome for step off the current pointer", "enrollment", enr.ID, "step", entry.StepID, "pointer", enr.CurrentStepID)
		return res, nil
	}

	if o.Result == ResultFailed && e.failure == FailHalt {
		reason := fmt.Sprintf("step %s failed", entry.StepID)
		if o.Error != "" {
			reason += ": " + o.Error
		}
		failed, err := e.fail(ctx, enr, reason)
		if err != nil {
			return res, err
		}
		res.Halted = true
		res.Status = failed.Status
		return res, nil
	}

	adv, err := e.advanceLocked(ctx, enr, entry.StepID)
	res.Advance = &adv
	res.Status = adv.Enrollment.Status
	return res, err
}

func (e *Engine) withStatus(ctx context.Context, res ReportResult) (ReportResult, error) {
	enr, err := e.store.GetEnrollment(ctx, res.Entry.EnrollmentID)
	if err != nil {
		return res, fmt.Errorf("report: %w", err)
	}
	res.Status = enr.Status
	return res, nil
}

// TickResult summarizes one Tick.
type TickResult struct {
	Processed int
	Advanced  []AdvanceResult
	Errors    []error
}

// Tick resolves due Delay entries and advances their leads. Errors on one
// entry are logged and collected; the remaining entries are still processed.
func (e *Engine) Tick(ctx context.Context, limit int) (TickResult, error) {
	due, err := e.store.DueEntries(ctx, store.DueQuery{Kind: model.KindDelay, Now: e.now(), Limit: limit})
	if err != nil {
		return TickResult{}, fmt.Errorf("tick: %w", err)
	}

	var out TickResult
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		adv, err := e.resolveDelay(ctx, entry.ID)
		out.Processed++
		if err != nil {
			slog.Warn("delay resolution failed", "entry", entry.ID, "enrollment", entry.EnrollmentID, "error", err)
			out.Errors = append(out.Errors, err)
			continue
		}
		if adv != nil {
			out.Advanced = append(out.Advanced, *adv)
		}
	}
	return out, nil
}

func (e *Engine) resolveDelay(ctx context.Context, entryID string) (*AdvanceResult, error) {
	entry, err := e.store.GetScheduleEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(entry.EnrollmentID)
	defer unlock()

	entry, err = e.store.GetScheduleEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != model.EntryScheduled {
		return nil, nil
	}

	now := e.now()
	inst, err := e.store.GetStepInstance(ctx, entry.StepInstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == model.StepPending {
		from := inst.Status
		inst.Status = model.StepResolved
		inst.UpdatedAt = now
		if err := e.store.UpdateStepInstance(ctx, inst, from); err != nil {
			return nil, err
		}
	}
	if err := e.store.SetEntryStatus(ctx, entry.ID, model.EntryScheduled, model.EntryExecuted, now); err != nil {
		return nil, err
	}

	enr, err := e.store.GetEnrollment(ctx, entry.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status != model.EnrollmentActive {
		return nil, nil
	}
	adv, err := e.advanceLocked(ctx, enr, entry.StepID)
	return &adv, err
}

// Pause stops an active enrollment. Its scheduled entries move to
// skipped_due_to_state_change. Pausing a paused enrollment is a no-op.
func (e *Engine) Pause(ctx context.Context, enrollmentID, reason string) (model.LeadEnrollment, error) {
	unlock := e.locks.lock(enrollmentID)
	defer unlock()

	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return model.LeadEnrollment{}, fmt.Errorf("pause: %w", err)
	}
	switch enr.Status {
	case model.EnrollmentPaused:
		return enr, nil
	case model.EnrollmentActive:
		return e.stop(ctx, enr, model.EnrollmentPaused, reason)
	default:
		return enr, invalidTransition(enr.ID, "", "cannot pause a %s enrollment", enr.Status)
	}
}

// Cancel ends an enrollment for good: it becomes failed with last error
// "canceled", and every scheduled entry for it moves to
// skipped_due_to_state_change. Entries in any other status are untouched.
func (e *Engine) Cancel(ctx context.Context, enrollmentID string) (model.LeadEnrollment, error) {
	unlock := e.locks.lock(enrollmentID)
	defer unlock()

	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return model.LeadEnrollment{}, fmt.Errorf("cancel: %w", err)
	}
	if enr.Status.IsTerminal() {
		return enr, invalidTransition(enr.ID, "", "cannot cancel a %s enrollment", enr.Status)
	}
	return e.fail(ctx, enr, "canceled")
}

// Resume reactivates a paused enrollment.
//
// If the step at the pointer already finished the lead advances. If its
// skipped entry still holds a claim inside the lease, that entry goes back
// to scheduled with its claim intact so the in-flight send can report.
// Otherwise the skipped entry is superseded (canceled) and a fresh one is
// materialized, so at most one live entry per fingerprint ever exists.
func (e *Engine) Resume(ctx context.Context, enrollmentID string) (AdvanceResult, error) {
	unlock := e.locks.lock(enrollmentID)
	defer unlock()

	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("resume: %w", err)
	}
	if enr.Status != model.EnrollmentPaused {
		return AdvanceResult{Enrollment: enr}, invalidTransition(enr.ID, "", "cannot resume a %s enrollment", enr.Status)
	}

	now := e.now()
	enr.Status = model.EnrollmentActive
	enr.LastError = ""
	enr.UpdatedAt = now
	enr, err = e.store.UpdateEnrollment(ctx, enr)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("resume: %w", err)
	}
	slog.Info("enrollment resumed", "enrollment", enr.ID, "pointer", enr.CurrentStepID)

	if enr.CurrentStepID == "" {
		return e.advanceLocked(ctx, enr, "")
	}
	inst, err := e.instanceFor(ctx, enr.ID, enr.CurrentStepID)
	if err != nil {
		return AdvanceResult{Enrollment: enr}, fmt.Errorf("resume: %w", err)
	}
	if inst.Status.IsTerminal() {
		return e.advanceLocked(ctx, enr, enr.CurrentStepID)
	}

	// An executor that claimed the entry before the pause may still be
	// sending it. Hand the same entry back instead of scheduling a second.
	restored, ok, err := e.store.RestoreClaimedEntry(ctx, enr.ID, inst.StepID, now.Add(-e.claimLease), now)
	if err != nil {
		return AdvanceResult{Enrollment: enr}, fmt.Errorf("resume: %w", err)
	}
	if ok {
		slog.Info("resumed onto in-flight claim", "enrollment", enr.ID, "step", inst.StepID, "entry", restored.ID)
		return AdvanceResult{Enrollment: enr, Instance: &inst, Entry: &restored, Existing: true}, nil
	}

	if _, err := e.store.SupersedeEntries(ctx, enr.ID, inst.StepID, now); err != nil {
		return AdvanceResult{Enrollment: enr}, fmt.Errorf("resume: %w", err)
	}
	c, err := e.store.GetCadence(ctx, enr.Scope(), enr.CadenceID)
	if err != nil {
		return AdvanceResult{Enrollment: enr}, fmt.Errorf("resume: %w", err)
	}
	node, ok := c.Graph.Node(inst.StepID)
	if !ok {
		res, err := e.haltOnWalkError(ctx, enr, NewIntegrityError(enr.ID, inst.StepID,
			fmt.Sprintf("current step %s is no longer in cadence graph v%d", inst.StepID, c.Graph.Version)))
		return res, err
	}
	lead, err := e.store.GetLead(ctx, enr.Scope(), enr.LeadID)
	if err != nil {
		return AdvanceResult{Enrollment: enr}, fmt.Errorf("resume: %w", err)
	}

	mat, err := e.materialize(ctx, enr, lead, node, inst)
	res := AdvanceResult{Enrollment: mat.enrollment, Instance: &inst, Entry: mat.entry, Existing: mat.existing}
	return res, err
}
