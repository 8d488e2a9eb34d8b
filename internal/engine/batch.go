package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rasheedb1/cadence/internal/model"
)

// BatchItem asks for the schedule entry of one (enrollment, step) pair.
type BatchItem struct {
	EnrollmentID string `json:"enrollment_id"`
	StepID       string `json:"step_id"`
}

// BatchItemResult is the outcome of one BatchItem.
type BatchItemResult struct {
	Index        int                 `json:"index"`
	EnrollmentID string              `json:"enrollment_id"`
	StepID       string              `json:"step_id"`
	Entry        model.ScheduleEntry `json:"entry,omitzero"`
	Existing     bool                `json:"existing,omitempty"`
	Err          error               `json:"-"`
}

// BatchResult is the per-item outcome list of ScheduleBatch plus aggregates.
type BatchResult struct {
	Items       []BatchItemResult `json:"items"`
	Created     int               `json:"created"`
	Existing    int               `json:"existing"`
	FailedCount int               `json:"failed_count"`
}

// Err returns a *PartialBatchFailure when any item failed, else nil.
func (r BatchResult) Err() error {
	if r.FailedCount == 0 {
		return nil
	}
	failure := &PartialBatchFailure{Total: len(r.Items)}
	for _, item := range r.Items {
		if item.Err != nil {
			failure.Failed = append(failure.Failed, item)
		}
	}
	return failure
}

// ScheduleBatch materializes schedule entries for many (enrollment, step)
// pairs. Each item is processed on its own: a failing item is recorded in
// its result and the batch moves on. Re-running a batch is safe; items whose
// entry already exists report Existing.
//
// The step must already be compiled for the enrollment (its instance
// exists and is awaiting an outcome) and the enrollment must be active.
func (e *Engine) ScheduleBatch(ctx context.Context, items []BatchItem) BatchResult {
	res := BatchResult{Items: make([]BatchItemResult, len(items))}
	for i, item := range items {
		out := BatchItemResult{Index: i, EnrollmentID: item.EnrollmentID, StepID: item.StepID}
		if err := ctx.Err(); err != nil {
			out.Err = err
		} else {
			out.Entry, out.Existing, out.Err = e.scheduleItem(ctx, item)
		}

		switch {
		case out.Err != nil:
			res.FailedCount++
			slog.Warn("batch item failed",
				"index", i,
				"enrollment", item.EnrollmentID,
				"step", item.StepID,
				"error", out.Err,
			)
		case out.Existing:
			res.Existing++
		default:
			res.Created++
		}
		res.Items[i] = out
	}
	slog.Info("batch scheduled", "items", len(items), "created", res.Created, "existing", res.Existing, "failed", res.FailedCount)
	return res
}

func (e *Engine) scheduleItem(ctx context.Context, item BatchItem) (model.ScheduleEntry, bool, error) {
	unlock := e.locks.lock(item.EnrollmentID)
	defer unlock()

	enr, err := e.store.GetEnrollment(ctx, item.EnrollmentID)
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	if enr.Status != model.EnrollmentActive {
		return model.ScheduleEntry{}, false, &RuntimeError{
			Code:         ErrCodeEnrollmentNotActive,
			Message:      fmt.Sprintf("enrollment is %s", enr.Status),
			EnrollmentID: enr.ID,
			StepID:       item.StepID,
		}
	}

	inst, err := e.instanceFor(ctx, enr.ID, item.StepID)
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	if inst.Status.IsTerminal() || inst.Kind == model.KindCondition {
		return model.ScheduleEntry{}, false, invalidTransition(enr.ID, item.StepID,
			"%s step is %s and cannot be scheduled", inst.Kind, inst.Status)
	}

	c, err := e.store.GetCadence(ctx, enr.Scope(), enr.CadenceID)
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	node, ok := c.Graph.Node(item.StepID)
	if !ok {
		return model.ScheduleEntry{}, false, NewIntegrityError(enr.ID, item.StepID, "step is no longer in the cadence graph")
	}
	lead, err := e.store.GetLead(ctx, enr.Scope(), enr.LeadID)
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}

	provider, ready, err := e.channelReady(ctx, enr.Scope(), node)
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	if !ready {
		return model.ScheduleEntry{}, false, &RuntimeError{
			Code:         ErrCodeChannelNotReady,
			Message:      fmt.Sprintf("awaiting %s account", provider),
			EnrollmentID: enr.ID,
			StepID:       item.StepID,
		}
	}
	return e.scheduleInstance(ctx, enr, lead, node, inst)
}
