package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rasheedb1/cadence/internal/model"
)

type materialized struct {
	enrollment model.LeadEnrollment
	entry      *model.ScheduleEntry
	existing   bool
}

// materialize gates and schedules the pending instance the walk stopped at.
// When the channel's provider account is not ready the enrollment is paused
// with "awaiting <provider> account" and no entry is written; Resume retries.
func (e *Engine) materialize(ctx context.Context, enr model.LeadEnrollment, lead model.Lead, node model.StepNode, inst model.StepInstance) (materialized, error) {
	provider, ready, err := e.channelReady(ctx, enr.Scope(), node)
	if err != nil {
		return materialized{enrollment: enr}, fmt.Errorf("materialize %s/%s: gate: %w", enr.ID, node.ID, err)
	}
	if !ready {
		paused, err := e.stop(ctx, enr, model.EnrollmentPaused, fmt.Sprintf("awaiting %s account", provider))
		if err != nil {
			return materialized{enrollment: enr}, err
		}
		return materialized{enrollment: paused}, nil
	}

	entry, existing, err := e.scheduleInstance(ctx, enr, lead, node, inst)
	if err != nil {
		return materialized{enrollment: enr}, err
	}
	return materialized{enrollment: enr, entry: &entry, existing: existing}, nil
}

// channelReady consults the gate for Action steps. Delays are internal and
// always ready.
func (e *Engine) channelReady(ctx context.Context, scope model.Scope, node model.StepNode) (string, bool, error) {
	action, ok := node.Action()
	if !ok || e.gate == nil {
		return "", true, nil
	}
	return e.gate.Ready(ctx, scope, action.Channel)
}

// scheduleInstance computes scheduled_at and upserts the entry by
// fingerprint. An existing live entry for the fingerprint is returned with
// existing=true; that idempotency conflict is success, not an error.
func (e *Engine) scheduleInstance(ctx context.Context, enr model.LeadEnrollment, lead model.Lead, node model.StepNode, inst model.StepInstance) (model.ScheduleEntry, bool, error) {
	now := e.now()
	at, err := e.policy.ScheduledAt(node, lead.Timezone, enr.StartedAt, now)
	if err != nil {
		return model.ScheduleEntry{}, false, NewIntegrityError(enr.ID, node.ID, err.Error())
	}

	entry := model.ScheduleEntry{
		ID:             e.ids.Generate(),
		Fingerprint:    model.Fingerprint(enr.CadenceID, node.ID, enr.LeadID),
		EnrollmentID:   enr.ID,
		StepInstanceID: inst.ID,
		CadenceID:      enr.CadenceID,
		StepID:         node.ID,
		LeadID:         enr.LeadID,
		OwnerID:        enr.OwnerID,
		OrgID:          enr.OrgID,
		Kind:           node.Kind(),
		ScheduledAt:    at,
		Status:         model.EntryScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if action, ok := node.Action(); ok {
		entry.Channel = action.Channel
	}

	out, existing, err := e.store.UpsertScheduleEntry(ctx, entry)
	if err != nil {
		return model.ScheduleEntry{}, false, fmt.Errorf("schedule %s/%s: %w", enr.ID, node.ID, err)
	}
	if existing {
		slog.Debug("idempotency conflict",
			"fingerprint", out.Fingerprint,
			"entry", out.ID,
			"status", out.Status,
		)
	} else {
		slog.Info("entry scheduled", "enrollment", enr.ID, "step", node.ID, "entry", out.ID, "at", out.ScheduledAt)
	}
	return out, existing, nil
}
