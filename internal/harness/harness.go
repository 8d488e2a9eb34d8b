package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
	"github.com/rasheedb1/cadence/internal/testutil"
)

// Scope every scenario runs under.
var Scope = model.Scope{OrgID: "org-1", OwnerID: "owner-1"}

// Harness replays one scenario against a real engine and store.
type Harness struct {
	store       *store.Store
	engine      *engine.Engine
	clock       *testutil.ManualClock
	enrollments map[string]string // lead id -> enrollment id
	result      *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a manual clock and
// sequential ids, so identical scenarios produce identical traces.
//
// Execution flow:
// 1. Compile cadences and save them with the scenario's leads
// 2. Execute flow steps, checking each step's expectation
// 3. Evaluate assertions against the trace and the database
func Run(scenario *Scenario) (*Result, error) {
	start, err := time.Parse(time.RFC3339, scenario.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	start = start.UTC()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	failure := engine.FailHalt
	if scenario.StepFailure != "" {
		failure = engine.FailurePolicy(scenario.StepFailure)
	}
	clock := testutil.NewManualClock(start)
	h := &Harness{
		store: st,
		engine: engine.New(st,
			engine.WithClock(clock),
			engine.WithIDGenerator(testutil.NewSequenceIDs("id")),
			engine.WithTokenGenerator(testutil.NewSequenceIDs("claim")),
			engine.WithFailurePolicy(failure),
		),
		clock:       clock,
		enrollments: make(map[string]string),
		result:      NewResult(),
	}

	ctx := context.Background()
	if err := h.setup(ctx, scenario, start); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	for i, step := range scenario.Flow {
		err := h.execute(ctx, step)
		if err != nil {
			h.record("rejected", map[string]any{"op": opName(step), "error": err.Error()})
		}
		switch {
		case step.Expect == nil && err != nil:
			h.result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, opName(step), err))
		case step.Expect != nil && err == nil:
			h.result.AddError(fmt.Sprintf("flow[%d] %s: expected error containing %q, got success", i, opName(step), step.Expect.Error))
		case step.Expect != nil && !strings.Contains(err.Error(), step.Expect.Error):
			h.result.AddError(fmt.Sprintf("flow[%d] %s: expected error containing %q, got %v", i, opName(step), step.Expect.Error, err))
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario, start time.Time) error {
	for _, path := range scenario.Cadences {
		cadences, err := LoadCadenceFile(path)
		if err != nil {
			return err
		}
		for _, c := range cadences {
			c.OwnerID, c.OrgID = Scope.OwnerID, Scope.OrgID
			c.CreatedAt, c.UpdatedAt = start, start
			if err := h.store.SaveCadence(ctx, c); err != nil {
				return fmt.Errorf("save cadence %s: %w", c.ID, err)
			}
		}
	}
	for _, l := range scenario.Leads {
		if err := h.saveLead(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) saveLead(ctx context.Context, l LeadSpec) error {
	attrs, err := model.ObjectOf(l.Attributes)
	if err != nil {
		return fmt.Errorf("lead %s attributes: %w", l.ID, err)
	}
	return h.store.SaveLead(ctx, model.Lead{
		ID:         l.ID,
		OwnerID:    Scope.OwnerID,
		OrgID:      Scope.OrgID,
		Email:      l.Email,
		Timezone:   l.Timezone,
		Attributes: attrs,
	})
}

// LoadCadenceFile compiles every cadence under the top-level "cadence"
// field of one CUE file.
func LoadCadenceFile(path string) ([]model.Cadence, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cadence file: %w", err)
	}
	v := cuecontext.New().CompileBytes(src, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	iter, err := v.LookupPath(cue.ParsePath("cadence")).Fields()
	if err != nil {
		return nil, fmt.Errorf("%s: no cadence definitions: %w", path, err)
	}
	var out []model.Cadence
	for iter.Next() {
		c, err := compiler.CompileCadence(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, *c)
	}
	return out, nil
}

func opName(step FlowStep) string {
	switch {
	case step.Activate != "":
		return "activate"
	case step.Enroll != nil:
		return "enroll"
	case step.Wait != "":
		return "wait"
	case step.Execute != nil:
		return "execute"
	case step.Tick:
		return "tick"
	case step.Pause != "":
		return "pause"
	case step.Resume != "":
		return "resume"
	case step.Cancel != "":
		return "cancel"
	case step.Update != nil:
		return "update"
	}
	return "unknown"
}

func (h *Harness) execute(ctx context.Context, step FlowStep) error {
	switch {
	case step.Activate != "":
		c, err := h.engine.Activate(ctx, Scope, step.Activate)
		if err != nil {
			return err
		}
		h.record("activate", map[string]any{"cadence": c.ID, "version": c.Graph.Version})
		return nil

	case step.Enroll != nil:
		res, err := h.engine.Enroll(ctx, Scope, step.Enroll.Cadence, step.Enroll.Lead)
		if err != nil {
			return err
		}
		h.enrollments[step.Enroll.Lead] = res.Enrollment.ID
		h.record("enroll", map[string]any{"cadence": step.Enroll.Cadence, "lead": step.Enroll.Lead, "noop": res.NoOp})
		h.recordAdvance(ctx, res)
		return nil

	case step.Wait != "":
		d, err := time.ParseDuration(step.Wait)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil

	case step.Execute != nil:
		return h.executeDue(ctx, *step.Execute)

	case step.Tick:
		res, err := h.engine.Tick(ctx, 0)
		if err != nil {
			return err
		}
		h.record("tick", map[string]any{"processed": res.Processed})
		for _, adv := range res.Advanced {
			h.recordAdvance(ctx, adv)
		}
		return errors.Join(res.Errors...)

	case step.Pause != "":
		id, err := h.enrollment(step.Pause)
		if err != nil {
			return err
		}
		enr, err := h.engine.Pause(ctx, id, "paused by scenario")
		if err != nil {
			return err
		}
		h.record("pause", map[string]any{"lead": step.Pause, "status": string(enr.Status)})
		return nil

	case step.Resume != "":
		id, err := h.enrollment(step.Resume)
		if err != nil {
			return err
		}
		res, err := h.engine.Resume(ctx, id)
		if err != nil {
			return err
		}
		h.record("resume", map[string]any{"lead": step.Resume})
		h.recordAdvance(ctx, res)
		return nil

	case step.Cancel != "":
		id, err := h.enrollment(step.Cancel)
		if err != nil {
			return err
		}
		enr, err := h.engine.Cancel(ctx, id)
		if err != nil {
			return err
		}
		h.record("cancel", map[string]any{"lead": step.Cancel, "status": string(enr.Status)})
		return nil

	case step.Update != nil:
		if err := h.saveLead(ctx, *step.Update); err != nil {
			return err
		}
		h.record("update", map[string]any{"lead": step.Update.ID})
		return nil
	}
	return fmt.Errorf("empty flow step")
}

// executeDue plays the executor: claim each due action and report ex's
// result for it.
func (h *Harness) executeDue(ctx context.Context, ex ExecuteStep) error {
	result := engine.Result(ex.Result)
	if result == "" {
		result = engine.ResultSent
	}
	due, err := h.engine.Due(ctx, 0)
	if err != nil {
		return err
	}
	for _, entry := range due {
		if ex.Step != "" && entry.StepID != ex.Step {
			continue
		}
		claimed, err := h.engine.Claim(ctx, entry.ID)
		if err != nil {
			return err
		}
		rr, err := h.engine.Report(ctx, engine.Outcome{
			EntryID:    claimed.ID,
			ClaimToken: claimed.ClaimToken,
			Result:     result,
			Error:      ex.Error,
		})
		if err != nil {
			return err
		}
		h.record("report", map[string]any{
			"lead":    entry.LeadID,
			"step":    entry.StepID,
			"channel": string(entry.Channel),
			"result":  string(result),
		})
		if rr.Halted {
			h.recordStatus(ctx, entry.EnrollmentID, entry.LeadID)
		}
		if rr.Advance != nil {
			h.recordAdvance(ctx, *rr.Advance)
		}
	}
	return nil
}

// recordAdvance records what one compilation produced.
func (h *Harness) recordAdvance(ctx context.Context, res engine.AdvanceResult) {
	if res.NoOp {
		return
	}
	lead := res.Enrollment.LeadID
	for _, inst := range res.Visited {
		if inst.Kind == model.KindCondition {
			h.record("branch", map[string]any{"lead": lead, "step": inst.StepID, "branch": string(inst.Branch)})
		}
	}
	if res.Entry != nil {
		args := map[string]any{
			"lead": lead,
			"step": res.Entry.StepID,
			"kind": string(res.Entry.Kind),
			"at":   res.Entry.ScheduledAt.Format(time.RFC3339),
		}
		if res.Entry.Channel != "" {
			args["channel"] = string(res.Entry.Channel)
		}
		h.record("schedule", args)
	}
	if res.Enrollment.Status != model.EnrollmentActive {
		h.recordStatus(ctx, res.Enrollment.ID, lead)
	}
}

func (h *Harness) recordStatus(ctx context.Context, enrollmentID, lead string) {
	enr, err := h.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		h.result.AddError(fmt.Sprintf("read enrollment %s: %v", enrollmentID, err))
		return
	}
	args := map[string]any{"lead": lead}
	if enr.LastError != "" {
		args["error"] = enr.LastError
	}
	h.record(string(enr.Status), args)
}

func (h *Harness) enrollment(lead string) (string, error) {
	id, ok := h.enrollments[lead]
	if !ok {
		return "", fmt.Errorf("lead %s is not enrolled", lead)
	}
	return id, nil
}

func (h *Harness) record(action string, args map[string]any) {
	h.result.record(h.clock.Now(), action, args)
}
