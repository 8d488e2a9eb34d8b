package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
	"github.com/rasheedb1/cadence/internal/testutil"
)

var (
	testScope = model.Scope{OwnerID: "owner-1", OrgID: "org-1"}
	// Monday 14:00 UTC, after every default send window.
	testStart = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	clock  *testutil.ManualClock
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: setupTestStore(t),
		clock: testutil.NewManualClock(testStart),
	}
	base := []Option{WithClock(f.clock), WithIDGenerator(testutil.NewSequenceIDs("id"))}
	f.engine = New(f.store, append(base, opts...)...)
	return f
}

// withEngine returns a second engine sharing f's store and clock.
func (f *fixture) withEngine(prefix string) *Engine {
	return New(f.store, WithClock(f.clock), WithIDGenerator(testutil.NewSequenceIDs(prefix)))
}

// activate saves g as a draft cadence and activates it.
func (f *fixture) activate(id string, g model.CadenceGraph) model.Cadence {
	f.t.Helper()
	g.CadenceID = id
	require.NoError(f.t, f.store.SaveCadence(f.ctx, model.Cadence{
		ID:        id,
		OwnerID:   testScope.OwnerID,
		OrgID:     testScope.OrgID,
		Name:      "cadence " + id,
		Graph:     g,
		CreatedAt: testStart,
		UpdatedAt: testStart,
	}))
	c, err := f.engine.Activate(f.ctx, testScope, id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) lead(id string, attrs model.Object) {
	f.t.Helper()
	if attrs == nil {
		attrs = model.Object{}
	}
	require.NoError(f.t, f.store.SaveLead(f.ctx, model.Lead{
		ID:         id,
		OwnerID:    testScope.OwnerID,
		OrgID:      testScope.OrgID,
		Email:      id + "@example.com",
		Attributes: attrs,
	}))
}

func (f *fixture) enroll(cadenceID, leadID string) AdvanceResult {
	f.t.Helper()
	res, err := f.engine.Enroll(f.ctx, testScope, cadenceID, leadID)
	require.NoError(f.t, err)
	return res
}

// complete claims and reports the entry for the enrollment's current step.
func (f *fixture) complete(enrollmentID string, result Result) ReportResult {
	f.t.Helper()
	entry := f.liveEntry(enrollmentID, f.pointer(enrollmentID))
	claimed, err := f.engine.Claim(f.ctx, entry.ID)
	require.NoError(f.t, err)
	res, err := f.engine.Report(f.ctx, Outcome{EntryID: entry.ID, ClaimToken: claimed.ClaimToken, Result: result})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) pointer(enrollmentID string) string {
	f.t.Helper()
	enr, err := f.store.GetEnrollment(f.ctx, enrollmentID)
	require.NoError(f.t, err)
	return enr.CurrentStepID
}

// liveEntry returns the single non-canceled entry for stepID.
func (f *fixture) liveEntry(enrollmentID, stepID string) model.ScheduleEntry {
	f.t.Helper()
	entries, err := f.store.ListScheduleEntries(f.ctx, enrollmentID)
	require.NoError(f.t, err)
	var live []model.ScheduleEntry
	for _, e := range entries {
		if e.StepID == stepID && e.Status != model.EntryCanceled {
			live = append(live, e)
		}
	}
	require.Len(f.t, live, 1, "want exactly one live entry for %s", stepID)
	return live[0]
}

func (f *fixture) path(enrollmentID string) []string {
	f.t.Helper()
	history, err := f.store.ListStepInstances(f.ctx, enrollmentID)
	require.NoError(f.t, err)
	ids := make([]string, len(history))
	for i, inst := range history {
		ids[i] = inst.StepID
	}
	return ids
}

func action(id string, day, order int, ch model.Channel) model.StepNode {
	return model.StepNode{ID: id, DayOffset: day, OrderInDay: order, Config: model.ActionConfig{Channel: ch}}
}

func delay(id string, day, order int, amount int64, unit model.DelayUnit) model.StepNode {
	return model.StepNode{ID: id, DayOffset: day, OrderInDay: order, Config: model.DelayConfig{Amount: amount, Unit: unit}}
}

func condition(id string, day int, attr string, op model.Operator, v model.Value) model.StepNode {
	return model.StepNode{ID: id, DayOffset: day, Config: model.ConditionConfig{
		Predicate: model.Predicate{Attribute: attr, Operator: op, Value: v},
	}}
}

// linearGraph: intro (email, day 0) -> follow (email, day 3).
func linearGraph() model.CadenceGraph {
	return model.CadenceGraph{
		Nodes: []model.StepNode{
			action("intro", 0, 0, model.ChannelEmail),
			action("follow", 3, 0, model.ChannelEmail),
		},
		Edges: []model.Edge{{From: "intro", To: "follow"}},
	}
}

// replyGraph: intro (day 0) -> replied? yes: bump (day 3) / no: breakup (day 5).
func replyGraph() model.CadenceGraph {
	return model.CadenceGraph{
		Nodes: []model.StepNode{
			action("intro", 0, 0, model.ChannelEmail),
			condition("replied", 0, "replied", model.OpEq, model.Bool(true)),
			action("bump", 3, 0, model.ChannelEmail),
			action("breakup", 5, 0, model.ChannelEmail),
		},
		Edges: []model.Edge{
			{From: "intro", To: "replied"},
			{From: "replied", To: "bump", Label: model.EdgeYes},
			{From: "replied", To: "breakup", Label: model.EdgeNo},
		},
	}
}

func TestEngine_New(t *testing.T) {
	s := setupTestStore(t)
	e := New(s)

	assert.NotNil(t, e.clock)
	assert.NotNil(t, e.locks)
	assert.Equal(t, FailHalt, e.failure)
	assert.Equal(t, DefaultClaimLease, e.claimLease)
	assert.Equal(t, DefaultMaxSegmentSteps, e.maxSegmentSteps)
}

func TestActivate_BlocksMalformedGraph(t *testing.T) {
	f := newFixture(t)
	bad := model.CadenceGraph{
		CadenceID: "c1",
		Nodes: []model.StepNode{
			action("a", 0, 0, model.ChannelEmail),
			condition("check", 0, "replied", model.OpExists, nil),
			action("b", 2, 0, model.ChannelEmail),
		},
		Edges: []model.Edge{
			{From: "a", To: "check"},
			{From: "check", To: "b", Label: model.EdgeYes},
		},
	}
	require.NoError(t, f.store.SaveCadence(f.ctx, model.Cadence{
		ID: "c1", OwnerID: testScope.OwnerID, OrgID: testScope.OrgID, Graph: bad,
		CreatedAt: testStart, UpdatedAt: testStart,
	}))

	_, err := f.engine.Activate(f.ctx, testScope, "c1")
	require.Error(t, err)

	errs, ok := compiler.AsIntegrityErrors(err)
	require.True(t, ok)
	var found bool
	for _, e := range errs {
		if e.Code == compiler.ErrConditionBranches {
			found = true
			assert.Equal(t, "check", e.NodeID)
		}
	}
	assert.True(t, found, "want %s in %v", compiler.ErrConditionBranches, errs)

	c, err := f.store.GetCadence(f.ctx, testScope, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CadenceDraft, c.Status, "blocked activation writes nothing")
}

func TestActivate_LinearGraphGetsEdges(t *testing.T) {
	f := newFixture(t)
	c := f.activate("c1", model.CadenceGraph{Nodes: []model.StepNode{
		action("second", 2, 0, model.ChannelEmail),
		action("first", 0, 0, model.ChannelEmail),
	}})

	assert.Equal(t, model.CadenceActive, c.Status)
	assert.Equal(t, 1, c.Graph.Version)
	next, ok := c.Graph.Branch("first", model.EdgeNext)
	require.True(t, ok)
	assert.Equal(t, "second", next)
}

func TestEnroll_CompilesFirstSegment(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)

	res := f.enroll("c1", "lead-1")

	assert.False(t, res.NoOp)
	assert.Equal(t, model.EnrollmentActive, res.Enrollment.Status)
	assert.Equal(t, "intro", res.Enrollment.CurrentStepID)
	assert.Equal(t, 1, res.Enrollment.GraphVersion)
	require.NotNil(t, res.Instance)
	assert.Equal(t, model.StepPending, res.Instance.Status)
	assert.Equal(t, 1, res.Instance.Seq)

	require.NotNil(t, res.Entry)
	assert.Equal(t, model.Fingerprint("c1", "intro", "lead-1"), res.Entry.Fingerprint)
	assert.Equal(t, model.EntryScheduled, res.Entry.Status)
	assert.Equal(t, model.ChannelEmail, res.Entry.Channel)
	assert.Equal(t, testStart, res.Entry.ScheduledAt, "day-0 window already passed, clamped to start")
}

func TestEnroll_Twice_IsNoOp(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)

	first := f.enroll("c1", "lead-1")
	second := f.enroll("c1", "lead-1")

	assert.True(t, second.NoOp)
	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)
	entries, err := f.store.ListScheduleEntries(f.ctx, first.Enrollment.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnroll_CadenceNotActive(t *testing.T) {
	f := newFixture(t)
	f.lead("lead-1", nil)
	g := linearGraph()
	g.CadenceID = "c1"
	require.NoError(t, f.store.SaveCadence(f.ctx, model.Cadence{
		ID: "c1", OwnerID: testScope.OwnerID, OrgID: testScope.OrgID, Graph: g,
		CreatedAt: testStart, UpdatedAt: testStart,
	}))

	_, err := f.engine.Enroll(f.ctx, testScope, "c1", "lead-1")
	require.Error(t, err)
	assert.True(t, IsNotActive(err))
}

func TestEnroll_UnknownLead(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())

	_, err := f.engine.Enroll(f.ctx, testScope, "c1", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReport_AdvancesToNextStep(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	enr := f.enroll("c1", "lead-1").Enrollment

	res := f.complete(enr.ID, ResultSent)

	assert.Equal(t, model.EntryExecuted, res.Entry.Status)
	assert.Equal(t, model.StepSent, res.Instance.Status)
	require.NotNil(t, res.Advance)
	assert.Equal(t, "follow", res.Advance.Enrollment.CurrentStepID)
	require.NotNil(t, res.Advance.Entry)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), res.Advance.Entry.ScheduledAt)

	// Last step done: the path is exhausted.
	final := f.complete(enr.ID, ResultSent)
	require.NotNil(t, final.Advance)
	assert.True(t, final.Advance.Exhausted)
	assert.Equal(t, model.EnrollmentCompleted, final.Status)
	assert.Equal(t, "", f.pointer(enr.ID))
	assert.Equal(t, []string{"intro", "follow"}, f.path(enr.ID))
}

func TestAdvance_RejectsNonTerminalPointer(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	enr := f.enroll("c1", "lead-1").Enrollment

	_, err := f.engine.Advance(f.ctx, enr.ID, "intro")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, "intro", f.pointer(enr.ID))
}

func TestAdvance_StaleExpectedPointerIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	enr := f.enroll("c1", "lead-1").Enrollment

	res, err := f.engine.Advance(f.ctx, enr.ID, "")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, "intro", res.Enrollment.CurrentStepID)
}

// markSent records the current step's outcome directly so Advance can be
// raced without Report advancing first.
func markSent(t *testing.T, f *fixture, enrollmentID, stepID string) {
	t.Helper()
	inst, err := f.engine.instanceFor(f.ctx, enrollmentID, stepID)
	require.NoError(t, err)
	from := inst.Status
	inst.Status = model.StepSent
	require.NoError(t, f.store.UpdateStepInstance(f.ctx, inst, from))
}

func TestAdvance_ConcurrentCallsAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	enr := f.enroll("c1", "lead-1").Enrollment
	markSent(t, f, enr.ID, "intro")

	const callers = 8
	results := make([]AdvanceResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Advance(f.ctx, enr.ID, "intro")
		}(i)
	}
	wg.Wait()

	advanced := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].NoOp {
			advanced++
		}
		assert.Equal(t, "follow", results[i].Enrollment.CurrentStepID)
	}
	assert.Equal(t, 1, advanced)
	assert.Equal(t, []string{"intro", "follow"}, f.path(enr.ID))
}

func TestAdvance_EnginesSharingStoreAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	enr := f.enroll("c1", "lead-1").Enrollment
	markSent(t, f, enr.ID, "intro")

	// Separate engines have separate lock registries; only the store's
	// compare-and-swap keeps them apart.
	engines := []*Engine{f.withEngine("a"), f.withEngine("b")}
	results := make([]AdvanceResult, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			results[i], errs[i] = e.Advance(f.ctx, enr.ID, "intro")
		}(i, e)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].NoOp, results[1].NoOp, "exactly one engine advances")
	assert.Equal(t, []string{"intro", "follow"}, f.path(enr.ID))
	f.liveEntry(enr.ID, "follow")
}

func TestScenario_BranchRecordedOnce(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", replyGraph())
	f.lead("lead-1", model.Object{"replied": model.Bool(false)})
	enr := f.enroll("c1", "lead-1").Enrollment

	res := f.complete(enr.ID, ResultSent)
	require.NotNil(t, res.Advance)
	assert.Equal(t, "breakup", res.Advance.Enrollment.CurrentStepID)
	assert.Equal(t, []string{"intro", "replied", "breakup"}, f.path(enr.ID))

	history, err := f.store.ListStepInstances(f.ctx, enr.ID)
	require.NoError(t, err)
	cond := history[1]
	assert.Equal(t, model.StepResolved, cond.Status)
	assert.Equal(t, model.EdgeNo, cond.Branch)
	assert.NotEmpty(t, cond.ContextHash)
	assert.Equal(t, time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC), f.liveEntry(enr.ID, "breakup").ScheduledAt)

	// The lead replies after the branch was decided.
	f.lead("lead-1", model.Object{"replied": model.Bool(true)})

	again, err := f.engine.Advance(f.ctx, enr.ID, "intro")
	require.NoError(t, err)
	assert.True(t, again.NoOp)

	_, err = f.engine.Pause(f.ctx, enr.ID, "manual")
	require.NoError(t, err)
	resumed, err := f.engine.Resume(f.ctx, enr.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.Entry)
	assert.Equal(t, "breakup", resumed.Entry.StepID)

	history, err = f.store.ListStepInstances(f.ctx, enr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EdgeNo, history[1].Branch)
	assert.Equal(t, cond.ContextHash, history[1].ContextHash)
	assert.Equal(t, []string{"intro", "replied", "breakup"}, f.path(enr.ID))
}

func TestScenario_RepliedLeadTakesYesBranch(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", replyGraph())
	f.lead("lead-1", model.Object{"replied": model.Bool(true)})
	enr := f.enroll("c1", "lead-1").Enrollment

	res := f.complete(enr.ID, ResultSent)
	require.NotNil(t, res.Advance)
	assert.Equal(t, "bump", res.Advance.Enrollment.CurrentStepID)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), res.Advance.Entry.ScheduledAt)
}

func TestWalk_GraphEditedAfterEnrollmentFailsOnlyThatLead(t *testing.T) {
	f := newFixture(t)
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)
	f.lead("lead-2", nil)
	first := f.enroll("c1", "lead-1").Enrollment

	// Reactivate with a graph that no longer has "intro".
	edited := model.CadenceGraph{Nodes: []model.StepNode{action("opener", 0, 0, model.ChannelEmail)}}
	f.activate("c1", edited)

	entry := f.liveEntry(first.ID, "intro")
	claimed, err := f.engine.Claim(f.ctx, entry.ID)
	require.NoError(t, err)
	_, err = f.engine.Report(f.ctx, Outcome{EntryID: entry.ID, ClaimToken: claimed.ClaimToken, Result: ResultSent})
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))

	got, err := f.store.GetEnrollment(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentFailed, got.Status)
	assert.Contains(t, got.LastError, "GRAPH_INTEGRITY")

	// New leads still enroll against the new graph.
	second := f.enroll("c1", "lead-2")
	assert.Equal(t, "opener", second.Enrollment.CurrentStepID)
	assert.Equal(t, 2, second.Enrollment.GraphVersion)
}

func TestGate_PausesUntilAccountReady(t *testing.T) {
	ready := false
	gate := GateFunc(func(_ context.Context, _ model.Scope, ch model.Channel) (string, bool, error) {
		return "gmail", ready || ch != model.ChannelEmail, nil
	})
	f := newFixture(t, WithGate(gate))
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)

	res := f.enroll("c1", "lead-1")
	assert.Nil(t, res.Entry)
	assert.Equal(t, model.EnrollmentPaused, res.Enrollment.Status)
	assert.Equal(t, "awaiting gmail account", res.Enrollment.LastError)
	assert.Equal(t, "intro", res.Enrollment.CurrentStepID)

	ready = true
	resumed, err := f.engine.Resume(f.ctx, res.Enrollment.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.Entry)
	assert.Equal(t, model.EnrollmentActive, resumed.Enrollment.Status)
	assert.Equal(t, "intro", resumed.Entry.StepID)
}

func TestGate_ErrorIsReturned(t *testing.T) {
	boom := errors.New("provider down")
	gate := GateFunc(func(context.Context, model.Scope, model.Channel) (string, bool, error) {
		return "", false, boom
	})
	f := newFixture(t, WithGate(gate))
	f.activate("c1", linearGraph())
	f.lead("lead-1", nil)

	_, err := f.engine.Enroll(f.ctx, testScope, "c1", "lead-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
