package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func email(id string, day, order int) model.StepNode {
	return model.StepNode{ID: id, DayOffset: day, OrderInDay: order, Config: model.ActionConfig{Channel: model.ChannelEmail}}
}

func condition(id string, day int) model.StepNode {
	return model.StepNode{ID: id, DayOffset: day, Config: model.ConditionConfig{
		Predicate: model.Predicate{Attribute: "replied", Operator: model.OpEq, Value: model.Bool(true)},
	}}
}

func branching() model.CadenceGraph {
	return model.CadenceGraph{
		CadenceID: "cad",
		Nodes: []model.StepNode{
			email("intro", 0, 1),
			condition("check", 0),
			email("yes", 3, 0),
			email("no", 5, 0),
		},
		Edges: []model.Edge{
			{From: "intro", To: "check"},
			{From: "check", To: "yes", Label: model.EdgeYes},
			{From: "check", To: "no", Label: model.EdgeNo},
		},
	}
}

func codes(errs []GraphIntegrityError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValidGraph(t *testing.T) {
	assert.Empty(t, Validate(branching()))
}

func TestValidateEmpty(t *testing.T) {
	errs := Validate(model.CadenceGraph{CadenceID: "cad"})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrGraphEmpty, errs[0].Code)
}

func TestValidateNodeErrors(t *testing.T) {
	tests := []struct {
		name string
		node model.StepNode
		code string
	}{
		{"bad id", model.StepNode{ID: "1st", Config: model.ActionConfig{Channel: model.ChannelEmail}}, ErrInvalidStepID},
		{"nil config", model.StepNode{ID: "a"}, ErrMissingConfig},
		{"unknown channel", model.StepNode{ID: "a", Config: model.ActionConfig{Channel: "fax"}}, ErrMissingConfig},
		{"zero delay", model.StepNode{ID: "a", Config: model.DelayConfig{Unit: model.UnitDays}}, ErrMissingConfig},
		{"negative day", model.StepNode{ID: "a", DayOffset: -1, Config: model.ActionConfig{Channel: model.ChannelTask}}, ErrNegativeDayOffset},
		{"foreign cadence", model.StepNode{ID: "a", CadenceID: "other", Config: model.ActionConfig{Channel: model.ChannelTask}}, ErrCadenceMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(model.CadenceGraph{CadenceID: "cad", Nodes: []model.StepNode{tt.node}})
			assert.Contains(t, codes(errs), tt.code)
			for _, e := range errs {
				if e.Code == tt.code {
					assert.Equal(t, tt.node.ID, e.NodeID, "errors carry the step reference")
				}
			}
		})
	}
}

func TestValidatePredicate(t *testing.T) {
	tests := []struct {
		name string
		pred model.Predicate
		ok   bool
	}{
		{"exists without value", model.Predicate{Attribute: "phone", Operator: model.OpExists}, true},
		{"eq without value", model.Predicate{Attribute: "replied", Operator: model.OpEq}, false},
		{"unknown operator", model.Predicate{Attribute: "replied", Operator: "matches", Value: model.String("x")}, false},
		{"empty attribute", model.Predicate{Operator: model.OpExists}, false},
		{"in needs list", model.Predicate{Attribute: "tier", Operator: model.OpIn, Value: model.String("gold")}, false},
		{"in with list", model.Predicate{Attribute: "tier", Operator: model.OpIn, Value: model.List{model.String("gold")}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := CheckNode(model.StepNode{ID: "c", Config: model.ConditionConfig{Predicate: tt.pred}})
			if tt.ok {
				assert.Empty(t, errs)
			} else {
				require.Len(t, errs, 1)
				assert.Equal(t, ErrMissingConfig, errs[0].Code)
			}
		})
	}
}

func TestValidateDuplicateID(t *testing.T) {
	g := model.CadenceGraph{CadenceID: "cad", Nodes: []model.StepNode{email("a", 0, 0), email("a", 1, 0)}}
	assert.Contains(t, codes(Validate(Normalize(g))), ErrInvalidStepID)
}

func TestValidateConditionMissingBranch(t *testing.T) {
	g := branching()
	g.Edges = g.Edges[:2] // drop the no edge

	errs := Validate(g)
	require.Contains(t, codes(errs), ErrConditionBranches)
	for _, e := range errs {
		if e.Code == ErrConditionBranches {
			assert.Equal(t, "check", e.NodeID)
		}
	}
}

func TestValidateOutDegree(t *testing.T) {
	g := branching()
	g.Edges = append(g.Edges, model.Edge{From: "yes", To: "no"}, model.Edge{From: "yes", To: "check"})

	assert.Contains(t, codes(Validate(g)), ErrOutDegree)
}

func TestValidateLabeledEdgeOnAction(t *testing.T) {
	g := model.CadenceGraph{
		CadenceID: "cad",
		Nodes:     []model.StepNode{email("a", 0, 0), email("b", 1, 0)},
		Edges:     []model.Edge{{From: "a", To: "b", Label: model.EdgeYes}},
	}
	assert.Contains(t, codes(Validate(g)), ErrOutDegree)
}

func TestValidateUnknownEdgeRef(t *testing.T) {
	g := branching()
	g.Edges = append(g.Edges, model.Edge{From: "yes", To: "ghost"})

	assert.Contains(t, codes(Validate(g)), ErrUnknownEdgeRef)
}

func TestValidateMultipleEntries(t *testing.T) {
	g := model.CadenceGraph{
		CadenceID: "cad",
		Nodes:     []model.StepNode{email("a", 0, 0), email("b", 1, 0), email("c", 2, 0)},
		Edges:     []model.Edge{{From: "a", To: "b"}},
	}
	errs := Validate(g)
	require.Contains(t, codes(errs), ErrEntryNode)
}

func TestValidateCycle(t *testing.T) {
	g := model.CadenceGraph{
		CadenceID: "cad",
		Nodes:     []model.StepNode{email("a", 0, 0), email("b", 1, 0), email("c", 2, 0)},
		Edges:     []model.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "b"}},
	}
	errs := Validate(g)
	assert.Contains(t, codes(errs), ErrCycle)
	assert.NotContains(t, codes(errs), ErrUnreachableStep, "path checks are skipped on cyclic graphs")
}

func TestValidateDuplicateSlotOnPath(t *testing.T) {
	g := branching()
	g.Nodes[3] = email("no", 0, 1) // same slot as intro, on the no path

	errs := Validate(g)
	require.Contains(t, codes(errs), ErrDuplicateSlot)
	for _, e := range errs {
		if e.Code == ErrDuplicateSlot {
			assert.Equal(t, "no", e.NodeID)
			assert.Contains(t, e.Message, `"intro"`)
		}
	}
}

func TestValidateSameSlotOnSiblingBranches(t *testing.T) {
	g := branching()
	g.Nodes[2] = email("yes", 4, 0)
	g.Nodes[3] = email("no", 4, 0)

	assert.Empty(t, Validate(g), "siblings on different paths may share a slot")
}

func TestValidateUnreachable(t *testing.T) {
	g := branching()
	g.Nodes = append(g.Nodes, email("orphan", 9, 0))
	g.Edges = append(g.Edges, model.Edge{From: "ghost", To: "orphan"})

	errs := Validate(g)
	assert.Contains(t, codes(errs), ErrUnknownEdgeRef)
	assert.Contains(t, codes(errs), ErrUnreachableStep)
}

func TestNormalizeLinear(t *testing.T) {
	g := model.CadenceGraph{
		CadenceID: "cad",
		Nodes: []model.StepNode{
			email("third", 2, 0),
			email("first", 0, 1),
			email("second", 0, 2),
		},
	}

	n := Normalize(g)
	assert.Equal(t, []model.Edge{
		{From: "first", To: "second"},
		{From: "second", To: "third"},
	}, n.Edges)
	assert.Equal(t, "cad", n.Nodes[0].CadenceID)
	assert.Empty(t, g.Edges, "input is not mutated")
	assert.Empty(t, Validate(n))
}

func TestIntegrityErrorsAs(t *testing.T) {
	var err error = IntegrityErrors(Validate(model.CadenceGraph{CadenceID: "cad"}))

	es, ok := AsIntegrityErrors(err)
	require.True(t, ok)
	assert.Equal(t, ErrGraphEmpty, es[0].Code)
	assert.Contains(t, err.Error(), "[E201]")
}
