package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func compileCUE(t *testing.T, src, path string) (*model.Cadence, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return CompileCadence(v.LookupPath(cue.ParsePath(path)))
}

func TestCompileCadenceBranching(t *testing.T) {
	c, err := compileCUE(t, `
		cadence: outbound: {
			name: "Outbound"
			steps: {
				intro: {kind: "action", day: 0, order: 1, channel: "email", template: "tpl-intro", subject: "Hello", next: "check"}
				check: {kind: "condition", day: 0, order: 2, when: {attribute: "replied", operator: "eq", value: true}, yes: "call", no: "bump"}
				call: {kind: "action", day: 3, channel: "call"}
				bump: {kind: "action", day: 5, channel: "email", prompt: "Short follow-up"}
			}
		}
	`, "cadence.outbound")
	require.NoError(t, err)

	assert.Equal(t, "outbound", c.ID)
	assert.Equal(t, "Outbound", c.Name)
	assert.Equal(t, model.CadenceDraft, c.Status)
	require.Len(t, c.Graph.Nodes, 4)
	assert.Equal(t, []string{"intro", "check", "call", "bump"}, nodeIDs(c.Graph))

	intro, _ := c.Graph.Node("intro")
	action, ok := intro.Action()
	require.True(t, ok)
	assert.Equal(t, model.ChannelEmail, action.Channel)
	assert.Equal(t, "tpl-intro", action.TemplateRef)
	assert.Equal(t, "outbound", intro.CadenceID)

	check, _ := c.Graph.Node("check")
	cond, ok := check.Condition()
	require.True(t, ok)
	assert.Equal(t, model.OpEq, cond.Predicate.Operator)
	assert.Equal(t, model.Bool(true), cond.Predicate.Value)

	assert.ElementsMatch(t, []model.Edge{
		{From: "intro", To: "check"},
		{From: "check", To: "call", Label: model.EdgeYes},
		{From: "check", To: "bump", Label: model.EdgeNo},
	}, c.Graph.Edges)

	assert.Empty(t, Validate(Normalize(c.Graph)))
}

func TestCompileCadenceDelayAndListValue(t *testing.T) {
	c, err := compileCUE(t, `
		cadence: "q3-push": steps: {
			wait: {kind: "delay", day: 1, amount: 2, unit: "hours"}
			tier: {kind: "condition", day: 1, order: 1, when: {attribute: "tier", operator: "in", value: ["gold", "platinum"]}}
		}
	`, `cadence."q3-push"`)
	require.NoError(t, err)

	assert.Equal(t, "q3-push", c.ID)
	assert.Equal(t, "q3-push", c.Name, "name defaults to the id")

	wait, _ := c.Graph.Node("wait")
	delay, ok := wait.Delay()
	require.True(t, ok)
	assert.Equal(t, model.DelayConfig{Amount: 2, Unit: model.UnitHours}, delay)

	tier, _ := c.Graph.Node("tier")
	cond, _ := tier.Condition()
	assert.Equal(t, model.List{model.String("gold"), model.String("platinum")}, cond.Predicate.Value)
}

func TestCompileCadenceErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantMsg string
	}{
		{
			name:    "missing steps",
			src:     `cadence: x: name: "X"`,
			wantMsg: "steps is required",
		},
		{
			name:    "missing kind",
			src:     `cadence: x: steps: a: {day: 0, channel: "email"}`,
			wantMsg: "kind is required",
		},
		{
			name:    "unknown kind",
			src:     `cadence: x: steps: a: {kind: "webhook"}`,
			wantMsg: "unknown step kind",
		},
		{
			name:    "action without channel",
			src:     `cadence: x: steps: a: {kind: "action"}`,
			wantMsg: "channel is required",
		},
		{
			name:    "delay without amount",
			src:     `cadence: x: steps: a: {kind: "delay", unit: "days"}`,
			wantMsg: "delay amount is required",
		},
		{
			name:    "condition without predicate",
			src:     `cadence: x: steps: a: {kind: "condition"}`,
			wantMsg: "condition predicate is required",
		},
		{
			name:    "float predicate value",
			src:     `cadence: x: steps: a: {kind: "condition", when: {attribute: "score", operator: "gt", value: 1.5}}`,
			wantMsg: "floats are not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileCUE(t, tt.src, "cadence.x")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func nodeIDs(g model.CadenceGraph) []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}
