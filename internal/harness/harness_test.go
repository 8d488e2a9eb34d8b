package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return scenario
}

func TestRun_Scenarios(t *testing.T) {
	for _, name := range []string{"reply_branch", "pause_resume_cancel", "failed_step", "continue_on_failure"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Solo(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	actions := make([]string, len(result.Trace))
	for i, event := range result.Trace {
		actions[i] = event.Action
	}
	assert.Equal(t, []string{"activate", "enroll", "schedule", "report", "completed"}, actions)

	schedule := result.Trace[2]
	assert.Equal(t, "hello", schedule.Step())
	assert.Equal(t, "2026-03-02T09:00:00Z", schedule.Args["at"])
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), result.Trace[3].At)
}

func TestRun_Deterministic(t *testing.T) {
	first, err := Run(loadTestdata(t, "reply_branch"))
	require.NoError(t, err)
	second, err := Run(loadTestdata(t, "reply_branch"))
	require.NoError(t, err)

	a, err := MarshalTrace(first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_UnexpectedError(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)
	scenario.Flow = append([]FlowStep{{Pause: "lead-a"}}, scenario.Flow...)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "flow[0] pause: unexpected error")
	assert.Contains(t, result.Errors[0], "lead lead-a is not enrolled")

	assert.Equal(t, "rejected", result.Trace[0].Action)
	assert.Equal(t, "pause", result.Trace[0].Args["op"])
}

func TestRun_MissingExpectedError(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)
	scenario.Flow[0].Expect = &ExpectClause{Error: "CADENCE_NOT_ACTIVE"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, `flow[0] activate: expected error containing "CADENCE_NOT_ACTIVE", got success`)
}

func TestRun_EnrollBeforeActivate(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)
	scenario.Flow = []FlowStep{
		{Enroll: &EnrollStep{Cadence: "solo", Lead: "lead-a"}, Expect: &ExpectClause{Error: "CADENCE_NOT_ACTIVE"}},
	}
	scenario.Assertions = []Assertion{{Type: AssertTraceCount, Action: "enroll", Count: 0}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenario))
	require.NoError(t, err)
	scenario.Assertions = []Assertion{{
		Type:   AssertFinalState,
		Table:  "enrollments",
		Where:  map[string]any{"lead_id": "lead-a"},
		Expect: map[string]any{"status": "paused"},
	}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "status")
}

func TestLoadCadenceFile(t *testing.T) {
	cadences, err := LoadCadenceFile(filepath.Join("testdata", "cadences", "outbound.cue"))
	require.NoError(t, err)
	require.Len(t, cadences, 1)
	assert.Equal(t, "outbound", cadences[0].ID)
	assert.Len(t, cadences[0].Graph.Nodes, 5)
}

func TestLoadCadenceFile_Missing(t *testing.T) {
	_, err := LoadCadenceFile(filepath.Join("testdata", "cadences", "nope.cue"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read cadence file")
}
