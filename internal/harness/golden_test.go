package harness

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_ReplyBranch(t *testing.T) {
	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden_ReplyBranch -update
	result, err := RunWithGolden(t, loadTestdata(t, "reply_branch"))
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Len(t, result.Trace, 17)
}

func TestMarshalTrace(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, At: time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("EST", -5*3600)), Action: "tick", Args: map[string]any{"processed": 2}},
		{Seq: 2, At: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), Action: "noop"},
	}

	data, err := MarshalTrace(trace)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"action":"tick","args":{"processed":2},"at":"2026-03-02T14:00:00Z","seq":1}`, lines[0])
	assert.Equal(t, `{"action":"noop","at":"2026-03-02T14:00:00Z","seq":2}`, lines[1])
}

func TestMarshalTrace_RejectsFloats(t *testing.T) {
	_, err := MarshalTrace([]TraceEvent{{Seq: 1, At: t0, Action: "x", Args: map[string]any{"ratio": 0.5}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 1")
}

func TestMarshalTrace_Empty(t *testing.T) {
	data, err := MarshalTrace(nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}
