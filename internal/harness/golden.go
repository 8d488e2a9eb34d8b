package harness

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/rasheedb1/cadence/internal/model"
)

// MarshalTrace renders a trace as canonical JSON, one event per line.
func MarshalTrace(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range trace {
		fields := map[string]any{
			"seq":    event.Seq,
			"at":     event.At.UTC().Format(time.RFC3339),
			"action": event.Action,
		}
		if len(event.Args) > 0 {
			fields["args"] = event.Args
		}
		v, err := model.ValueOf(fields)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", event.Seq, err)
		}
		line, err := model.MarshalCanonical(v)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", event.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario, fails the test on any scenario error,
// and compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if !result.Pass {
		for _, msg := range result.Errors {
			t.Error(msg)
		}
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-run result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
