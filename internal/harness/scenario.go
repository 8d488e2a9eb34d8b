package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replayable cadence scenario: cadences to activate,
// leads to enroll, and a flow of engine operations on a simulated clock,
// followed by assertions on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Cadences lists CUE files defining cadences under the top-level
	// "cadence" field. Paths are relative to the scenario file location.
	Cadences []string `yaml:"cadences"`

	// Start is the initial simulated time (RFC3339).
	Start string `yaml:"start"`

	// StepFailure is the failed-step policy: halt (default) or continue.
	StepFailure string `yaml:"step_failure,omitempty"`

	// Leads are saved before the flow runs.
	Leads []LeadSpec `yaml:"leads,omitempty"`

	// Flow is the ordered list of operations.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// LeadSpec is a lead saved during setup.
type LeadSpec struct {
	ID         string         `yaml:"id"`
	Email      string         `yaml:"email,omitempty"`
	Timezone   string         `yaml:"timezone,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// FlowStep is one operation. Exactly one operation field is set.
type FlowStep struct {
	// Activate names a cadence to activate.
	Activate string `yaml:"activate,omitempty"`

	// Enroll enrolls a lead in a cadence.
	Enroll *EnrollStep `yaml:"enroll,omitempty"`

	// Wait moves the clock forward by a duration ("26h").
	Wait string `yaml:"wait,omitempty"`

	// Execute claims every due action entry and reports Result for it.
	Execute *ExecuteStep `yaml:"execute,omitempty"`

	// Tick resolves due delay entries.
	Tick bool `yaml:"tick,omitempty"`

	// Pause, Resume and Cancel name a lead whose enrollment they act on.
	Pause  string `yaml:"pause,omitempty"`
	Resume string `yaml:"resume,omitempty"`
	Cancel string `yaml:"cancel,omitempty"`

	// Update replaces a lead's attributes.
	Update *LeadSpec `yaml:"update,omitempty"`

	// Expect is the expected failure. When nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EnrollStep enrolls Lead in Cadence.
type EnrollStep struct {
	Cadence string `yaml:"cadence"`
	Lead    string `yaml:"lead"`
}

// ExecuteStep reports an outcome for due actions. Step narrows it to one
// step id; Result defaults to sent.
type ExecuteStep struct {
	Step   string `yaml:"step,omitempty"`
	Result string `yaml:"result,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

// ExpectClause specifies an expected step error.
type ExpectClause struct {
	// Error must appear in the error message (a code such as
	// ENROLLMENT_NOT_ACTIVE, or any substring).
	Error string `yaml:"error"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with this action and args exists
	// - "trace_order": actions appear in order
	// - "trace_count": an action appears exactly N times
	// - "final_state": query a table and verify expected values
	Type string `yaml:"type"`

	// Action is the trace action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected event args (trace_contains, trace_count).
	// Subset match - only specified fields are validated.
	Args map[string]any `yaml:"args,omitempty"`

	// Table is the table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (trace_order). An entry may be
	// "action" or "action:step" to pin the step.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Cadence paths are
// resolved relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, p := range scenario.Cadences {
		if !filepath.IsAbs(p) {
			scenario.Cadences[i] = filepath.Join(base, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Cadences) == 0 {
		return fmt.Errorf("cadences list is required and must be non-empty")
	}
	if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	switch s.StepFailure {
	case "", "halt", "continue":
	default:
		return fmt.Errorf("step_failure: unknown policy %q", s.StepFailure)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Cadences {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("cadence file not found: %s", p)
		}
	}
	for i, l := range s.Leads {
		if l.ID == "" {
			return fmt.Errorf("leads[%d]: id is required", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateFlowStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateFlowStep(index int, step FlowStep) error {
	ops := 0
	for _, set := range []bool{
		step.Activate != "",
		step.Enroll != nil,
		step.Wait != "",
		step.Execute != nil,
		step.Tick,
		step.Pause != "",
		step.Resume != "",
		step.Cancel != "",
		step.Update != nil,
	} {
		if set {
			ops++
		}
	}
	if ops != 1 {
		return fmt.Errorf("flow[%d]: exactly one operation is required, got %d", index, ops)
	}
	if step.Wait != "" {
		if d, err := time.ParseDuration(step.Wait); err != nil || d < 0 {
			return fmt.Errorf("flow[%d]: invalid wait %q", index, step.Wait)
		}
	}
	if step.Enroll != nil && (step.Enroll.Cadence == "" || step.Enroll.Lead == "") {
		return fmt.Errorf("flow[%d].enroll: cadence and lead are required", index)
	}
	if step.Execute != nil {
		switch step.Execute.Result {
		case "", "sent", "failed", "skipped":
		default:
			return fmt.Errorf("flow[%d].execute: unknown result %q", index, step.Execute.Result)
		}
	}
	if step.Update != nil && step.Update.ID == "" {
		return fmt.Errorf("flow[%d].update: id is required", index)
	}
	if step.Expect != nil && step.Expect.Error == "" {
		return fmt.Errorf("flow[%d].expect: error is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
