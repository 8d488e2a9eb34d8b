package harness

import "time"

// TraceEvent is one observable step of a scenario run: an operation the
// flow performed or an engine effect it caused.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	At     time.Time      `json:"at"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Step returns the event's step arg, if any.
func (e TraceEvent) Step() string {
	s, _ := e.Args["step"].(string)
	return s
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every flow expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds all events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends an event stamped with the next sequence number.
func (r *Result) record(at time.Time, action string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		At:     at,
		Action: action,
		Args:   args,
	})
}
