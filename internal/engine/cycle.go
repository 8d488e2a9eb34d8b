package engine

import "github.com/rasheedb1/cadence/internal/model"

// pathGuard tracks the steps already on one lead's realized path so a walk
// never visits a step twice.
//
// Graphs are validated acyclic at activation, but a walk can still meet a
// revisit: a graph edited after enrollment may route the lead back to a step
// it already passed, and a corrupted stored graph is never trusted. Without
// the guard either case would loop or collide with the one-instance-per-step
// constraint.
//
// CRITICAL DISTINCTION from fingerprint idempotency:
//   - Idempotency: "Is there already a live entry for (cadence, step, lead)?" (persistent)
//   - Cycle guard: "Has this lead's path already reached this step?" (per walk)
//
// A guard is built per walk from the recorded history; it is not shared
// between goroutines.
type pathGuard struct {
	seen map[string]bool
	path []string
}

// newPathGuard seeds the guard with the lead's recorded instances in seq order.
func newPathGuard(history []model.StepInstance) *pathGuard {
	g := &pathGuard{
		seen: make(map[string]bool, len(history)),
		path: make([]string, 0, len(history)+4),
	}
	for _, inst := range history {
		g.Record(inst.StepID)
	}
	return g
}

// WouldCycle reports whether stepID is already on the path.
func (g *pathGuard) WouldCycle(stepID string) bool {
	return g.seen[stepID]
}

// Record appends stepID to the path.
// Call immediately after WouldCycle returns false.
func (g *pathGuard) Record(stepID string) {
	g.seen[stepID] = true
	g.path = append(g.path, stepID)
}

// PathTo returns the recorded path followed by stepID, for diagnostics.
func (g *pathGuard) PathTo(stepID string) []string {
	out := make([]string, 0, len(g.path)+1)
	out = append(out, g.path...)
	return append(out, stepID)
}

// Len returns the number of steps on the path.
func (g *pathGuard) Len() int {
	return len(g.path)
}
