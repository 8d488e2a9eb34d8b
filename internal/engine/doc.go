// Package engine compiles per-lead cadence paths, materializes schedule
// entries and runs the lead progress state machine.
//
// ARCHITECTURE:
//
// Walk (compiler for one lead):
// From the enrollment pointer the engine walks forward through Condition
// steps, resolving each against a read-only snapshot of lead attributes and
// prior step outcomes, until it reaches an Action or Delay step (compiled as
// a pending instance) or runs out of graph (enrollment completed). Every
// visited step gets a StepInstance; Conditions record their branch and the
// hash of the snapshot they were decided against.
//
// Materialize:
// The pending Action/Delay instance becomes a ScheduleEntry. scheduled_at is
// start + day offset in the lead's timezone at the channel's send window
// (Actions) or start + day offset + duration (Delays). Entries are upserted
// by fingerprint hash(cadence, step, lead); an existing live entry is
// returned instead of a duplicate.
//
// Progress:
// An external executor claims due Action entries and reports outcomes.
// A terminal outcome (sent, failed, skipped) advances the lead; Tick does the
// same for due Delay entries. Pause and Cancel move scheduled entries to
// skipped_due_to_state_change; Resume supersedes them and schedules afresh.
//
// CRITICAL PATTERNS:
//
// Per-enrollment serialization:
// All work on one enrollment runs under its lock, and every enrollment write
// is a compare-and-swap on its version. Two compilations for the same lead
// can never both move the pointer; the loser observes the new pointer and
// returns NoOp.
//
// Deterministic branching:
// Condition evaluation is pure. A recorded branch is never re-evaluated, so
// later attribute changes do not rewrite a lead's history.
//
// Lead-scoped failure:
// Cycle and integrity errors halt only the affected enrollment (status
// failed, last_error set). The cadence and its other leads are unaffected.
package engine
