// Package harness replays cadence scenarios against a real engine.
//
// A scenario compiles cadences from CUE, saves leads, and drives the
// engine through a flow of operations on a manual clock. Every operation
// appends events to a trace; assertions then check the trace and the rows
// the store holds afterwards.
//
// # Scenario Format
//
//	name: reply_branch
//	description: "What this scenario validates"
//	cadences:
//	  - ../cadences/outbound.cue
//	start: "2026-03-02T08:00:00Z"
//	step_failure: halt
//	leads:
//	  - id: lead-a
//	    attributes: { replied: true }
//	flow:
//	  - activate: outbound
//	  - enroll: { cadence: outbound, lead: lead-a }
//	  - wait: 1h
//	  - execute: { result: sent }
//	  - tick: true
//	  - pause: lead-a
//	    expect:
//	      error: INVALID_TRANSITION
//	assertions:
//	  - type: trace_contains
//	    action: branch
//	    args: { lead: lead-a, branch: "yes" }
//	  - type: final_state
//	    table: enrollments
//	    where: { lead_id: lead-a }
//	    expect: { status: completed }
//
// Each flow step carries exactly one operation: activate, enroll, wait,
// execute, tick, pause, resume, cancel or update. Execute claims every due
// entry (optionally only those for one step) and reports the same result
// for each, standing in for the executor.
//
// # Trace Events
//
//   - activate, enroll, report, tick, pause, resume, cancel, update: one per operation
//   - branch: a condition step chose an edge
//   - schedule: a schedule entry was written
//   - completed, failed: an enrollment left the active state
//   - rejected: an operation returned an error
//
// # Assertion Types
//
//   - trace_contains: an event with the action and matching args exists
//   - trace_order: actions appear in order; "action:step" pins a step
//   - trace_count: an action (with matching args) appears exactly N times
//   - final_state: one row of a table matches the expected values
//
// # Determinism
//
// Each run uses a fresh in-memory database, a manual clock starting at the
// scenario's start time and sequential ids, so a scenario always produces
// the same trace. Traces are compared against testdata/golden files.
package harness
