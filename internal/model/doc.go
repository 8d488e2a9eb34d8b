// Package model defines the cadence graph and the per-lead records derived
// from it.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key constraints:
//   - Step configuration is a sealed variant: ActionConfig, DelayConfig or
//     ConditionConfig. A StepNode never carries a loosely-typed payload.
//   - Attribute values are strings, integers, bools, lists and objects.
//     Floats are rejected so snapshot hashes stay stable.
//   - Fingerprints and snapshot hashes are computed over canonical JSON with
//     a domain prefix (see hash.go).
//   - All JSON tags use snake_case.
package model
