package engine

import (
	"errors"
	"fmt"
	"strings"
)

// RuntimeError represents an error detected while progressing an enrollment.
//
// Runtime errors include:
//   - Cycle detection: the walk would revisit a step already on the lead's path
//   - Graph integrity: a reached node is malformed or a branch is missing
//   - Invalid transition: an outcome does not fit the step's current status
//   - Stale claim: an executor reported without holding the entry's claim
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EnrollmentID identifies the affected enrollment.
	EnrollmentID string

	// StepID identifies the step being processed, if any.
	StepID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCycleDetected indicates the walk would revisit a step on the lead's path.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeGraphIntegrity indicates a reached node is malformed.
	ErrCodeGraphIntegrity RuntimeErrorCode = "GRAPH_INTEGRITY"

	// ErrCodeQuotaExceeded indicates one segment visited too many steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeInvalidTransition indicates an outcome that does not fit the current status.
	ErrCodeInvalidTransition RuntimeErrorCode = "INVALID_TRANSITION"

	// ErrCodeStaleClaim indicates the reporter does not hold the entry's claim.
	ErrCodeStaleClaim RuntimeErrorCode = "STALE_CLAIM"

	// ErrCodeEnrollmentNotActive indicates the enrollment cannot progress.
	ErrCodeEnrollmentNotActive RuntimeErrorCode = "ENROLLMENT_NOT_ACTIVE"

	// ErrCodeCadenceNotActive indicates enrollment into a non-active cadence.
	ErrCodeCadenceNotActive RuntimeErrorCode = "CADENCE_NOT_ACTIVE"

	// ErrCodeChannelNotReady indicates the channel's provider account is not linked.
	ErrCodeChannelNotReady RuntimeErrorCode = "CHANNEL_NOT_READY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.EnrollmentID != "" && e.StepID != "" {
		return fmt.Sprintf("%s: %s (enrollment=%s, step=%s)", e.Code, e.Message, e.EnrollmentID, e.StepID)
	}
	if e.EnrollmentID != "" {
		return fmt.Sprintf("%s: %s (enrollment=%s)", e.Code, e.Message, e.EnrollmentID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsCycleError returns true if the error is a cycle detection error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycleDetected)
}

// IsIntegrityError returns true if the error is a runtime graph integrity error.
func IsIntegrityError(err error) bool {
	return hasCode(err, ErrCodeGraphIntegrity)
}

// IsQuotaError returns true if a segment exceeded its step quota.
func IsQuotaError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsInvalidTransition returns true if the error rejects a status transition.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsStaleClaim returns true if the reporter lost or never held the claim.
func IsStaleClaim(err error) bool {
	return hasCode(err, ErrCodeStaleClaim)
}

// IsNotActive returns true if the enrollment or cadence is not active.
func IsNotActive(err error) bool {
	return hasCode(err, ErrCodeEnrollmentNotActive) || hasCode(err, ErrCodeCadenceNotActive)
}

// NewCycleError creates a RuntimeError for a walk that would revisit stepID.
// path is the lead's realized path ending at the revisited step.
func NewCycleError(enrollmentID, stepID string, path []string) *RuntimeError {
	return &RuntimeError{
		Code:         ErrCodeCycleDetected,
		Message:      "walk would revisit a step already on the lead's path",
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Details:      map[string]string{"path": strings.Join(path, " -> ")},
	}
}

// NewIntegrityError creates a RuntimeError for a malformed reached node.
func NewIntegrityError(enrollmentID, stepID, message string) *RuntimeError {
	return &RuntimeError{
		Code:         ErrCodeGraphIntegrity,
		Message:      message,
		EnrollmentID: enrollmentID,
		StepID:       stepID,
	}
}

// NewQuotaError creates a RuntimeError for a segment over its step quota.
func NewQuotaError(enrollmentID string, steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:         ErrCodeQuotaExceeded,
		Message:      fmt.Sprintf("segment exceeded max steps (%d > %d)", steps, maxSteps),
		EnrollmentID: enrollmentID,
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", steps),
			"max_steps": fmt.Sprintf("%d", maxSteps),
		},
	}
}

func invalidTransition(enrollmentID, stepID, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:         ErrCodeInvalidTransition,
		Message:      fmt.Sprintf(format, args...),
		EnrollmentID: enrollmentID,
		StepID:       stepID,
	}
}

// PartialBatchFailure reports that some items of a ScheduleBatch failed.
// The other items were still processed.
type PartialBatchFailure struct {
	Total  int
	Failed []BatchItemResult
}

// Error implements the error interface.
func (e *PartialBatchFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d batch items failed", len(e.Failed), e.Total)
	for _, item := range e.Failed {
		fmt.Fprintf(&b, "\n  [%d] enrollment=%s step=%s: %v", item.Index, item.EnrollmentID, item.StepID, item.Err)
	}
	return b.String()
}
