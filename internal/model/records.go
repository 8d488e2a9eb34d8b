package model

import "time"

// Scope identifies the owner and organization every record is keyed by.
type Scope struct {
	OwnerID string `json:"owner_id"`
	OrgID   string `json:"org_id"`
}

// CadenceStatus is the authoring lifecycle of a cadence.
type CadenceStatus string

const (
	CadenceDraft    CadenceStatus = "draft"
	CadenceActive   CadenceStatus = "active"
	CadencePaused   CadenceStatus = "paused"
	CadenceArchived CadenceStatus = "archived"
)

// Cadence is a user-authored outreach sequence with its current graph.
type Cadence struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	OrgID     string        `json:"org_id"`
	Name      string        `json:"name"`
	Status    CadenceStatus `json:"status"`
	Graph     CadenceGraph  `json:"graph"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Scope returns the cadence's owner scope.
func (c Cadence) Scope() Scope {
	return Scope{OwnerID: c.OwnerID, OrgID: c.OrgID}
}

// Lead is a contact that may be enrolled in cadences.
// Timezone is an IANA name; empty means the configured default.
type Lead struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	OrgID      string `json:"org_id"`
	Email      string `json:"email,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Attributes Object `json:"attributes"`
}

// EnrollmentStatus is a lead's membership status in one cadence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// IsTerminal reports whether no further progress can happen.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentFailed
}

// LeadEnrollment joins one lead to one cadence.
//
// CurrentStepID is empty before the first segment is compiled and after the
// path is exhausted. Version is bumped on every write; updates are
// compare-and-swap on it.
type LeadEnrollment struct {
	ID            string           `json:"id"`
	CadenceID     string           `json:"cadence_id"`
	LeadID        string           `json:"lead_id"`
	OwnerID       string           `json:"owner_id"`
	OrgID         string           `json:"org_id"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	Status        EnrollmentStatus `json:"status"`
	GraphVersion  int              `json:"graph_version"`
	StartedAt     time.Time        `json:"started_at"`
	LastError     string           `json:"last_error,omitempty"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Scope returns the enrollment's owner scope.
func (e LeadEnrollment) Scope() Scope {
	return Scope{OwnerID: e.OwnerID, OrgID: e.OrgID}
}

// StepStatus is the lifecycle of a StepInstance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepGenerated StepStatus = "generated"
	StepSent      StepStatus = "sent"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	// StepResolved is the terminal status of Condition and Delay instances,
	// which never produce external work.
	StepResolved StepStatus = "resolved"
)

// IsTerminal reports whether the instance can no longer change.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSent, StepFailed, StepSkipped, StepResolved:
		return true
	}
	return false
}

// StepInstance is the per-lead occurrence of a StepNode. At most one exists
// per (enrollment, step).
type StepInstance struct {
	ID           string     `json:"id"`
	EnrollmentID string     `json:"enrollment_id"`
	StepID       string     `json:"step_id"`
	Kind         StepKind   `json:"kind"`
	Status       StepStatus `json:"status"`
	// Seq is the position on the lead's realized path, starting at 1.
	Seq         int       `json:"seq"`
	Content     string    `json:"content,omitempty"`
	Error       string    `json:"error,omitempty"`
	Branch      EdgeLabel `json:"branch,omitempty"`
	ContextHash string    `json:"context_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntryStatus is the lifecycle of a ScheduleEntry.
type EntryStatus string

const (
	EntryScheduled               EntryStatus = "scheduled"
	EntryExecuted                EntryStatus = "executed"
	EntryCanceled                EntryStatus = "canceled"
	EntrySkippedDueToStateChange EntryStatus = "skipped_due_to_state_change"
	EntryFailed                  EntryStatus = "failed"
)

// ScheduleEntry is a timestamped commitment to execute one StepInstance.
// ScheduledAt is always stored in UTC.
type ScheduleEntry struct {
	ID             string      `json:"id"`
	Fingerprint    string      `json:"fingerprint"`
	EnrollmentID   string      `json:"enrollment_id"`
	StepInstanceID string      `json:"step_instance_id"`
	CadenceID      string      `json:"cadence_id"`
	StepID         string      `json:"step_id"`
	LeadID         string      `json:"lead_id"`
	OwnerID        string      `json:"owner_id"`
	OrgID          string      `json:"org_id"`
	Kind           StepKind    `json:"kind"`
	Channel        Channel     `json:"channel,omitempty"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Status         EntryStatus `json:"status"`
	ClaimToken     string      `json:"claim_token,omitempty"`
	ClaimedAt      time.Time   `json:"claimed_at,omitzero"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Scope returns the entry's owner scope.
func (e ScheduleEntry) Scope() Scope {
	return Scope{OwnerID: e.OwnerID, OrgID: e.OrgID}
}

// AccountStatus is the linkage state of an external provider account.
type AccountStatus string

const (
	AccountPending      AccountStatus = "pending"
	AccountActive       AccountStatus = "active"
	AccountFailed       AccountStatus = "failed"
	AccountDisconnected AccountStatus = "disconnected"
)

// Account is an owner's linked provider account (a mailbox or a social
// profile). LinkAttempt increments every time a new link flow starts; only
// the verification belonging to the newest attempt may activate it.
type Account struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	OrgID       string        `json:"org_id"`
	Provider    string        `json:"provider"`
	Status      AccountStatus `json:"status"`
	ExternalID  string        `json:"external_id,omitempty"`
	LinkAttempt int64         `json:"link_attempt"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Segment is one compiled path segment. The visited instances and the new
// pointer and status are committed in a single transaction.
type Segment struct {
	EnrollmentID    string
	ExpectedVersion int64
	Instances       []StepInstance
	Pointer         string
	Status          EnrollmentStatus
	LastError       string
	UpdatedAt       time.Time
}
