package engine

import (
	"context"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

// Store is the persistence the engine needs. *store.Store implements it.
//
// Implementations must enforce, at the storage layer:
//   - at most one non-canceled ScheduleEntry per fingerprint (UpsertScheduleEntry)
//   - compare-and-swap on enrollment version (UpdateEnrollment, CommitSegment),
//     failing with store.ErrStaleWrite
//   - compare-and-swap on prior status for instances, entries and claims
type Store interface {
	GetCadence(ctx context.Context, scope model.Scope, id string) (model.Cadence, error)
	ActivateCadence(ctx context.Context, scope model.Scope, id string, graph model.CadenceGraph, at time.Time) (model.Cadence, error)
	GetLead(ctx context.Context, scope model.Scope, id string) (model.Lead, error)

	CreateEnrollment(ctx context.Context, e model.LeadEnrollment) (model.LeadEnrollment, bool, error)
	GetEnrollment(ctx context.Context, id string) (model.LeadEnrollment, error)
	UpdateEnrollment(ctx context.Context, e model.LeadEnrollment) (model.LeadEnrollment, error)
	CommitSegment(ctx context.Context, seg model.Segment) (model.LeadEnrollment, error)

	ListStepInstances(ctx context.Context, enrollmentID string) ([]model.StepInstance, error)
	GetStepInstance(ctx context.Context, id string) (model.StepInstance, error)
	UpdateStepInstance(ctx context.Context, inst model.StepInstance, from model.StepStatus) error

	UpsertScheduleEntry(ctx context.Context, entry model.ScheduleEntry) (model.ScheduleEntry, bool, error)
	GetScheduleEntry(ctx context.Context, id string) (model.ScheduleEntry, error)
	ListScheduleEntries(ctx context.Context, enrollmentID string) ([]model.ScheduleEntry, error)
	DueEntries(ctx context.Context, q store.DueQuery) ([]model.ScheduleEntry, error)
	ClaimEntry(ctx context.Context, id, token string, at, expiry time.Time) (model.ScheduleEntry, error)
	SetEntryStatus(ctx context.Context, id string, from, to model.EntryStatus, at time.Time) error
	TransitionEntries(ctx context.Context, enrollmentID string, from, to model.EntryStatus, at time.Time) (int64, error)
	CancelOtherEntries(ctx context.Context, enrollmentID, keepStepID string, at time.Time) (int64, error)
	SupersedeEntries(ctx context.Context, enrollmentID, stepID string, at time.Time) (int64, error)
	RestoreClaimedEntry(ctx context.Context, enrollmentID, stepID string, expiry, at time.Time) (model.ScheduleEntry, bool, error)
}

var _ Store = (*store.Store)(nil)
