package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

var (
	testScope = model.Scope{OwnerID: "owner-1", OrgID: "org-1"}
	testNow   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

// createTestStore creates a new temp-dir backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testGraph is a two-step linear graph: intro (day 0) -> follow (day 3).
func testGraph(cadenceID string) model.CadenceGraph {
	return model.CadenceGraph{
		CadenceID: cadenceID,
		Nodes: []model.StepNode{
			{ID: "intro", CadenceID: cadenceID, Config: model.ActionConfig{Channel: model.ChannelEmail, Subject: "hi"}},
			{ID: "follow", CadenceID: cadenceID, DayOffset: 3, Config: model.ActionConfig{Channel: model.ChannelEmail}},
		},
		Edges: []model.Edge{{From: "intro", To: "follow"}},
	}
}

// seedCadence stores an active cadence and one lead.
func seedCadence(t *testing.T, s *Store, cadenceID, leadID string) {
	t.Helper()
	ctx := context.Background()

	err := s.SaveCadence(ctx, model.Cadence{
		ID:        cadenceID,
		OwnerID:   testScope.OwnerID,
		OrgID:     testScope.OrgID,
		Name:      "Cadence " + cadenceID,
		Graph:     testGraph(cadenceID),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("SaveCadence() failed: %v", err)
	}
	if _, err := s.ActivateCadence(ctx, testScope, cadenceID, testGraph(cadenceID), testNow); err != nil {
		t.Fatalf("ActivateCadence() failed: %v", err)
	}
	seedLead(t, s, leadID)
}

func seedLead(t *testing.T, s *Store, leadID string) {
	t.Helper()
	err := s.SaveLead(context.Background(), model.Lead{
		ID:         leadID,
		OwnerID:    testScope.OwnerID,
		OrgID:      testScope.OrgID,
		Email:      leadID + "@example.com",
		Timezone:   "America/New_York",
		Attributes: model.Object{"company": model.String("Acme"), "score": model.Int(7)},
	})
	if err != nil {
		t.Fatalf("SaveLead() failed: %v", err)
	}
}

// createTestEnrollment enrolls leadID in cadenceID with no pointer yet.
func createTestEnrollment(t *testing.T, s *Store, id, cadenceID, leadID string) model.LeadEnrollment {
	t.Helper()
	e, _, err := s.CreateEnrollment(context.Background(), model.LeadEnrollment{
		ID:           id,
		CadenceID:    cadenceID,
		LeadID:       leadID,
		OwnerID:      testScope.OwnerID,
		OrgID:        testScope.OrgID,
		Status:       model.EnrollmentActive,
		GraphVersion: 1,
		StartedAt:    testNow,
		UpdatedAt:    testNow,
	})
	if err != nil {
		t.Fatalf("CreateEnrollment() failed: %v", err)
	}
	return e
}

// commitPending commits a pending instance for stepID and points the
// enrollment at it.
func commitPending(t *testing.T, s *Store, e model.LeadEnrollment, instID, stepID string, seq int) model.LeadEnrollment {
	t.Helper()
	out, err := s.CommitSegment(context.Background(), model.Segment{
		EnrollmentID:    e.ID,
		ExpectedVersion: e.Version,
		Instances: []model.StepInstance{{
			ID:        instID,
			StepID:    stepID,
			Kind:      model.KindAction,
			Status:    model.StepPending,
			Seq:       seq,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		}},
		Pointer:   stepID,
		Status:    model.EnrollmentActive,
		UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("CommitSegment() failed: %v", err)
	}
	return out
}

// createTestEntry builds a scheduled entry for an instance.
func createTestEntry(id string, e model.LeadEnrollment, instID, stepID string, at time.Time) model.ScheduleEntry {
	return model.ScheduleEntry{
		ID:             id,
		Fingerprint:    model.Fingerprint(e.CadenceID, stepID, e.LeadID),
		EnrollmentID:   e.ID,
		StepInstanceID: instID,
		CadenceID:      e.CadenceID,
		StepID:         stepID,
		LeadID:         e.LeadID,
		OwnerID:        e.OwnerID,
		OrgID:          e.OrgID,
		Kind:           model.KindAction,
		Channel:        model.ChannelEmail,
		ScheduledAt:    at,
		Status:         model.EntryScheduled,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}
