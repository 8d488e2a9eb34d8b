package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

const entryColumns = `id, fingerprint, enrollment_id, step_instance_id, cadence_id, step_id, lead_id,
	owner_id, org_id, kind, channel, scheduled_at, status, claim_token, claimed_at, created_at, updated_at`

func scanEntry(row rowScanner) (model.ScheduleEntry, error) {
	var (
		e                      model.ScheduleEntry
		kind, channel, status  string
		scheduledAt, claimedAt int64
		createdAt, updatedAt   int64
	)
	err := row.Scan(&e.ID, &e.Fingerprint, &e.EnrollmentID, &e.StepInstanceID, &e.CadenceID, &e.StepID, &e.LeadID,
		&e.OwnerID, &e.OrgID, &kind, &channel, &scheduledAt, &status, &e.ClaimToken, &claimedAt, &createdAt, &updatedAt)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	e.Kind = model.StepKind(kind)
	e.Channel = model.Channel(channel)
	e.Status = model.EntryStatus(status)
	e.ScheduledAt = fromMillis(scheduledAt)
	e.ClaimedAt = fromMillis(claimedAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]model.ScheduleEntry, error) {
	defer rows.Close()

	entries := []model.ScheduleEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule entries: %w", err)
	}
	return entries, nil
}

// UpsertScheduleEntry inserts entry unless a non-canceled entry with the same
// fingerprint exists, in which case that entry is returned with
// existing=true and nothing is written.
//
// The partial unique index makes this safe against concurrent callers: the
// loser's INSERT becomes a no-op and it reads the winner's row in the same
// transaction. Any other constraint violation (a live entry already holding
// the step instance, a missing foreign key) is returned as ErrConstraint.
func (s *Store) UpsertScheduleEntry(ctx context.Context, entry model.ScheduleEntry) (out model.ScheduleEntry, existing bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_entries
			(id, fingerprint, enrollment_id, step_instance_id, cadence_id, step_id, lead_id,
			 owner_id, org_id, kind, channel, scheduled_at, status, claim_token, claimed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)
			ON CONFLICT(fingerprint) WHERE status != 'canceled' DO NOTHING
		`,
			entry.ID, entry.Fingerprint, entry.EnrollmentID, entry.StepInstanceID, entry.CadenceID, entry.StepID, entry.LeadID,
			entry.OwnerID, entry.OrgID, string(entry.Kind), string(entry.Channel), toMillis(entry.ScheduledAt),
			string(entry.Status), toMillis(entry.CreatedAt), toMillis(entry.UpdatedAt),
		)
		if err != nil {
			return classify("upsert schedule entry", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert schedule entry: rows affected: %w", err)
		}
		existing = n == 0

		row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+`
			FROM schedule_entries
			WHERE fingerprint = ? AND status != 'canceled'
		`, entry.Fingerprint)
		out, err = scanEntry(row)
		return classify("upsert schedule entry: select", err)
	})
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	return out, existing, nil
}

// GetScheduleEntry retrieves an entry by id.
func (s *Store) GetScheduleEntry(ctx context.Context, id string) (model.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM schedule_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return model.ScheduleEntry{}, classify("get schedule entry", err)
	}
	return e, nil
}

// ListScheduleEntries returns all of an enrollment's entries, canceled ones
// included, ordered by scheduled time.
func (s *Store) ListScheduleEntries(ctx context.Context, enrollmentID string) ([]model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM schedule_entries
		WHERE enrollment_id = ?
		ORDER BY scheduled_at ASC, created_at ASC, id COLLATE BINARY ASC
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query schedule entries: %w", err)
	}
	return collectEntries(rows)
}

// DueQuery selects scheduled entries ready to run.
type DueQuery struct {
	Kind model.StepKind
	Now  time.Time
	// Entries claimed at or before ClaimExpiry are offered again. The zero
	// value offers unclaimed entries only.
	ClaimExpiry time.Time
	Limit       int
}

// DueEntries returns scheduled entries of q.Kind with scheduled_at <= q.Now
// that are unclaimed (or whose claim expired), oldest first.
func (s *Store) DueEntries(ctx context.Context, q DueQuery) ([]model.ScheduleEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM schedule_entries
		WHERE status = 'scheduled' AND kind = ? AND scheduled_at <= ?
		  AND (claim_token = '' OR claimed_at <= ?)
		ORDER BY scheduled_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, string(q.Kind), toMillis(q.Now), toMillis(q.ClaimExpiry), limit)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	return collectEntries(rows)
}

// ClaimEntry assigns token to a scheduled entry that is unclaimed or whose
// claim expired at or before expiry. Returns ErrStaleWrite when someone else
// holds a live claim or the entry is no longer scheduled.
func (s *Store) ClaimEntry(ctx context.Context, id, token string, at, expiry time.Time) (model.ScheduleEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'scheduled' AND (claim_token = '' OR claimed_at <= ?)
	`, token, toMillis(at), toMillis(at), id, toMillis(expiry))
	if err != nil {
		return model.ScheduleEntry{}, classify("claim entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("claim entry: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetScheduleEntry(ctx, id); err != nil {
			return model.ScheduleEntry{}, err
		}
		return model.ScheduleEntry{}, fmt.Errorf("claim entry %s: %w", id, ErrStaleWrite)
	}
	return s.GetScheduleEntry(ctx, id)
}

// SetEntryStatus moves one entry from one status to another.
// Returns ErrStaleWrite if the entry is not in from.
func (s *Store) SetEntryStatus(ctx context.Context, id string, from, to model.EntryStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), toMillis(at), id, string(from))
	if err != nil {
		return classify("set entry status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set entry status: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetScheduleEntry(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("set entry status %s: %w", id, ErrStaleWrite)
	}
	return nil
}

// TransitionEntries moves every entry of an enrollment that is in from to
// status to. Returns the number of entries moved.
func (s *Store) TransitionEntries(ctx context.Context, enrollmentID string, from, to model.EntryStatus, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries SET status = ?, updated_at = ?
		WHERE enrollment_id = ? AND status = ?
	`, string(to), toMillis(at), enrollmentID, string(from))
	if err != nil {
		return 0, classify("transition entries", err)
	}
	return res.RowsAffected()
}

// CancelOtherEntries cancels an enrollment's scheduled entries for every
// step except keepStepID.
func (s *Store) CancelOtherEntries(ctx context.Context, enrollmentID, keepStepID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries SET status = 'canceled', updated_at = ?
		WHERE enrollment_id = ? AND status = 'scheduled' AND step_id != ?
	`, toMillis(at), enrollmentID, keepStepID)
	if err != nil {
		return 0, classify("cancel other entries", err)
	}
	return res.RowsAffected()
}

// SupersedeEntries cancels the entries of one step that were skipped due to
// a state change, freeing the fingerprint for a fresh entry.
func (s *Store) SupersedeEntries(ctx context.Context, enrollmentID, stepID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries SET status = 'canceled', updated_at = ?
		WHERE enrollment_id = ? AND step_id = ? AND status = 'skipped_due_to_state_change'
	`, toMillis(at), enrollmentID, stepID)
	if err != nil {
		return 0, classify("supersede entries", err)
	}
	return res.RowsAffected()
}

// RestoreClaimedEntry moves a step's skipped_due_to_state_change entry back
// to scheduled when it still holds a claim taken after expiry. The claim
// token is kept so the executor holding it can still report. Returns false
// when no such entry exists.
func (s *Store) RestoreClaimedEntry(ctx context.Context, enrollmentID, stepID string, expiry, at time.Time) (model.ScheduleEntry, bool, error) {
	var (
		out      model.ScheduleEntry
		restored bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+`
			FROM schedule_entries
			WHERE enrollment_id = ? AND step_id = ? AND status = 'skipped_due_to_state_change'
			  AND claim_token != '' AND claimed_at > ?
		`, enrollmentID, stepID, toMillis(expiry))
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("restore claimed entry: select", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE schedule_entries SET status = 'scheduled', updated_at = ?
			WHERE id = ? AND status = 'skipped_due_to_state_change'
		`, toMillis(at), e.ID); err != nil {
			return classify("restore claimed entry", err)
		}
		e.Status = model.EntryScheduled
		e.UpdatedAt = at.UTC()
		out, restored = e, true
		return nil
	})
	if err != nil {
		return model.ScheduleEntry{}, false, err
	}
	return out, restored, nil
}
