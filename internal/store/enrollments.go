package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rasheedb1/cadence/internal/model"
)

const enrollmentColumns = `id, cadence_id, lead_id, owner_id, org_id, current_step_id, status,
	graph_version, started_at, last_error, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (model.LeadEnrollment, error) {
	var (
		e                    model.LeadEnrollment
		status               string
		startedAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &e.CadenceID, &e.LeadID, &e.OwnerID, &e.OrgID, &e.CurrentStepID, &status,
		&e.GraphVersion, &startedAt, &e.LastError, &e.Version, &updatedAt)
	if err != nil {
		return model.LeadEnrollment{}, err
	}
	e.Status = model.EnrollmentStatus(status)
	e.StartedAt = fromMillis(startedAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

// CreateEnrollment inserts an enrollment. Uses ON CONFLICT(cadence_id,
// lead_id) DO NOTHING so enrolling the same lead twice is idempotent:
// returns the existing row and created=false.
func (s *Store) CreateEnrollment(ctx context.Context, e model.LeadEnrollment) (model.LeadEnrollment, bool, error) {
	var (
		out     model.LeadEnrollment
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO enrollments
			(id, cadence_id, lead_id, owner_id, org_id, current_step_id, status,
			 graph_version, started_at, last_error, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(cadence_id, lead_id) DO NOTHING
		`,
			e.ID, e.CadenceID, e.LeadID, e.OwnerID, e.OrgID, e.CurrentStepID, string(e.Status),
			e.GraphVersion, toMillis(e.StartedAt), e.LastError, toMillis(e.UpdatedAt),
		)
		if err != nil {
			return classify("create enrollment", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create enrollment: rows affected: %w", err)
		}
		created = n > 0

		row := tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+`
			FROM enrollments WHERE cadence_id = ? AND lead_id = ?`, e.CadenceID, e.LeadID)
		out, err = scanEnrollment(row)
		return classify("create enrollment: select", err)
	})
	if err != nil {
		return model.LeadEnrollment{}, false, err
	}
	return out, created, nil
}

// GetEnrollment retrieves an enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id string) (model.LeadEnrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		return model.LeadEnrollment{}, classify("get enrollment", err)
	}
	return e, nil
}

// ListEnrollments returns a cadence's enrollments ordered by start time.
func (s *Store) ListEnrollments(ctx context.Context, scope model.Scope, cadenceID string) ([]model.LeadEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE cadence_id = ? AND owner_id = ? AND org_id = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, cadenceID, scope.OwnerID, scope.OrgID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	enrollments := []model.LeadEnrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return enrollments, nil
}

// UpdateEnrollment writes pointer, status and last error if the stored
// version still equals e.Version. Returns the row with its new version, or
// ErrStaleWrite when another writer got there first.
func (s *Store) UpdateEnrollment(ctx context.Context, e model.LeadEnrollment) (model.LeadEnrollment, error) {
	var out model.LeadEnrollment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := casEnrollment(ctx, tx, e.ID, e.Version, e.CurrentStepID, e.Status, e.LastError, toMillis(e.UpdatedAt)); err != nil {
			return fmt.Errorf("update enrollment: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, e.ID)
		var err error
		out, err = scanEnrollment(row)
		return classify("update enrollment: select", err)
	})
	return out, err
}

// CommitSegment atomically records the step instances visited by one
// compilation and moves the enrollment pointer. Nothing is written when the
// enrollment version moved on (ErrStaleWrite).
func (s *Store) CommitSegment(ctx context.Context, seg model.Segment) (model.LeadEnrollment, error) {
	var out model.LeadEnrollment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := casEnrollment(ctx, tx, seg.EnrollmentID, seg.ExpectedVersion, seg.Pointer, seg.Status, seg.LastError, toMillis(seg.UpdatedAt))
		if err != nil {
			return fmt.Errorf("commit segment: %w", err)
		}

		for _, inst := range seg.Instances {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO step_instances
				(id, enrollment_id, step_id, kind, status, seq, content, error, branch, context_hash, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				inst.ID, seg.EnrollmentID, inst.StepID, string(inst.Kind), string(inst.Status), inst.Seq,
				inst.Content, inst.Error, string(inst.Branch), inst.ContextHash,
				toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt),
			)
			if err != nil {
				return classify("commit segment: insert instance "+inst.StepID, err)
			}
		}

		row := tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, seg.EnrollmentID)
		out, err = scanEnrollment(row)
		return classify("commit segment: select", err)
	})
	return out, err
}

func casEnrollment(ctx context.Context, tx *sql.Tx, id string, expected int64, pointer string, status model.EnrollmentStatus, lastError string, at int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET current_step_id = ?, status = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, pointer, string(status), lastError, at, id, expected)
	if err != nil {
		return classify("cas enrollment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	return nil
}

const instanceColumns = `id, enrollment_id, step_id, kind, status, seq, content, error, branch,
	context_hash, created_at, updated_at`

func scanInstance(row rowScanner) (model.StepInstance, error) {
	var (
		inst                 model.StepInstance
		kind, status, branch string
		createdAt, updatedAt int64
	)
	err := row.Scan(&inst.ID, &inst.EnrollmentID, &inst.StepID, &kind, &status, &inst.Seq,
		&inst.Content, &inst.Error, &branch, &inst.ContextHash, &createdAt, &updatedAt)
	if err != nil {
		return model.StepInstance{}, err
	}
	inst.Kind = model.StepKind(kind)
	inst.Status = model.StepStatus(status)
	inst.Branch = model.EdgeLabel(branch)
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return inst, nil
}

// ListStepInstances returns an enrollment's realized path in seq order.
// Returns an empty slice (not nil) when nothing was compiled yet.
func (s *Store) ListStepInstances(ctx context.Context, enrollmentID string) ([]model.StepInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+`
		FROM step_instances
		WHERE enrollment_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query step instances: %w", err)
	}
	defer rows.Close()

	instances := []model.StepInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step instances: %w", err)
	}
	return instances, nil
}

// GetStepInstance retrieves a step instance by id.
func (s *Store) GetStepInstance(ctx context.Context, id string) (model.StepInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM step_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return model.StepInstance{}, classify("get step instance", err)
	}
	return inst, nil
}

// UpdateStepInstance writes status, content and error if the stored status
// is still from. Returns ErrStaleWrite otherwise.
func (s *Store) UpdateStepInstance(ctx context.Context, inst model.StepInstance, from model.StepStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_instances
		SET status = ?, content = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(inst.Status), inst.Content, inst.Error, toMillis(inst.UpdatedAt), inst.ID, string(from))
	if err != nil {
		return classify("update step instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step instance: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetStepInstance(ctx, inst.ID); err != nil {
			return err
		}
		return fmt.Errorf("update step instance %s: %w", inst.ID, ErrStaleWrite)
	}
	return nil
}
