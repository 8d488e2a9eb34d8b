package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

// SaveCadence inserts or replaces a draft cadence definition.
// An active cadence keeps its status; only its stored graph is replaced, and
// the new graph takes effect on the next ActivateCadence.
func (s *Store) SaveCadence(ctx context.Context, c model.Cadence) error {
	graphJSON, err := marshalGraph(c.Graph)
	if err != nil {
		return fmt.Errorf("save cadence: %w", err)
	}
	if c.Status == "" {
		c.Status = model.CadenceDraft
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cadences
		(id, owner_id, org_id, name, status, graph, graph_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			graph = excluded.graph,
			updated_at = excluded.updated_at
		WHERE cadences.owner_id = excluded.owner_id AND cadences.org_id = excluded.org_id
	`,
		c.ID,
		c.OwnerID,
		c.OrgID,
		c.Name,
		string(c.Status),
		graphJSON,
		c.Graph.Version,
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	)
	return classify("save cadence", err)
}

// GetCadence retrieves a cadence within the owner scope.
func (s *Store) GetCadence(ctx context.Context, scope model.Scope, id string) (model.Cadence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, org_id, name, status, graph, graph_version, created_at, updated_at
		FROM cadences
		WHERE id = ? AND owner_id = ? AND org_id = ?
	`, id, scope.OwnerID, scope.OrgID)

	var (
		c                    model.Cadence
		status, graphJSON    string
		version              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.OrgID, &c.Name, &status, &graphJSON, &version, &createdAt, &updatedAt)
	if err != nil {
		return model.Cadence{}, classify("get cadence", err)
	}

	c.Status = model.CadenceStatus(status)
	c.Graph, err = unmarshalGraph(graphJSON)
	if err != nil {
		return model.Cadence{}, fmt.Errorf("get cadence %s: %w", id, err)
	}
	c.Graph.Version = version
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// ActivateCadence stores graph as the next graph version and marks the
// cadence active. Returns the updated cadence.
func (s *Store) ActivateCadence(ctx context.Context, scope model.Scope, id string, graph model.CadenceGraph, at time.Time) (model.Cadence, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, `
			SELECT graph_version FROM cadences
			WHERE id = ? AND owner_id = ? AND org_id = ?
		`, id, scope.OwnerID, scope.OrgID).Scan(&version)
		if err != nil {
			return classify("activate cadence", err)
		}

		graph.CadenceID = id
		graph.Version = version + 1
		graphJSON, err := marshalGraph(graph)
		if err != nil {
			return fmt.Errorf("activate cadence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE cadences
			SET status = ?, graph = ?, graph_version = ?, updated_at = ?
			WHERE id = ?
		`, string(model.CadenceActive), graphJSON, graph.Version, toMillis(at), id)
		return classify("activate cadence", err)
	})
	if err != nil {
		return model.Cadence{}, err
	}
	return s.GetCadence(ctx, scope, id)
}

// SetCadenceStatus changes a cadence's status without touching its graph.
func (s *Store) SetCadenceStatus(ctx context.Context, scope model.Scope, id string, status model.CadenceStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cadences SET status = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND org_id = ?
	`, string(status), toMillis(at), id, scope.OwnerID, scope.OrgID)
	if err != nil {
		return classify("set cadence status", err)
	}
	return requireRows("set cadence status", res)
}

// SaveLead inserts or updates a lead.
func (s *Store) SaveLead(ctx context.Context, l model.Lead) error {
	attrs, err := marshalAttributes(l.Attributes)
	if err != nil {
		return fmt.Errorf("save lead: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leads (id, owner_id, org_id, email, timezone, attributes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			timezone = excluded.timezone,
			attributes = excluded.attributes
		WHERE leads.owner_id = excluded.owner_id AND leads.org_id = excluded.org_id
	`, l.ID, l.OwnerID, l.OrgID, l.Email, l.Timezone, attrs)
	return classify("save lead", err)
}

// GetLead retrieves a lead within the owner scope.
func (s *Store) GetLead(ctx context.Context, scope model.Scope, id string) (model.Lead, error) {
	var (
		l     model.Lead
		attrs string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, org_id, email, timezone, attributes
		FROM leads
		WHERE id = ? AND owner_id = ? AND org_id = ?
	`, id, scope.OwnerID, scope.OrgID).Scan(&l.ID, &l.OwnerID, &l.OrgID, &l.Email, &l.Timezone, &attrs)
	if err != nil {
		return model.Lead{}, classify("get lead", err)
	}

	l.Attributes, err = unmarshalAttributes(attrs)
	if err != nil {
		return model.Lead{}, fmt.Errorf("get lead %s: %w", id, err)
	}
	return l, nil
}

// requireRows turns a zero-row update into ErrNotFound.
func requireRows(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
