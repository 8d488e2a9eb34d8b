package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rasheedb1/cadence/internal/model"
)

const accountColumns = `id, owner_id, org_id, provider, status, external_id, link_attempt, last_error, updated_at`

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		a         model.Account
		status    string
		updatedAt int64
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.OrgID, &a.Provider, &status, &a.ExternalID, &a.LinkAttempt, &a.LastError, &updatedAt)
	if err != nil {
		return model.Account{}, err
	}
	a.Status = model.AccountStatus(status)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

// GetAccount retrieves the owner's account for provider.
func (s *Store) GetAccount(ctx context.Context, scope model.Scope, provider string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+`
		FROM accounts
		WHERE owner_id = ? AND org_id = ? AND provider = ?
	`, scope.OwnerID, scope.OrgID, provider)
	a, err := scanAccount(row)
	if err != nil {
		return model.Account{}, classify("get account", err)
	}
	return a, nil
}

// BeginLinkAttempt creates the owner's account for provider if needed, moves
// it to pending and increments its link attempt. The returned account carries
// the attempt number the eventual verification must present.
func (s *Store) BeginLinkAttempt(ctx context.Context, scope model.Scope, provider, id string, at time.Time) (model.Account, error) {
	var out model.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, owner_id, org_id, provider, status, external_id, link_attempt, last_error, updated_at)
			VALUES (?, ?, ?, ?, 'pending', '', 1, '', ?)
			ON CONFLICT(owner_id, org_id, provider) DO UPDATE SET
				status = 'pending',
				link_attempt = accounts.link_attempt + 1,
				last_error = '',
				updated_at = excluded.updated_at
		`, id, scope.OwnerID, scope.OrgID, provider, toMillis(at))
		if err != nil {
			return classify("begin link attempt", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+`
			FROM accounts
			WHERE owner_id = ? AND org_id = ? AND provider = ?
		`, scope.OwnerID, scope.OrgID, provider)
		out, err = scanAccount(row)
		return classify("begin link attempt: select", err)
	})
	return out, err
}

// ActivateAccount marks the account active with its provider-side id, but
// only while attempt is still the newest link attempt and the account is
// pending. applied=false means a newer attempt superseded this one or it
// already resolved.
func (s *Store) ActivateAccount(ctx context.Context, id string, attempt int64, externalID string, at time.Time) (bool, error) {
	return s.resolveAttempt(ctx, "activate account", id, attempt, model.AccountActive, externalID, "", at)
}

// FailAccount marks a pending link attempt failed with reason. Same
// attempt rules as ActivateAccount.
func (s *Store) FailAccount(ctx context.Context, id string, attempt int64, reason string, at time.Time) (bool, error) {
	return s.resolveAttempt(ctx, "fail account", id, attempt, model.AccountFailed, "", reason, at)
}

func (s *Store) resolveAttempt(ctx context.Context, op, id string, attempt int64, status model.AccountStatus, externalID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET status = ?, external_id = CASE WHEN ? != '' THEN ? ELSE external_id END, last_error = ?, updated_at = ?
		WHERE id = ? AND link_attempt = ? AND status = 'pending'
	`, string(status), externalID, externalID, reason, toMillis(at), id, attempt)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

// DisconnectAccount marks an account disconnected regardless of its status.
func (s *Store) DisconnectAccount(ctx context.Context, scope model.Scope, provider string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = 'disconnected', updated_at = ?
		WHERE owner_id = ? AND org_id = ? AND provider = ?
	`, toMillis(at), scope.OwnerID, scope.OrgID, provider)
	if err != nil {
		return classify("disconnect account", err)
	}
	return requireRows("disconnect account", res)
}
