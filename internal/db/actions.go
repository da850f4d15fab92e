package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
)

// =====================================================
// PendingAction Operations
// =====================================================

const actionColumns = `id, owner_user_id, action_type, payload, idempotency_key, queued_at,
	is_synced, synced_at, retry_count, last_error`

func scanAction(row rowScanner) (*models.PendingAction, error) {
	var a models.PendingAction
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.ActionType, &a.Payload, &a.IdempotencyKey,
		&a.QueuedAt, &a.IsSynced, &a.SyncedAt, &a.RetryCount, &a.LastError)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnqueueAction inserts a pending action and assigns its ID. The payload bytes are
// stored verbatim so the eventual POST body is byte-identical to what was queued.
func (r *Repository) EnqueueAction(ctx context.Context, a *models.PendingAction) error {
	if a == nil || a.OwnerUserID == "" || a.ActionType == "" || a.IdempotencyKey == "" {
		return apperrors.New(apperrors.ErrInvalid, "action requires owner, type and idempotency key")
	}
	if a.QueuedAt == 0 {
		a.QueuedAt = r.now().UnixMilli()
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending_actions (owner_user_id, action_type, payload, idempotency_key, queued_at,
				is_synced, synced_at, retry_count, last_error)
			VALUES (?, ?, ?, ?, ?, 0, 0, 0, '')`,
			a.OwnerUserID, a.ActionType, a.Payload, a.IdempotencyKey, a.QueuedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return apperrors.Wrap(apperrors.ErrValidation, "duplicate idempotency key", err)
			}
			return dbErr("failed to enqueue action", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return dbErr("failed to read action id", err)
		}
		a.ID = id
		a.IsSynced = false
		a.SyncedAt = 0
		a.RetryCount = 0
		a.LastError = ""
		return nil
	})
}

// GetAction reads one action by ID.
func (r *Repository) GetAction(ctx context.Context, id int64) (*models.PendingAction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		return nil, notFoundOr("failed to read action", err)
	}
	return a, nil
}

// ListPendingActions returns the owner's unsynced actions, oldest first.
// Quarantined actions are included; the queue decides whether to skip them.
func (r *Repository) ListPendingActions(ctx context.Context, ownerID string) ([]*models.PendingAction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE owner_user_id = ? AND is_synced = 0
		ORDER BY queued_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, dbErr("failed to list pending actions", err)
	}
	defer rows.Close()

	var out []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, dbErr("failed to scan action", err)
		}
		out = append(out, a)
	}
	return out, dbErr("failed to iterate pending actions", rows.Err())
}

// MarkActionSynced flags an action as delivered.
func (r *Repository) MarkActionSynced(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET is_synced = 1, synced_at = ?, last_error = '' WHERE id = ?`,
			r.now().UnixMilli(), id)
		if err != nil {
			return dbErr("failed to mark action synced", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IncrementActionRetry records a failed delivery attempt and returns the new retry count.
func (r *Repository) IncrementActionRetry(ctx context.Context, id int64, lastErr string) (int, error) {
	var count int
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET retry_count = retry_count + 1, last_error = ? WHERE id = ? AND is_synced = 0`,
			lastErr, id)
		if err != nil {
			return dbErr("failed to increment retry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return dbErr("failed to read retry count",
			tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_actions WHERE id = ?`, id).Scan(&count))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteSyncedActionsBefore removes delivered actions whose SyncedAt is before cutoff.
func (r *Repository) DeleteSyncedActionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending_actions WHERE is_synced = 1 AND synced_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return dbErr("failed to delete synced actions", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return int(deleted), err
}

// CountPendingActions returns the number of unsynced actions for an owner.
func (r *Repository) CountPendingActions(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_actions WHERE owner_user_id = ? AND is_synced = 0`, ownerID).Scan(&n)
	return n, dbErr("failed to count pending actions", err)
}
