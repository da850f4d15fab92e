package db

import (
	"context"
	"database/sql"
	"encoding/json"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
)

// =====================================================
// CachedQuiz Operations
// =====================================================

func scanQuiz(row rowScanner) (*models.CachedQuiz, error) {
	var q models.CachedQuiz
	var payload []byte
	if err := row.Scan(&q.OwnerUserID, &q.QuizID, &payload, &q.IsUsed, &q.CachedAt, &q.ExpiresAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		q.Payload = json.RawMessage(payload)
	}
	return &q, nil
}

// PutQuiz upserts a quiz by (owner, quiz id).
func (r *Repository) PutQuiz(ctx context.Context, q *models.CachedQuiz) error {
	if q == nil || q.OwnerUserID == "" || q.QuizID == "" {
		return apperrors.New(apperrors.ErrInvalid, "quiz requires owner and quiz id")
	}
	if q.CachedAt == 0 {
		q.CachedAt = r.now().UnixMilli()
	}

	query := `
	INSERT INTO cached_quizzes (owner_user_id, quiz_id, payload, is_used, cached_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_user_id, quiz_id) DO UPDATE SET
		payload = excluded.payload,
		is_used = excluded.is_used,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at
	`
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			q.OwnerUserID, q.QuizID, []byte(q.Payload), q.IsUsed, q.CachedAt, q.ExpiresAt)
		return dbErr("failed to upsert quiz", err)
	})
}

// GetQuiz reads one quiz regardless of availability.
func (r *Repository) GetQuiz(ctx context.Context, ownerID, quizID string) (*models.CachedQuiz, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT owner_user_id, quiz_id, payload, is_used, cached_at, expires_at
		FROM cached_quizzes WHERE owner_user_id = ? AND quiz_id = ?`, ownerID, quizID)
	q, err := scanQuiz(row)
	if err != nil {
		return nil, notFoundOr("failed to read quiz", err)
	}
	return q, nil
}

// ListAvailableQuizzes returns unused, unexpired quizzes oldest first.
func (r *Repository) ListAvailableQuizzes(ctx context.Context, ownerID string, limit int) ([]*models.CachedQuiz, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_user_id, quiz_id, payload, is_used, cached_at, expires_at
		FROM cached_quizzes
		WHERE owner_user_id = ? AND is_used = 0 AND (expires_at = 0 OR expires_at >= ?)
		ORDER BY cached_at ASC, quiz_id ASC
		LIMIT ?`, ownerID, r.now().UnixMilli(), limitArg(limit))
	if err != nil {
		return nil, dbErr("failed to list quizzes", err)
	}
	defer rows.Close()

	var out []*models.CachedQuiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, dbErr("failed to scan quiz", err)
		}
		out = append(out, q)
	}
	return out, dbErr("failed to iterate quizzes", rows.Err())
}

// MarkQuizUsed flags a quiz as consumed so it is no longer offered.
func (r *Repository) MarkQuizUsed(ctx context.Context, ownerID, quizID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE cached_quizzes SET is_used = 1 WHERE owner_user_id = ? AND quiz_id = ?`,
			ownerID, quizID)
		if err != nil {
			return dbErr("failed to mark quiz used", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// =====================================================
// CachedAnalyticsSnapshot Operations
// =====================================================

// PutAnalytics replaces the owner's analytics snapshot.
func (r *Repository) PutAnalytics(ctx context.Context, a *models.CachedAnalyticsSnapshot) error {
	if a == nil || a.OwnerUserID == "" {
		return apperrors.New(apperrors.ErrInvalid, "analytics snapshot requires owner")
	}
	if a.CachedAt == 0 {
		a.CachedAt = r.now().UnixMilli()
	}

	query := `
	INSERT INTO cached_analytics (owner_user_id, payload, cached_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_user_id) DO UPDATE SET
		payload = excluded.payload,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at
	`
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, a.OwnerUserID, []byte(a.Payload), a.CachedAt, a.ExpiresAt)
		return dbErr("failed to upsert analytics", err)
	})
}

// GetAnalytics reads the owner's analytics snapshot.
func (r *Repository) GetAnalytics(ctx context.Context, ownerID string) (*models.CachedAnalyticsSnapshot, error) {
	var a models.CachedAnalyticsSnapshot
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_user_id, payload, cached_at, expires_at
		FROM cached_analytics WHERE owner_user_id = ?`, ownerID).
		Scan(&a.OwnerUserID, &payload, &a.CachedAt, &a.ExpiresAt)
	if err != nil {
		return nil, notFoundOr("failed to read analytics", err)
	}
	if len(payload) > 0 {
		a.Payload = json.RawMessage(payload)
	}
	return &a, nil
}

// =====================================================
// SyncCursor Operations
// =====================================================

// PutCursor overwrites the owner's sync cursor.
func (r *Repository) PutCursor(ctx context.Context, c *models.SyncCursor) error {
	if c == nil || c.OwnerUserID == "" {
		return apperrors.New(apperrors.ErrInvalid, "sync cursor requires owner")
	}
	if c.State == "" {
		c.State = models.SyncStateIdle
	}
	c.UpdatedAt = r.now().UnixMilli()

	query := `
	INSERT INTO sync_cursors (owner_user_id, state, last_synced_at, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_user_id) DO UPDATE SET
		state = excluded.state,
		last_synced_at = excluded.last_synced_at,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			c.OwnerUserID, string(c.State), c.LastSyncedAt, c.LastError, c.UpdatedAt)
		return dbErr("failed to upsert sync cursor", err)
	})
}

// GetCursor reads the owner's sync cursor.
func (r *Repository) GetCursor(ctx context.Context, ownerID string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	var state string
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_user_id, state, last_synced_at, last_error, updated_at
		FROM sync_cursors WHERE owner_user_id = ?`, ownerID).
		Scan(&c.OwnerUserID, &state, &c.LastSyncedAt, &c.LastError, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundOr("failed to read sync cursor", err)
	}
	c.State = models.SyncState(state)
	return &c, nil
}
