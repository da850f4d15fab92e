package db

import (
	"context"
	"database/sql"
)

// DeleteExpired removes every solution, quiz and analytics row whose ExpiresAt is
// set and before now. Rows with ExpiresAt == 0 never expire.
func (r *Repository) DeleteExpired(ctx context.Context) (*ExpiredResult, error) {
	result := &ExpiredResult{}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixMilli()

		refs, err := collectBlobRefs(ctx, tx, `
			SELECT solution_id, image_ref, local_blob_path FROM cached_solutions
			WHERE expires_at > 0 AND expires_at < ?`, now)
		if err != nil {
			return err
		}

		deletes := []struct {
			query string
			dst   *int
		}{
			{`DELETE FROM cached_solutions WHERE expires_at > 0 AND expires_at < ?`, &result.Solutions},
			{`DELETE FROM cached_quizzes WHERE expires_at > 0 AND expires_at < ?`, &result.Quizzes},
			{`DELETE FROM cached_analytics WHERE expires_at > 0 AND expires_at < ?`, &result.Analytics},
		}
		for _, d := range deletes {
			res, err := tx.ExecContext(ctx, d.query, now)
			if err != nil {
				return dbErr("failed to delete expired rows", err)
			}
			n, _ := res.RowsAffected()
			*d.dst = int(n)
		}

		result.RemovedBlobRefs = nonEmptyRefs(refs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearForOwner wipes every table for one user in a single transaction.
func (r *Repository) ClearForOwner(ctx context.Context, ownerID string) (*EvictResult, error) {
	result := &EvictResult{}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		refs, err := collectBlobRefs(ctx, tx, `
			SELECT solution_id, image_ref, local_blob_path FROM cached_solutions
			WHERE owner_user_id = ?`, ownerID)
		if err != nil {
			return err
		}

		for _, table := range ownedTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE owner_user_id = ?`, ownerID); err != nil {
				return dbErr("failed to clear "+table, err)
			}
		}

		result.DeletedCount = len(refs)
		result.RemovedBlobRefs = nonEmptyRefs(refs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearAll wipes the whole store in a single transaction.
func (r *Repository) ClearAll(ctx context.Context) (*EvictResult, error) {
	result := &EvictResult{}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		refs, err := collectBlobRefs(ctx, tx,
			`SELECT solution_id, image_ref, local_blob_path FROM cached_solutions`)
		if err != nil {
			return err
		}

		for _, table := range ownedTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return dbErr("failed to clear "+table, err)
			}
		}

		result.DeletedCount = len(refs)
		result.RemovedBlobRefs = nonEmptyRefs(refs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var ownedTables = []string{
	"cached_solutions",
	"cached_quizzes",
	"cached_analytics",
	"sync_cursors",
	"pending_actions",
}
