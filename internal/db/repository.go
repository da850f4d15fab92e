package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
)

// Repository is the SQLite-backed Store.
//
// Write transactions are serialized through mu so that a sync batch and a
// concurrent single-item cache call never interleave on the same record.
// Reads of cached solutions are writes too: they bump last_accessed_at for LRU.
type Repository struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source. Tests use it to produce synthetic access times.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository creates a new Repository on an already migrated database.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status reports StatusReady.
func (r *Repository) Status() Status {
	return StatusReady
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// withTx runs fn inside a serialized write transaction.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// =====================================================
// CachedSolution Operations
// =====================================================

const solutionColumns = `owner_user_id, solution_id, question, subject, topic, timestamp, payload,
	image_ref, local_blob_path, language, cached_at, expires_at, last_accessed_at`

func scanSolution(row rowScanner) (*models.CachedSolution, error) {
	var s models.CachedSolution
	var payload []byte
	err := row.Scan(
		&s.OwnerUserID, &s.SolutionID, &s.Question, &s.Subject, &s.Topic, &s.Timestamp,
		&payload, &s.ImageRef, &s.LocalBlobPath, &s.Language, &s.CachedAt, &s.ExpiresAt,
		&s.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		s.Payload = json.RawMessage(payload)
	}
	return &s, nil
}

// PutSolution upserts a solution. Zero CachedAt and LastAccessedAt default to now
// on insert; an update with zero LastAccessedAt keeps the stored access time so
// that a re-sync does not count as a read.
func (r *Repository) PutSolution(ctx context.Context, s *models.CachedSolution) error {
	if s == nil || s.OwnerUserID == "" || s.SolutionID == "" {
		return apperrors.New(apperrors.ErrInvalid, "solution requires owner and solution id")
	}

	now := r.now().UnixMilli()
	if s.CachedAt == 0 {
		s.CachedAt = now
	}
	explicitAccess := s.LastAccessedAt
	if s.LastAccessedAt == 0 {
		s.LastAccessedAt = now
	}

	query := `
	INSERT INTO cached_solutions (` + solutionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_user_id, solution_id) DO UPDATE SET
		question = excluded.question,
		subject = excluded.subject,
		topic = excluded.topic,
		timestamp = excluded.timestamp,
		payload = excluded.payload,
		image_ref = excluded.image_ref,
		local_blob_path = excluded.local_blob_path,
		language = excluded.language,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at,
		last_accessed_at = CASE WHEN ? > 0 THEN excluded.last_accessed_at
			ELSE cached_solutions.last_accessed_at END
	`
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			s.OwnerUserID, s.SolutionID, s.Question, s.Subject, s.Topic, s.Timestamp,
			[]byte(s.Payload), s.ImageRef, s.LocalBlobPath, s.Language, s.CachedAt, s.ExpiresAt,
			s.LastAccessedAt, explicitAccess,
		)
		return dbErr("failed to upsert solution", err)
	})
}

// GetSolution reads one solution and bumps its LastAccessedAt in the same transaction.
func (r *Repository) GetSolution(ctx context.Context, ownerID, solutionID string) (*models.CachedSolution, error) {
	var out *models.CachedSolution
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixMilli()
		res, err := tx.ExecContext(ctx,
			`UPDATE cached_solutions SET last_accessed_at = ? WHERE owner_user_id = ? AND solution_id = ?`,
			now, ownerID, solutionID)
		if err != nil {
			return dbErr("failed to touch solution", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+solutionColumns+` FROM cached_solutions WHERE owner_user_id = ? AND solution_id = ?`,
			ownerID, solutionID)
		out, err = scanSolution(row)
		return dbErr("failed to read solution", err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSolutions reads an owner's solutions ordered by Timestamp and touches each one returned.
func (r *Repository) ListSolutions(ctx context.Context, ownerID string, opts QueryOptions) ([]*models.CachedSolution, error) {
	order := "ASC"
	if opts.SortDesc {
		order = "DESC"
	}
	query := `SELECT ` + solutionColumns + ` FROM cached_solutions
		WHERE owner_user_id = ?
		ORDER BY timestamp ` + order + `, solution_id ` + order + `
		LIMIT ?`

	var out []*models.CachedSolution
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, ownerID, limitArg(opts.Limit))
		if err != nil {
			return dbErr("failed to list solutions", err)
		}
		for rows.Next() {
			s, err := scanSolution(rows)
			if err != nil {
				rows.Close()
				return dbErr("failed to scan solution", err)
			}
			out = append(out, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbErr("failed to iterate solutions", err)
		}
		rows.Close()

		now := r.now().UnixMilli()
		for _, s := range out {
			if _, err := tx.ExecContext(ctx,
				`UPDATE cached_solutions SET last_accessed_at = ? WHERE owner_user_id = ? AND solution_id = ?`,
				now, s.OwnerUserID, s.SolutionID); err != nil {
				return dbErr("failed to touch solution", err)
			}
			s.LastAccessedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountSolutions returns the number of solutions held for an owner.
func (r *Repository) CountSolutions(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cached_solutions WHERE owner_user_id = ?`, ownerID).Scan(&n)
	return n, dbErr("failed to count solutions", err)
}

// EvictExcess deletes the count-maxCount least-recently-accessed solutions of an owner
// (ties broken by earliest CachedAt) in one transaction, returning their blob refs.
// The caller releases the blobs afterward; a crash in between leaves an orphaned
// file, never a row pointing at a missing file.
func (r *Repository) EvictExcess(ctx context.Context, ownerID string, maxCount int) (*EvictResult, error) {
	if maxCount < 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "maxCount must not be negative")
	}

	result := &EvictResult{}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cached_solutions WHERE owner_user_id = ?`, ownerID).Scan(&count); err != nil {
			return dbErr("failed to count solutions", err)
		}
		if count <= maxCount {
			return nil
		}

		refs, err := collectBlobRefs(ctx, tx, `
			SELECT solution_id, image_ref, local_blob_path FROM cached_solutions
			WHERE owner_user_id = ?
			ORDER BY last_accessed_at ASC, cached_at ASC, solution_id ASC
			LIMIT ?`, ownerID, count-maxCount)
		if err != nil {
			return err
		}

		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cached_solutions WHERE owner_user_id = ? AND solution_id = ?`,
				ownerID, ref.SolutionID); err != nil {
				return dbErr("failed to evict solution", err)
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

// LiveBlobRefs returns every distinct image reference still held by a solution.
func (r *Repository) LiveBlobRefs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT image_ref FROM cached_solutions WHERE image_ref != ''`)
	if err != nil {
		return nil, dbErr("failed to list blob refs", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, dbErr("failed to scan blob ref", err)
		}
		refs = append(refs, ref)
	}
	return refs, dbErr("failed to iterate blob refs", rows.Err())
}

// collectBlobRefs reads (solution_id, image_ref, local_blob_path) rows fully before
// the caller issues deletes on the same transaction.
func collectBlobRefs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]models.BlobRef, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("failed to select blob refs", err)
	}
	defer rows.Close()

	var refs []models.BlobRef
	for rows.Next() {
		var ref models.BlobRef
		if err := rows.Scan(&ref.SolutionID, &ref.URL, &ref.LocalPath); err != nil {
			return nil, dbErr("failed to scan blob ref", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate blob refs", err)
	}
	return refs, nil
}

func nonEmptyRefs(refs []models.BlobRef) []models.BlobRef {
	out := make([]models.BlobRef, 0, len(refs))
	for _, ref := range refs {
		if !ref.Empty() {
			out = append(out, ref)
		}
	}
	return out
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return dbErr(op, err)
}

// String implements fmt.Stringer for diagnostics.
func (r *ExpiredResult) String() string {
	return fmt.Sprintf("solutions=%d quizzes=%d analytics=%d blobs=%d",
		r.Solutions, r.Quizzes, r.Analytics, len(r.RemovedBlobRefs))
}
