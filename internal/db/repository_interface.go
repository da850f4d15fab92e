package db

import (
	"context"
	"time"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
)

// Status reports whether the local store can be used.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusReady         Status = "ready"
	StatusUnavailable   Status = "unavailable"
)

var (
	// ErrNotFound is returned when a keyed read finds nothing.
	ErrNotFound = apperrors.New(apperrors.ErrNotFound, "record not found")

	// ErrUnavailable is returned by every operation of a disabled store.
	ErrUnavailable = apperrors.New(apperrors.ErrStoreUnavailable, "offline mode unavailable")
)

// QueryOptions bounds and orders list reads.
type QueryOptions struct {
	Limit    int  // <= 0 means no limit
	SortDesc bool // newest Timestamp first
}

// EvictResult describes rows removed by an eviction or wipe.
// RemovedBlobRefs must be released from the content cache after the call returns.
type EvictResult struct {
	DeletedCount    int
	RemovedBlobRefs []models.BlobRef
}

// ExpiredResult describes a TTL sweep.
type ExpiredResult struct {
	Solutions       int
	Quizzes         int
	Analytics       int
	RemovedBlobRefs []models.BlobRef
}

// Total returns the number of rows removed across all tables.
func (r *ExpiredResult) Total() int {
	return r.Solutions + r.Quizzes + r.Analytics
}

// SolutionStore persists CachedSolution records.
type SolutionStore interface {
	// PutSolution upserts by (owner, solution id).
	PutSolution(ctx context.Context, s *models.CachedSolution) error

	// GetSolution reads one record and bumps its LastAccessedAt.
	GetSolution(ctx context.Context, ownerID, solutionID string) (*models.CachedSolution, error)

	// ListSolutions reads an owner's records and bumps their LastAccessedAt.
	ListSolutions(ctx context.Context, ownerID string, opts QueryOptions) ([]*models.CachedSolution, error)

	// CountSolutions returns the number of records held for an owner.
	CountSolutions(ctx context.Context, ownerID string) (int, error)

	// EvictExcess deletes the least-recently-accessed records above maxCount.
	EvictExcess(ctx context.Context, ownerID string, maxCount int) (*EvictResult, error)

	// LiveBlobRefs returns every blob key still referenced by a record.
	LiveBlobRefs(ctx context.Context) ([]string, error)
}

// QuizStore persists CachedQuiz records.
type QuizStore interface {
	PutQuiz(ctx context.Context, q *models.CachedQuiz) error
	GetQuiz(ctx context.Context, ownerID, quizID string) (*models.CachedQuiz, error)
	ListAvailableQuizzes(ctx context.Context, ownerID string, limit int) ([]*models.CachedQuiz, error)
	MarkQuizUsed(ctx context.Context, ownerID, quizID string) error
}

// AnalyticsStore persists the per-user analytics snapshot.
type AnalyticsStore interface {
	PutAnalytics(ctx context.Context, a *models.CachedAnalyticsSnapshot) error
	GetAnalytics(ctx context.Context, ownerID string) (*models.CachedAnalyticsSnapshot, error)
}

// CursorStore persists per-user sync cursors.
type CursorStore interface {
	PutCursor(ctx context.Context, c *models.SyncCursor) error
	GetCursor(ctx context.Context, ownerID string) (*models.SyncCursor, error)
}

// ActionStore persists the pending-action queue.
type ActionStore interface {
	// EnqueueAction inserts a new action and assigns its ID.
	EnqueueAction(ctx context.Context, a *models.PendingAction) error

	// GetAction reads one action by ID.
	GetAction(ctx context.Context, id int64) (*models.PendingAction, error)

	// ListPendingActions returns unsynced actions in queuedAt order.
	ListPendingActions(ctx context.Context, ownerID string) ([]*models.PendingAction, error)

	// MarkActionSynced flags an action as delivered.
	MarkActionSynced(ctx context.Context, id int64) error

	// IncrementActionRetry records a failed attempt and returns the new retry count.
	IncrementActionRetry(ctx context.Context, id int64, lastErr string) (int, error)

	// DeleteSyncedActionsBefore removes delivered actions synced before cutoff.
	DeleteSyncedActionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// CountPendingActions returns the number of unsynced actions for an owner.
	CountPendingActions(ctx context.Context, ownerID string) (int, error)
}

// Store is the complete local store. Every multi-row mutation is all-or-nothing.
type Store interface {
	SolutionStore
	QuizStore
	AnalyticsStore
	CursorStore
	ActionStore

	// Status reports whether the store is usable.
	Status() Status

	// DeleteExpired removes rows whose expiry is before now.
	DeleteExpired(ctx context.Context) (*ExpiredResult, error)

	// ClearForOwner wipes every record belonging to ownerID.
	ClearForOwner(ctx context.Context, ownerID string) (*EvictResult, error)

	// ClearAll wipes the whole store.
	ClearAll(ctx context.Context) (*EvictResult, error)

	// Close releases the store.
	Close() error
}

// Ensure both implementations satisfy Store at compile time.
var (
	_ Store = (*Repository)(nil)
	_ Store = (*Unavailable)(nil)
)
