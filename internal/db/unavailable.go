package db

import (
	"context"
	"time"

	"github.com/studysync/offlinecore/internal/models"
)

// Unavailable is the Store used after initialization failed. Every operation
// returns ErrUnavailable so callers degrade to online-only behavior.
type Unavailable struct {
	cause error
}

// NewUnavailable returns a disabled store remembering why it was disabled.
func NewUnavailable(cause error) *Unavailable {
	return &Unavailable{cause: cause}
}

// Cause returns the initialization error that disabled the store.
func (u *Unavailable) Cause() error { return u.cause }

func (u *Unavailable) Status() Status { return StatusUnavailable }
func (u *Unavailable) Close() error   { return nil }

func (u *Unavailable) PutSolution(context.Context, *models.CachedSolution) error {
	return ErrUnavailable
}

func (u *Unavailable) GetSolution(context.Context, string, string) (*models.CachedSolution, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) ListSolutions(context.Context, string, QueryOptions) ([]*models.CachedSolution, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) CountSolutions(context.Context, string) (int, error) {
	return 0, ErrUnavailable
}

func (u *Unavailable) EvictExcess(context.Context, string, int) (*EvictResult, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) LiveBlobRefs(context.Context) ([]string, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) PutQuiz(context.Context, *models.CachedQuiz) error {
	return ErrUnavailable
}

func (u *Unavailable) GetQuiz(context.Context, string, string) (*models.CachedQuiz, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) ListAvailableQuizzes(context.Context, string, int) ([]*models.CachedQuiz, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) MarkQuizUsed(context.Context, string, string) error {
	return ErrUnavailable
}

func (u *Unavailable) PutAnalytics(context.Context, *models.CachedAnalyticsSnapshot) error {
	return ErrUnavailable
}

func (u *Unavailable) GetAnalytics(context.Context, string) (*models.CachedAnalyticsSnapshot, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) PutCursor(context.Context, *models.SyncCursor) error {
	return ErrUnavailable
}

func (u *Unavailable) GetCursor(context.Context, string) (*models.SyncCursor, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) EnqueueAction(context.Context, *models.PendingAction) error {
	return ErrUnavailable
}

func (u *Unavailable) GetAction(context.Context, int64) (*models.PendingAction, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) ListPendingActions(context.Context, string) ([]*models.PendingAction, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) MarkActionSynced(context.Context, int64) error {
	return ErrUnavailable
}

func (u *Unavailable) IncrementActionRetry(context.Context, int64, string) (int, error) {
	return 0, ErrUnavailable
}

func (u *Unavailable) DeleteSyncedActionsBefore(context.Context, time.Time) (int, error) {
	return 0, ErrUnavailable
}

func (u *Unavailable) CountPendingActions(context.Context, string) (int, error) {
	return 0, ErrUnavailable
}

func (u *Unavailable) DeleteExpired(context.Context) (*ExpiredResult, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) ClearForOwner(context.Context, string) (*EvictResult, error) {
	return nil, ErrUnavailable
}

func (u *Unavailable) ClearAll(context.Context) (*EvictResult, error) {
	return nil, ErrUnavailable
}
