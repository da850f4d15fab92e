package sync

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/studysync/offlinecore/internal/db"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/metrics"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/remote"
	"github.com/studysync/offlinecore/internal/telemetry"
)

// DefaultSolutionTTL is how long a synced solution stays in the store.
const DefaultSolutionTTL = 30 * 24 * time.Hour

// DefaultSyncTimeout bounds one shared sync run.
const DefaultSyncTimeout = 5 * time.Minute

// SyncOptions controls one SyncSolutions call.
type SyncOptions struct {
	AuthToken string

	// MaxRetained is the page size and the retention limit. <= 0 fetches the
	// server default and skips eviction.
	MaxRetained int

	// Since limits the page to records newer than this. Zero fetches from the start.
	Since time.Time

	// OnProgress is called after each record is processed. Callers that join an
	// in-flight sync do not receive progress.
	OnProgress func(Progress)
}

// Progress reports how far a sync has got.
type Progress struct {
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	SolutionID string `json:"solution_id"`
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	Success       bool      `json:"success"`
	SyncedCount   int       `json:"synced_count"`
	TotalFetched  int       `json:"total_fetched"`
	FailedCount   int       `json:"failed_count"`
	ImageFailures int       `json:"image_failures"`
	Evicted       int       `json:"evicted"`
	Expired       int       `json:"expired"`
	BlobsReleased int       `json:"blobs_released"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Duration returns how long the sync ran.
func (r *SyncResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SyncEngine provides synchronization capabilities.
type SyncEngine struct {
	stores      StoreProvider
	cache       BlobCache
	history     remote.HistoryAPI
	monitor     Reachability
	solutionTTL time.Duration
	syncTimeout time.Duration
	now         func() time.Time

	group singleflight.Group
}

// EngineOption configures a SyncEngine.
type EngineOption func(*SyncEngine)

// WithSolutionTTL sets how long synced records live. Zero means they never expire.
func WithSolutionTTL(ttl time.Duration) EngineOption {
	return func(e *SyncEngine) {
		e.solutionTTL = ttl
	}
}

// WithSyncTimeout bounds each shared sync run.
func WithSyncTimeout(d time.Duration) EngineOption {
	return func(e *SyncEngine) {
		if d > 0 {
			e.syncTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *SyncEngine) {
		e.now = now
	}
}

// NewSyncEngine creates a new SyncEngine. cache and monitor may be nil: without
// a cache images are not stored locally, and without a monitor the engine
// assumes it is online.
func NewSyncEngine(stores StoreProvider, cache BlobCache, history remote.HistoryAPI, monitor Reachability, opts ...EngineOption) *SyncEngine {
	e := &SyncEngine{
		stores:      stores,
		cache:       cache,
		history:     history,
		monitor:     monitor,
		solutionTTL: DefaultSolutionTTL,
		syncTimeout: DefaultSyncTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncSolutions fetches one page of history for owner, stores every record and
// applies retention. Concurrent calls for the same owner share one run and
// receive the same result. The run is not tied to any one caller's context: a
// caller whose ctx ends stops waiting and gets an error, while the run
// continues for the others until it finishes or the sync timeout passes.
func (e *SyncEngine) SyncSolutions(ctx context.Context, owner string, opts SyncOptions) (*SyncResult, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "owner is required")
	}

	ch := e.group.DoChan(owner, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.syncTimeout)
		defer cancel()
		return e.syncSolutions(runCtx, owner, opts)
	})

	select {
	case res := <-ch:
		if res.Shared {
			logging.Debug("Joined in-flight sync", map[string]interface{}{"user_id": owner})
		}
		result, _ := res.Val.(*SyncResult)
		return result, res.Err
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "stopped waiting for sync", ctx.Err())
	}
}

func (e *SyncEngine) syncSolutions(ctx context.Context, owner string, opts SyncOptions) (result *SyncResult, err error) {
	result = &SyncResult{StartedAt: e.now()}

	ctx, span := telemetry.StartSpan(ctx, "sync.SyncSolutions",
		attribute.Int("sync.max_retained", opts.MaxRetained))
	defer func() {
		result.FinishedAt = e.now()
		status := "success"
		if !result.Success {
			status = "failed"
		}
		metrics.RecordSync(status, result.SyncedCount, result.FailedCount, result.Duration().Seconds())
		telemetry.AddSpanAttributes(ctx,
			attribute.Int("sync.fetched", result.TotalFetched),
			attribute.Int("sync.synced", result.SyncedCount),
			attribute.Int("sync.failed", result.FailedCount),
		)
		telemetry.EndSpan(span, err)
	}()

	if e.monitor != nil && !e.monitor.IsOnline() {
		result.Error = apperrors.New(apperrors.ErrConnectivity, "device is offline").Error()
		return result, nil
	}

	store := e.stores.Store()
	if store.Status() != db.StatusReady {
		result.Error = db.ErrUnavailable.Error()
		return result, nil
	}

	e.putCursor(ctx, store, &models.SyncCursor{OwnerUserID: owner, State: models.SyncStateRunning})

	page, err := e.history.FetchSolutions(ctx, opts.AuthToken, opts.Since, opts.MaxRetained)
	if err != nil {
		result.Error = err.Error()
		logging.ErrorWithCode("History fetch failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"user_id": owner})
		e.putCursor(ctx, store, &models.SyncCursor{
			OwnerUserID: owner,
			State:       models.SyncStateError,
			LastError:   err.Error(),
		})
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to fetch history", err)
	}
	result.TotalFetched = len(page)

	for i := range page {
		if err := e.storeRecord(ctx, store, owner, &page[i], result); err != nil {
			result.FailedCount++
			logging.Warn("Failed to store synced solution", map[string]interface{}{
				"solution_id": page[i].ID,
				"error":       err.Error(),
			})
		} else {
			result.SyncedCount++
		}
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Done: i + 1, Total: len(page), SolutionID: page[i].ID})
		}
	}

	e.applyRetention(ctx, store, owner, opts.MaxRetained, result)

	result.Success = true
	e.putCursor(ctx, store, &models.SyncCursor{
		OwnerUserID:  owner,
		State:        models.SyncStateIdle,
		LastSyncedAt: e.now().UnixMilli(),
	})

	logging.Info("Sync completed", map[string]interface{}{
		"user_id": owner,
		"fetched": result.TotalFetched,
		"synced":  result.SyncedCount,
		"failed":  result.FailedCount,
		"evicted": result.Evicted,
	})
	return result, nil
}

// storeRecord caches the record's image (best effort) and upserts it.
func (e *SyncEngine) storeRecord(ctx context.Context, store db.Store, owner string, rs *remote.RemoteSolution, result *SyncResult) error {
	if strings.TrimSpace(rs.ID) == "" {
		return apperrors.New(apperrors.ErrValidation, "solution without id")
	}

	localPath := ""
	if rs.ImageRef != "" && e.cache != nil {
		path, err := e.cache.CacheBlob(ctx, rs.ImageRef)
		if err != nil {
			result.ImageFailures++
			logging.Debug("Image not cached", map[string]interface{}{
				"solution_id": rs.ID,
				"code":        string(apperrors.CodeOf(err)),
			})
		} else {
			localPath = path
		}
	}

	return store.PutSolution(ctx, e.toCached(owner, rs, localPath))
}

func (e *SyncEngine) toCached(owner string, rs *remote.RemoteSolution, localPath string) *models.CachedSolution {
	now := e.now()
	return &models.CachedSolution{
		SolutionID:    rs.ID,
		OwnerUserID:   owner,
		Question:      rs.Question,
		Subject:       rs.Subject,
		Topic:         rs.Topic,
		Timestamp:     rs.Timestamp,
		Payload:       rs.Payload,
		ImageRef:      rs.ImageRef,
		LocalBlobPath: localPath,
		Language:      rs.Language,
		CachedAt:      now.UnixMilli(),
		ExpiresAt:     e.expiresAt(now),
	}
}

func (e *SyncEngine) expiresAt(now time.Time) int64 {
	if e.solutionTTL <= 0 {
		return 0
	}
	return now.Add(e.solutionTTL).UnixMilli()
}

// applyRetention evicts records beyond maxRetained and sweeps expired rows. The
// database delete always commits before blobs are released.
func (e *SyncEngine) applyRetention(ctx context.Context, store db.Store, owner string, maxRetained int, result *SyncResult) {
	var released []models.BlobRef

	if maxRetained > 0 {
		evicted, err := store.EvictExcess(ctx, owner, maxRetained)
		if err != nil {
			logging.Warn("Eviction failed", map[string]interface{}{"error": err.Error()})
		} else {
			result.Evicted = evicted.DeletedCount
			released = append(released, evicted.RemovedBlobRefs...)
			metrics.RecordEvictions(evicted.DeletedCount)
		}
	}

	expired, err := store.DeleteExpired(ctx)
	if err != nil {
		logging.Warn("Expiry sweep failed", map[string]interface{}{"error": err.Error()})
	} else {
		result.Expired = expired.Total()
		released = append(released, expired.RemovedBlobRefs...)
	}

	result.BlobsReleased = e.releaseBlobs(ctx, store, released)
}

// releaseBlobs drops cached blobs of deleted records, skipping any blob another
// record still references.
func (e *SyncEngine) releaseBlobs(ctx context.Context, store db.Store, refs []models.BlobRef) int {
	if e.cache == nil || len(refs) == 0 {
		return 0
	}

	live, err := store.LiveBlobRefs(ctx)
	if err != nil {
		logging.Warn("Skipping blob release", map[string]interface{}{"error": err.Error()})
		return 0
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, ref := range live {
		liveSet[ref] = struct{}{}
	}

	orphaned := make([]models.BlobRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := liveSet[ref.URL]; ok && ref.URL != "" {
			continue
		}
		orphaned = append(orphaned, ref)
	}
	return e.cache.ReleaseRefs(orphaned)
}

func (e *SyncEngine) putCursor(ctx context.Context, store db.Store, cursor *models.SyncCursor) {
	if cursor.State == models.SyncStateRunning || cursor.State == models.SyncStateError {
		if prev, err := store.GetCursor(ctx, cursor.OwnerUserID); err == nil {
			cursor.LastSyncedAt = prev.LastSyncedAt
		}
	}
	if err := store.PutCursor(ctx, cursor); err != nil {
		logging.Warn("Failed to record sync cursor", map[string]interface{}{
			"state": string(cursor.State),
			"error": err.Error(),
		})
	}
}

// CacheSingle stores one solution the user just produced: the image is cached
// first so the record is written with its local path.
func (e *SyncEngine) CacheSingle(ctx context.Context, solution *models.CachedSolution, owner, imageURL string) error {
	if solution == nil || strings.TrimSpace(solution.SolutionID) == "" {
		return apperrors.New(apperrors.ErrValidation, "solution id is required")
	}
	store := e.stores.Store()
	if store.Status() != db.StatusReady {
		return db.ErrUnavailable
	}

	record := *solution
	record.OwnerUserID = owner
	if imageURL != "" {
		record.ImageRef = imageURL
		if e.cache != nil {
			path, err := e.cache.CacheBlob(ctx, imageURL)
			if err != nil {
				logging.Warn("Image not cached", map[string]interface{}{
					"solution_id": record.SolutionID,
					"code":        string(apperrors.CodeOf(err)),
				})
			} else {
				record.LocalBlobPath = path
			}
		}
	}

	now := e.now()
	if record.CachedAt == 0 {
		record.CachedAt = now.UnixMilli()
	}
	if record.ExpiresAt == 0 {
		record.ExpiresAt = e.expiresAt(now)
	}
	return store.PutSolution(ctx, &record)
}

// Status returns the stored sync cursor for owner. An owner that never synced
// gets an idle cursor.
func (e *SyncEngine) Status(ctx context.Context, owner string) (*models.SyncCursor, error) {
	cursor, err := e.stores.Store().GetCursor(ctx, owner)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return &models.SyncCursor{OwnerUserID: owner, State: models.SyncStateIdle}, nil
	}
	return cursor, err
}
