// Package scheduler provides background sync scheduling for offline operations:
// periodic sync while online, queue draining when connectivity returns, and
// periodic cache and store maintenance.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studysync/offlinecore/internal/content"
	"github.com/studysync/offlinecore/internal/db"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/reachability"
	syncpkg "github.com/studysync/offlinecore/internal/sync"
	"github.com/studysync/offlinecore/internal/sync/queue"
)

// TierLimits are the per-user limits supplied by the host.
type TierLimits struct {
	// RetentionCount is the number of solutions kept locally. <= 0 keeps everything.
	RetentionCount int `json:"retention_count"`

	// CacheByteQuota caps the blob cache. 0 means unlimited.
	CacheByteQuota int64 `json:"cache_byte_quota"`
}

// Session identifies the signed-in user.
type Session struct {
	OwnerID   string
	AuthToken string
	Limits    TierLimits
}

// SessionProvider returns the current session, or false when nobody is signed in.
type SessionProvider func() (Session, bool)

// ActionDrainer is the part of the action queue the scheduler drives.
type ActionDrainer interface {
	Drain(ctx context.Context, owner, token string) *queue.DrainResult
	CleanupSynced(ctx context.Context) (int, error)
	Stats(ctx context.Context, owner string) (map[string]int, error)
}

// BlobMaintainer is the part of the content cache the scheduler maintains.
type BlobMaintainer interface {
	ReleaseRefs(refs []models.BlobRef) int
	ReconcileOrphans(ctx context.Context, live []string) (*content.OrphanResult, error)
	EnforceQuota(maxBytes int64) (bool, error)
}

// Connectivity reports reachability and its transitions.
type Connectivity interface {
	IsOnline() bool
	Subscribe(l reachability.Listener) func()
}

// Deps are the collaborators of a Scheduler. Cache and Monitor may be nil.
type Deps struct {
	Engine  syncpkg.SyncEngineInterface
	Queue   ActionDrainer
	Stores  syncpkg.StoreProvider
	Cache   BlobMaintainer
	Monitor Connectivity
	Session SessionProvider
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval    time.Duration // How often to sync when online (default: 15 minutes)
	QueueInterval   time.Duration // How often to drain the queue when online (default: 1 minute)
	CleanupInterval time.Duration // How often to run maintenance (default: 1 hour)
	SyncTimeout     time.Duration // Bound on one background sync (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    15 * time.Minute,
		QueueInterval:   1 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		SyncTimeout:     5 * time.Minute,
	}
}

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	Expired       int                   `json:"expired"`
	BlobsReleased int                   `json:"blobs_released"`
	SyncedCleaned int                   `json:"synced_cleaned"`
	Orphans       *content.OrphanResult `json:"orphans,omitempty"`
	QuotaWiped    bool                  `json:"quota_wiped"`
}

// Scheduler manages background sync operations.
type Scheduler struct {
	deps            Deps
	syncInterval    time.Duration
	queueInterval   time.Duration
	cleanupInterval time.Duration
	syncTimeout     time.Duration

	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	// exclusive keeps sync and maintenance from overlapping: a sync stores
	// its blobs before their records, and maintenance must not see that gap.
	exclusive sync.Mutex

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastSyncTime    time.Time
	lastResult      *syncpkg.SyncResult
	syncInProgress  bool
	queueInProgress bool
}

// NewScheduler creates a new Scheduler.
func NewScheduler(deps Deps, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		deps:            deps,
		syncInterval:    orDefault(config.SyncInterval, defaults.SyncInterval),
		queueInterval:   orDefault(config.QueueInterval, defaults.QueueInterval),
		cleanupInterval: orDefault(config.CleanupInterval, defaults.CleanupInterval),
		syncTimeout:     orDefault(config.SyncTimeout, defaults.SyncTimeout),
		isOnline:        true, // Assume online until told otherwise
	}
	if deps.Monitor != nil {
		s.isOnline = deps.Monitor.IsOnline()
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start starts the background loops and subscribes to connectivity changes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.wg.Add(3)
	s.mu.Unlock()

	go s.loop(ctx, s.syncInterval, s.onSyncTick)
	go s.loop(ctx, s.queueInterval, s.onQueueTick)
	go s.loop(ctx, s.cleanupInterval, s.onCleanupTick)

	if s.deps.Monitor != nil {
		s.unsubscribe = s.deps.Monitor.Subscribe(func(online bool) {
			s.SetOnlineStatus(online)
			if online {
				s.spawn(func() { s.onReconnect(ctx) })
			}
		})
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":    s.syncInterval.String(),
		"queue_interval":   s.queueInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
	})
}

// Stop stops the background loops and waits for running work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// spawn runs fn in a tracked goroutine unless the scheduler is stopped.
func (s *Scheduler) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Scheduler) onSyncTick(ctx context.Context) {
	if !s.IsOnline() {
		return
	}
	s.TriggerSync(ctx)
}

func (s *Scheduler) onQueueTick(ctx context.Context) {
	if !s.IsOnline() {
		return
	}
	s.spawn(func() { s.processQueue(ctx) })
}

func (s *Scheduler) onCleanupTick(ctx context.Context) {
	s.spawn(func() {
		if !s.exclusive.TryLock() {
			logging.Debug("Sync in progress, skipping maintenance tick", nil)
			return
		}
		defer s.exclusive.Unlock()
		if _, err := s.runMaintenance(ctx); err != nil {
			logging.Warn("Maintenance pass incomplete", map[string]interface{}{"error": err.Error()})
		}
	})
}

// onReconnect drains queued actions first so the server sees them before the
// history fetch, then syncs.
func (s *Scheduler) onReconnect(ctx context.Context) {
	logging.Info("Connectivity regained, draining queue and syncing", nil)
	s.processQueue(ctx)
	if _, err := s.runSync(ctx); err != nil && !apperrors.Is(err, apperrors.ErrNotInitialized) {
		logging.ErrorWithCode("Reconnect sync failed", string(apperrors.CodeOf(err)), err, nil)
	}
}

// SetOnlineStatus changes the online status of the scheduler.
// When offline, neither sync nor queue draining runs.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// runSync executes one sync for the current session and applies the cache quota.
func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	session, ok := s.session()
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "no active session")
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	s.exclusive.Lock()
	defer s.exclusive.Unlock()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.deps.Engine.SyncSolutions(syncCtx, session.OwnerID, syncpkg.SyncOptions{
		AuthToken:   session.AuthToken,
		MaxRetained: session.Limits.RetentionCount,
	})
	if result == nil && err != nil {
		result = &syncpkg.SyncResult{Error: err.Error(), FinishedAt: time.Now()}
	}

	s.mu.Lock()
	s.lastResult = result
	if err == nil && result.Success {
		s.lastSyncTime = result.FinishedAt
	}
	s.mu.Unlock()

	if err != nil {
		return result, err
	}

	if result.Success {
		s.enforceQuota(session.Limits)
	}
	return result, nil
}

func (s *Scheduler) enforceQuota(limits TierLimits) bool {
	if s.deps.Cache == nil || limits.CacheByteQuota == 0 {
		return false
	}
	wiped, err := s.deps.Cache.EnforceQuota(limits.CacheByteQuota)
	if err != nil {
		logging.Warn("Quota enforcement failed", map[string]interface{}{"error": err.Error()})
	}
	return wiped
}

// processQueue drains the current session's actions unless a drain is running.
func (s *Scheduler) processQueue(ctx context.Context) *queue.DrainResult {
	session, ok := s.session()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.queueInProgress {
		s.mu.Unlock()
		return nil
	}
	s.queueInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.queueInProgress = false
		s.mu.Unlock()
	}()

	return s.deps.Queue.Drain(ctx, session.OwnerID, session.AuthToken)
}

func (s *Scheduler) session() (Session, bool) {
	if s.deps.Session == nil {
		return Session{}, false
	}
	session, ok := s.deps.Session()
	if !ok || session.OwnerID == "" {
		return Session{}, false
	}
	return session, true
}

// TriggerSync triggers an immediate sync operation.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	return s.spawn(func() {
		if _, err := s.runSync(ctx); err != nil && !apperrors.Is(err, apperrors.ErrNotInitialized) {
			logging.ErrorWithCode("Periodic sync failed", string(apperrors.ErrSyncFailed), err,
				map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		}
	})
}

// SyncNow runs a sync for the current session and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.runSync(ctx)
}

// DrainNow drains the current session's queue and waits for it. Draining while
// offline would only burn retries, so it is refused.
func (s *Scheduler) DrainNow(ctx context.Context) (*queue.DrainResult, error) {
	session, ok := s.session()
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "no active session")
	}
	if !s.IsOnline() {
		return nil, apperrors.New(apperrors.ErrConnectivity, "device is offline")
	}
	return s.deps.Queue.Drain(ctx, session.OwnerID, session.AuthToken), nil
}

// RunMaintenance sweeps expired rows, old delivered actions and orphaned blobs,
// then applies the cache quota. Every step runs even if an earlier one failed.
// It waits for a running sync to finish first.
func (s *Scheduler) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	s.exclusive.Lock()
	defer s.exclusive.Unlock()
	return s.runMaintenance(ctx)
}

func (s *Scheduler) runMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{}
	var errs []error

	store := s.deps.Stores.Store()
	if store.Status() != db.StatusReady {
		return result, db.ErrUnavailable
	}

	expired, err := store.DeleteExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		result.Expired = expired.Total()
		if s.deps.Cache != nil && len(expired.RemovedBlobRefs) > 0 {
			result.BlobsReleased = s.deps.Cache.ReleaseRefs(unreferenced(ctx, store, expired.RemovedBlobRefs))
		}
	}

	if s.deps.Queue != nil {
		cleaned, err := s.deps.Queue.CleanupSynced(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		result.SyncedCleaned = cleaned
	}

	if s.deps.Cache != nil {
		live, err := store.LiveBlobRefs(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			orphans, err := s.deps.Cache.ReconcileOrphans(ctx, live)
			if err != nil {
				errs = append(errs, err)
			}
			result.Orphans = orphans
		}
	}

	if session, ok := s.session(); ok {
		result.QuotaWiped = s.enforceQuota(session.Limits)
	}

	logging.Info("Maintenance completed", map[string]interface{}{
		"expired":        result.Expired,
		"blobs_released": result.BlobsReleased,
		"synced_cleaned": result.SyncedCleaned,
		"quota_wiped":    result.QuotaWiped,
	})
	return result, errors.Join(errs...)
}

// unreferenced drops refs whose URL another record still uses.
func unreferenced(ctx context.Context, store db.Store, refs []models.BlobRef) []models.BlobRef {
	live, err := store.LiveBlobRefs(ctx)
	if err != nil {
		return nil
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, ref := range live {
		liveSet[ref] = struct{}{}
	}
	out := make([]models.BlobRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := liveSet[ref.URL]; ok && ref.URL != "" {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool                `json:"is_running"`
	IsOnline        bool                `json:"is_online"`
	LastSyncTime    *time.Time          `json:"last_sync_time,omitempty"`
	LastResult      *syncpkg.SyncResult `json:"last_result,omitempty"`
	SyncInProgress  bool                `json:"sync_in_progress"`
	QueueInProgress bool                `json:"queue_in_progress"`
	PendingItems    int                 `json:"pending_items"`
	QueueStats      map[string]int      `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		LastResult:      s.lastResult,
		SyncInProgress:  s.syncInProgress,
		QueueInProgress: s.queueInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	if session, ok := s.session(); ok && s.deps.Queue != nil {
		if stats, err := s.deps.Queue.Stats(ctx, session.OwnerID); err == nil {
			status.QueueStats = stats
			status.PendingItems = stats["pending"]
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
