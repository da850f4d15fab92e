// Package app wires the offline engine together: reachability monitor, local
// store, content cache, sync engine, action queue and background scheduler.
package app

import (
	"context"
	"net/http"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/studysync/offlinecore/internal/config"
	"github.com/studysync/offlinecore/internal/content"
	"github.com/studysync/offlinecore/internal/db"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/reachability"
	"github.com/studysync/offlinecore/internal/remote"
	"github.com/studysync/offlinecore/internal/storageref"
	syncpkg "github.com/studysync/offlinecore/internal/sync"
	"github.com/studysync/offlinecore/internal/sync/queue"
	"github.com/studysync/offlinecore/internal/sync/scheduler"
)

// Option configures Open.
type Option func(*options)

type options struct {
	prober     reachability.Prober
	linkSource reachability.LinkSource
	resolver   storageref.Resolver
	httpClient *http.Client
}

// WithProber replaces the DNS reachability probe.
func WithProber(p reachability.Prober) Option {
	return func(o *options) {
		o.prober = p
	}
}

// WithLinkSource supplies the platform's link state.
func WithLinkSource(src reachability.LinkSource) Option {
	return func(o *options) {
		o.linkSource = src
	}
}

// WithResolver replaces the configured storage reference resolver.
func WithResolver(r storageref.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithHTTPClient sets the HTTP client used for blob downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// App is the explicit context object holding every engine component.
type App struct {
	Config    *config.Config
	Monitor   *reachability.Monitor
	Stores    *db.Manager
	Cache     *content.Cache
	Remote    *remote.Client
	Engine    *syncpkg.SyncEngine
	Queue     *queue.ActionQueue
	Scheduler *scheduler.Scheduler

	closeResolver func() error

	mu         gosync.RWMutex
	session    scheduler.Session
	hasSession bool
}

// Open builds every component from cfg. A store that fails to open does not
// fail Open: the app runs with offline mode unavailable.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "config is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, closeResolver: func() error { return nil }}

	prober := o.prober
	if prober == nil {
		prober = reachability.NewDNSProber(cfg.ProbeHost, cfg.ProbeTimeout)
	}
	monitorOpts := []reachability.Option{reachability.WithProbeWindow(cfg.ProbeWindow)}
	if o.linkSource != nil {
		monitorOpts = append(monitorOpts, reachability.WithLinkSource(o.linkSource))
	}
	a.Monitor = reachability.NewMonitor(prober, monitorOpts...)
	a.Stores = db.NewManager(cfg.DBDir())

	// The first probe and the store open are independent and both may block.
	var g errgroup.Group
	g.Go(func() error {
		a.Monitor.Initialize(ctx)
		return nil
	})
	g.Go(func() error {
		if _, err := a.Stores.Initialize(ctx); err != nil {
			logging.Warn("Offline mode unavailable", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})
	_ = g.Wait()

	resolver := o.resolver
	if resolver == nil {
		r, closer, err := storageref.New(ctx, storageref.Options{
			Provider: cfg.Storage.Provider,
			GCS: storageref.GCSConfig{
				CredentialsFile: cfg.Storage.GCSCredentialsFile,
				EmulatorHost:    cfg.Storage.GCSEmulatorHost,
				TTL:             cfg.Storage.SignedTTL,
			},
			S3: storageref.S3Config{
				Endpoint:       cfg.Storage.S3Endpoint,
				AccessKey:      cfg.Storage.S3AccessKey,
				SecretKey:      cfg.Storage.S3SecretKey,
				Region:         cfg.Storage.S3Region,
				ForcePathStyle: cfg.Storage.S3ForcePathStyle,
				TTL:            cfg.Storage.SignedTTL,
			},
		})
		if err != nil {
			a.Stores.Close()
			return nil, err
		}
		resolver = r
		a.closeResolver = closer
	}

	cacheOpts := []content.Option{content.WithResolver(resolver)}
	if o.httpClient != nil {
		cacheOpts = append(cacheOpts, content.WithHTTPClient(o.httpClient))
	}
	cache, err := content.Open(content.Config{
		Dir:             cfg.CacheDir(),
		AllowedHosts:    cfg.AllowedHosts,
		StalePeriod:     cfg.CacheStalePeriod,
		MaxObjects:      cfg.CacheMaxObjects,
		DownloadTimeout: cfg.DownloadTimeout,
		ResolveTimeout:  cfg.ResolveTimeout,
		SizeMemoWindow:  cfg.SizeMemoWindow,
		OrphanGrace:     cfg.CacheOrphanGrace,
	}, cacheOpts...)
	if err != nil {
		a.closeResolver()
		a.Stores.Close()
		return nil, err
	}
	a.Cache = cache

	a.Remote = remote.NewClient(cfg.APIBaseURL, cfg.DownloadTimeout)
	a.Engine = syncpkg.NewSyncEngine(a.Stores, a.Cache, a.Remote, a.Monitor,
		syncpkg.WithSolutionTTL(cfg.SolutionTTL),
		syncpkg.WithSyncTimeout(cfg.SyncTimeout))

	a.Queue = queue.NewActionQueue(a.Stores,
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithActionTimeout(cfg.ActionTimeout),
		queue.WithSyncedHorizon(cfg.SyncedHorizon),
	)
	a.Queue.RegisterDefaults(a.Remote)

	a.Scheduler = scheduler.NewScheduler(scheduler.Deps{
		Engine:  a.Engine,
		Queue:   a.Queue,
		Stores:  a.Stores,
		Cache:   a.Cache,
		Monitor: a.Monitor,
		Session: a.Session,
	}, &scheduler.SchedulerConfig{
		SyncInterval:    cfg.SyncInterval,
		QueueInterval:   cfg.DrainInterval,
		CleanupInterval: cfg.CleanupInterval,
	})

	if a.OfflineAvailable() {
		if _, err := a.Scheduler.RunMaintenance(ctx); err != nil {
			logging.Warn("Startup sweep incomplete", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Info("Offline engine ready", map[string]interface{}{
		"online":            a.Monitor.IsOnline(),
		"offline_available": a.OfflineAvailable(),
		"storage_provider":  cfg.Storage.Provider,
	})
	return a, nil
}

// SetSession sets the signed-in user used by background work.
func (a *App) SetSession(owner, token string, limits scheduler.TierLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = scheduler.Session{OwnerID: owner, AuthToken: token, Limits: limits}
	a.hasSession = owner != ""
}

// ClearSession forgets the signed-in user.
func (a *App) ClearSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = scheduler.Session{}
	a.hasSession = false
}

// Session returns the signed-in user, if any.
func (a *App) Session() (scheduler.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session, a.hasSession
}

// Start starts background scheduling.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
}

// OfflineAvailable reports whether the local store opened successfully.
func (a *App) OfflineAvailable() bool {
	return a.Stores.Status() == db.StatusReady
}

// StatusReport summarizes the engine for hosts and the CLI.
type StatusReport struct {
	Online           bool                      `json:"online"`
	OfflineAvailable bool                      `json:"offline_available"`
	StoreStatus      db.Status                 `json:"store_status"`
	CacheBytes       int64                     `json:"cache_bytes"`
	CacheObjects     int                       `json:"cache_objects"`
	SolutionCount    int                       `json:"solution_count"`
	Cursor           *models.SyncCursor        `json:"cursor,omitempty"`
	Scheduler        scheduler.SchedulerStatus `json:"scheduler"`
}

// Status collects a StatusReport. Missing parts are left zero.
func (a *App) Status(ctx context.Context) *StatusReport {
	report := &StatusReport{
		Online:           a.Monitor.IsOnline(),
		OfflineAvailable: a.OfflineAvailable(),
		StoreStatus:      a.Stores.Status(),
		Scheduler:        a.Scheduler.GetStatus(ctx),
	}
	if size, err := a.Cache.SizeBytes(false); err == nil {
		report.CacheBytes = size
	}
	if n, err := a.Cache.Count(); err == nil {
		report.CacheObjects = n
	}
	if session, ok := a.Session(); ok {
		if n, err := a.Stores.Store().CountSolutions(ctx, session.OwnerID); err == nil {
			report.SolutionCount = n
		}
		if cursor, err := a.Engine.Status(ctx, session.OwnerID); err == nil {
			report.Cursor = cursor
		}
	}
	return report
}

// ClearOwner removes one user's records, then releases the blobs no other
// record still uses.
func (a *App) ClearOwner(ctx context.Context, owner string) (int, error) {
	store := a.Stores.Store()
	result, err := store.ClearForOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	live, err := store.LiveBlobRefs(ctx)
	if err != nil {
		logging.Warn("Failed to release cleared blobs", map[string]interface{}{"error": err.Error()})
		return result.DeletedCount, nil
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, ref := range live {
		liveSet[ref] = struct{}{}
	}
	released := make([]models.BlobRef, 0, len(result.RemovedBlobRefs))
	for _, ref := range result.RemovedBlobRefs {
		if _, ok := liveSet[ref.URL]; ok && ref.URL != "" {
			continue
		}
		released = append(released, ref)
	}
	a.Cache.ReleaseRefs(released)
	if _, err := a.Cache.ReconcileOrphans(ctx, live); err != nil {
		logging.Warn("Failed to release cleared blobs", map[string]interface{}{"error": err.Error()})
	}
	return result.DeletedCount, nil
}

// ClearAll wipes the store, then the blob cache. A failed store wipe leaves
// the cache untouched so no remaining record points at a deleted blob.
func (a *App) ClearAll(ctx context.Context) error {
	if _, err := a.Stores.Store().ClearAll(ctx); err != nil {
		return err
	}
	return a.Cache.Clear()
}

// Close stops background work and releases every component.
func (a *App) Close() error {
	a.Scheduler.Stop()

	var firstErr error
	for _, closeFn := range []func() error{a.Cache.Close, a.closeResolver, a.Stores.Close} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
