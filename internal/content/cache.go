// Package content implements the on-disk blob cache for solution images and other
// binary content referenced by cached records.
package content

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/metrics"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/remote"
	"github.com/studysync/offlinecore/internal/storageref"
	"github.com/studysync/offlinecore/internal/telemetry"
)

// Defaults applied when Config fields are zero.
const (
	DefaultStalePeriod     = 30 * 24 * time.Hour
	DefaultMaxObjects      = 200
	DefaultDownloadTimeout = 30 * time.Second
	DefaultResolveTimeout  = 10 * time.Second
	DefaultSizeMemoWindow  = 5 * time.Minute
	DefaultOrphanGrace     = 10 * time.Minute
)

const (
	objectsDir    = "objects"
	indexFileName = "index.db"
)

// Config configures a Cache.
type Config struct {
	Dir             string
	AllowedHosts    []string
	LocalRoots      []string
	StalePeriod     time.Duration
	MaxObjects      int
	DownloadTimeout time.Duration
	ResolveTimeout  time.Duration
	SizeMemoWindow  time.Duration

	// OrphanGrace keeps entries fetched this recently out of ReconcileOrphans,
	// covering the gap between CacheBlob returning and the record being stored.
	OrphanGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.StalePeriod <= 0 {
		c.StalePeriod = DefaultStalePeriod
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = DefaultMaxObjects
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.SizeMemoWindow < 0 {
		c.SizeMemoWindow = 0
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithResolver sets the resolver used for storage:// references.
func WithResolver(r storageref.Resolver) Option {
	return func(c *Cache) {
		c.resolver = r
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cache) {
		c.httpClient = resty.NewWithClient(hc)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// OrphanResult reports what ReconcileOrphans removed.
type OrphanResult struct {
	IndexRemoved int `json:"index_removed"`
	FilesRemoved int `json:"files_removed"`
}

// Cache downloads blobs into a content-addressed directory and tracks them in
// a bbolt index. It is safe for concurrent use.
type Cache struct {
	cfg        Config
	blobs      *blobStore
	index      *index
	validator  *validator
	resolver   storageref.Resolver
	httpClient *resty.Client
	now        func() time.Time

	group  singleflight.Group
	trimMu sync.Mutex

	// writeMu is held shared from writing a blob file until its index entry
	// exists, and exclusively by operations that delete unindexed files.
	writeMu sync.RWMutex

	mu     sync.RWMutex
	closed bool

	sizeMu    sync.Mutex
	sizeBytes int64
	sizeAt    time.Time
	sizeValid bool
}

// Open creates the cache directory and opens its index.
func Open(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "cache directory is required")
	}
	cfg.applyDefaults()

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid cache directory", err)
	}
	cfg.Dir = dir

	blobs, err := newBlobStore(filepath.Join(dir, objectsDir))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to open blob store", err)
	}
	ix, err := openIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to open cache index", err)
	}

	c := &Cache{
		cfg:        cfg,
		blobs:      blobs,
		index:      ix,
		validator:  newValidator(cfg.AllowedHosts, append([]string{dir}, cfg.LocalRoots...)),
		httpClient: resty.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.SetHeader("User-Agent", "offlinecore/1.0")
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.cfg.Dir
}

// Close closes the index. Later calls fail with NotInitialized.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.index.close()
}

func (c *Cache) ready() error {
	if c == nil || c.closed {
		return apperrors.New(apperrors.ErrNotInitialized, "content cache not initialized")
	}
	return nil
}

// =====================================================================================
// Fetching
// =====================================================================================

// CacheBlob makes the blob behind rawURL available on disk and returns its path.
// A fresh cached copy is reused; concurrent requests for the same blob share one
// download.
func (c *Cache) CacheBlob(ctx context.Context, rawURL string) (path string, err error) {
	if c == nil {
		return "", apperrors.New(apperrors.ErrNotInitialized, "content cache not initialized")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return "", err
	}

	ctx, span := telemetry.StartSpan(ctx, "content.CacheBlob")
	defer func() { telemetry.EndSpan(span, err) }()

	src, err := c.validator.check(rawURL)
	if err != nil {
		metrics.RecordBlobFetch("rejected")
		return "", err
	}
	telemetry.AddSpanAttributes(ctx, attribute.String("cache.key_hash", hashKey(src.key)[:12]))

	if src.localPath != "" {
		if _, statErr := os.Stat(src.localPath); statErr != nil {
			return "", apperrors.Wrap(apperrors.ErrNotFound, "local file missing", statErr)
		}
		return src.localPath, nil
	}

	if entry, _ := c.index.get(src.key); entry != nil && entry.IsFresh(c.now()) {
		if _, statErr := os.Stat(entry.Path); statErr == nil {
			metrics.RecordBlobFetch("hit")
			return entry.Path, nil
		}
	}

	v, err, _ := c.group.Do(src.key, func() (interface{}, error) {
		return c.fetch(ctx, src)
	})
	if err != nil {
		metrics.RecordBlobFetch("failed")
		logging.Warn("Blob download failed", map[string]interface{}{
			"key_hash": hashKey(src.key)[:12],
			"code":     string(apperrors.CodeOf(err)),
		})
		return "", err
	}
	metrics.RecordBlobFetch("downloaded")
	return v.(string), nil
}

// GetOrFetch returns the blob bytes, downloading them when no fresh copy exists.
func (c *Cache) GetOrFetch(ctx context.Context, rawURL string) ([]byte, error) {
	path, err := c.CacheBlob(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnknown, "failed to read cached blob", err)
	}
	return data, nil
}

func (c *Cache) fetch(ctx context.Context, src *source) (string, error) {
	target := src.httpsURL
	if src.ref != nil {
		resolved, err := c.resolve(ctx, *src.ref)
		if err != nil {
			return "", err
		}
		target = resolved
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	resp, err := c.httpClient.R().
		SetContext(dctx).
		SetDoNotParseResponse(true).
		Get(target)
	if err != nil {
		return "", downloadErr(err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return "", apperrors.New(apperrors.ErrNetwork,
			"download returned "+strconv.Itoa(resp.StatusCode()))
	}

	path, err := c.store(src.key, body)
	if err != nil {
		return "", err
	}
	c.invalidateSize()

	if err := c.trim(); err != nil {
		logging.Warn("Failed to trim blob cache", map[string]interface{}{"error": err.Error()})
	}
	return path, nil
}

// store writes the blob file and its index entry as one step with respect to
// Clear and ReconcileOrphans.
func (c *Cache) store(key string, body io.Reader) (string, error) {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()

	path, size, err := c.blobs.write(key, body)
	if err != nil {
		return "", downloadErr(err)
	}
	entry := &models.CacheBlob{
		Key:        key,
		Path:       path,
		Size:       size,
		FetchedAt:  c.now().UnixMilli(),
		StaleAfter: c.cfg.StalePeriod.Milliseconds(),
	}
	if err := c.index.put(entry); err != nil {
		_ = c.blobs.remove(path)
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to index blob", err)
	}
	return path, nil
}

func (c *Cache) resolve(ctx context.Context, ref storageref.Ref) (string, error) {
	if c.resolver == nil {
		return "", apperrors.New(apperrors.ErrStorageResolution, "no storage resolver configured")
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveTimeout)
	defer cancel()

	resolved, err := c.resolver.Resolve(rctx, ref)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) || remote.IsTimeout(err) {
			return "", apperrors.Wrap(apperrors.ErrTimeout, "storage reference resolution timed out", err)
		}
		if apperrors.Is(err, apperrors.ErrStorageResolution) {
			return "", err
		}
		return "", apperrors.Wrap(apperrors.ErrStorageResolution, "failed to resolve storage reference", err)
	}
	return resolved, nil
}

func downloadErr(err error) error {
	if remote.IsTimeout(err) {
		return apperrors.Wrap(apperrors.ErrTimeout, "download timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "download failed", err)
}

// trim drops the oldest-fetched entries beyond MaxObjects.
func (c *Cache) trim() error {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	entries, err := c.index.all()
	if err != nil {
		return err
	}
	excess := len(entries) - c.cfg.MaxObjects
	if excess <= 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FetchedAt != entries[j].FetchedAt {
			return entries[i].FetchedAt < entries[j].FetchedAt
		}
		return entries[i].Key < entries[j].Key
	})
	for _, entry := range entries[:excess] {
		if err := c.dropEntry(entry); err != nil {
			return err
		}
	}
	c.invalidateSize()
	return nil
}

func (c *Cache) dropEntry(entry *models.CacheBlob) error {
	if entry.Path != "" {
		if err := c.blobs.remove(entry.Path); err != nil {
			return err
		}
	}
	return c.index.delete(entry.Key)
}

// =====================================================================================
// Size and quota
// =====================================================================================

// SizeBytes returns the total size of cached blobs. The value is memoized for
// SizeMemoWindow unless forceRefresh is set.
func (c *Cache) SizeBytes(forceRefresh bool) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.size(forceRefresh)
}

func (c *Cache) size(forceRefresh bool) (int64, error) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()

	now := c.now()
	if !forceRefresh && c.sizeValid && now.Sub(c.sizeAt) < c.cfg.SizeMemoWindow {
		return c.sizeBytes, nil
	}

	total, err := c.blobs.totalSize()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to measure cache", err)
	}
	c.sizeBytes = total
	c.sizeAt = now
	c.sizeValid = true
	metrics.RecordCacheBytes(total)
	return total, nil
}

func (c *Cache) invalidateSize() {
	c.sizeMu.Lock()
	c.sizeValid = false
	c.sizeMu.Unlock()
}

// EnforceQuota wipes the whole cache when it exceeds maxBytes. A non-positive
// quota wipes unconditionally. It reports whether a wipe happened.
func (c *Cache) EnforceQuota(maxBytes int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return false, err
	}

	if maxBytes > 0 {
		size, err := c.size(false)
		if err != nil {
			return false, err
		}
		if size <= maxBytes {
			return false, nil
		}
		logging.Info("Blob cache over quota, wiping", map[string]interface{}{
			"size_bytes":  size,
			"quota_bytes": maxBytes,
		})
	}
	if err := c.clear(); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every cached blob.
func (c *Cache) Clear() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}
	return c.clear()
}

func (c *Cache) clear() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	if err := c.index.reset(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to reset cache index", err)
	}
	if err := c.blobs.wipe(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to wipe cache", err)
	}

	c.sizeMu.Lock()
	c.sizeBytes = 0
	c.sizeAt = c.now()
	c.sizeValid = true
	c.sizeMu.Unlock()
	metrics.RecordCacheBytes(0)
	return nil
}

// Count returns the number of indexed blobs.
func (c *Cache) Count() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.index.count()
}

// =====================================================================================
// Release
// =====================================================================================

// RemoveBlob evicts the entry for rawURL if present. Missing entries are not an error.
func (c *Cache) RemoveBlob(rawURL string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.removeKey(c.keyFor(rawURL))
	return err
}

// ReleaseRefs evicts the blobs of deleted records and returns how many were removed.
// Failures are logged and skipped.
func (c *Cache) ReleaseRefs(refs []models.BlobRef) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ready() != nil {
		return 0
	}

	released := 0
	for _, ref := range refs {
		if ref.Empty() {
			continue
		}
		if ref.URL != "" {
			removed, err := c.removeKey(c.keyFor(ref.URL))
			if err != nil {
				logging.Warn("Failed to release blob", map[string]interface{}{
					"solution_id": ref.SolutionID,
					"error":       err.Error(),
				})
				continue
			}
			if removed {
				released++
				continue
			}
		}
		if ref.LocalPath != "" && c.blobs.contains(ref.LocalPath) {
			if err := c.blobs.remove(ref.LocalPath); err == nil {
				released++
			}
		}
	}
	if released > 0 {
		c.invalidateSize()
	}
	return released
}

func (c *Cache) removeKey(key string) (bool, error) {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	entry, err := c.index.get(key)
	if err != nil {
		// Unreadable entries are dropped.
		return true, c.index.delete(key)
	}
	if entry == nil {
		return false, nil
	}
	if err := c.dropEntry(entry); err != nil {
		return false, err
	}
	c.invalidateSize()
	return true, nil
}

// keyFor returns the canonical cache key of rawURL. URLs that no longer validate
// are used as-is so stale entries can still be released.
func (c *Cache) keyFor(rawURL string) string {
	src, err := c.validator.check(rawURL)
	if err != nil {
		return rawURL
	}
	return src.key
}

// ReconcileOrphans removes index entries whose key is not in live, entries whose
// file is gone, and files on disk that no entry points at. Entries fetched within
// OrphanGrace are kept even when not live, since their record may not be stored yet.
func (c *Cache) ReconcileOrphans(ctx context.Context, live []string) (*OrphanResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	recent := c.now().Add(-c.cfg.OrphanGrace).UnixMilli()
	liveKeys := make(map[string]struct{}, len(live))
	for _, raw := range live {
		liveKeys[c.keyFor(raw)] = struct{}{}
	}

	entries, err := c.index.all()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to read cache index", err)
	}

	result := &OrphanResult{}
	keep := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, isLive := liveKeys[entry.Key]
		_, statErr := os.Stat(entry.Path)
		if (isLive || entry.FetchedAt > recent) && entry.Path != "" && statErr == nil {
			keep[entry.Path] = struct{}{}
			continue
		}
		if err := c.dropEntry(entry); err != nil {
			return result, apperrors.Wrap(apperrors.ErrInternal, "failed to drop orphan entry", err)
		}
		result.IndexRemoved++
	}

	err = c.blobs.walk(func(path string, _ int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := keep[path]; ok {
			return nil
		}
		if err := c.blobs.remove(path); err != nil {
			return err
		}
		result.FilesRemoved++
		return nil
	})
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrInternal, "failed to scan blob directory", err)
	}

	if result.IndexRemoved > 0 || result.FilesRemoved > 0 {
		c.invalidateSize()
		logging.Info("Removed orphaned blobs", map[string]interface{}{
			"index_removed": result.IndexRemoved,
			"files_removed": result.FilesRemoved,
		})
	}
	return result, nil
}
