// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studysync/offlinecore/internal/db"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/remote"
)

// fakeHistory serves a fixed page and counts fetches.
type fakeHistory struct {
	items   []remote.RemoteSolution
	err     error
	release chan struct{}
	calls   int32

	mu        gosync.Mutex
	lastSince time.Time
	lastLimit int
}

func (f *fakeHistory) FetchSolutions(ctx context.Context, token string, since time.Time, limit int) ([]remote.RemoteSolution, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.lastSince, f.lastLimit = since, limit
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeMonitor struct {
	online atomic.Bool
}

func (m *fakeMonitor) IsOnline() bool {
	return m.online.Load()
}

// fakeCache "caches" every URL except those marked failing.
type fakeCache struct {
	mu       gosync.Mutex
	failing  map[string]bool
	cached   []string
	released []models.BlobRef
}

func (c *fakeCache) CacheBlob(ctx context.Context, rawURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing[rawURL] {
		return "", apperrors.New(apperrors.ErrUntrustedDomain, "host not allowed")
	}
	c.cached = append(c.cached, rawURL)
	return "/cache/" + strings.TrimPrefix(rawURL, "https://"), nil
}

func (c *fakeCache) ReleaseRefs(refs []models.BlobRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, refs...)
	return len(refs)
}

func setupEngine(t *testing.T, history *fakeHistory) (*SyncEngine, db.Store, *fakeCache, *fakeMonitor) {
	t.Helper()
	store, err := db.OpenRepository(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := &fakeCache{failing: map[string]bool{}}
	monitor := &fakeMonitor{}
	monitor.online.Store(true)
	return NewSyncEngine(StaticStore{S: store}, cache, history, monitor), store, cache, monitor
}

func remoteSolution(id, image string, ts int64) remote.RemoteSolution {
	return remote.RemoteSolution{
		ID:        id,
		Question:  "question " + id,
		Timestamp: ts,
		ImageRef:  image,
		Payload:   json.RawMessage(`{"steps":["a"]}`),
	}
}

// TestSyncSolutions_storesPage verifies records, images, progress and cursor.
func TestSyncSolutions_storesPage(t *testing.T) {
	history := &fakeHistory{items: []remote.RemoteSolution{
		remoteSolution("s1", "https://cdn.example.com/s1.png", 100),
		remoteSolution("s2", "", 200),
		remoteSolution("s3", "https://cdn.example.com/s3.png", 300),
	}}
	engine, store, cache, _ := setupEngine(t, history)

	var progress []Progress
	since := time.UnixMilli(50)
	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{
		AuthToken:   "tok",
		MaxRetained: 10,
		Since:       since,
		OnProgress:  func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.TotalFetched)
	assert.Equal(t, 3, result.SyncedCount)
	assert.Zero(t, result.FailedCount)
	assert.Len(t, progress, 3)
	assert.Equal(t, Progress{Done: 3, Total: 3, SolutionID: "s3"}, progress[2])
	assert.Equal(t, since, history.lastSince)
	assert.Equal(t, 10, history.lastLimit)
	assert.Len(t, cache.cached, 2)

	s1, err := store.GetSolution(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "/cache/cdn.example.com/s1.png", s1.LocalBlobPath)
	assert.Equal(t, "https://cdn.example.com/s1.png", s1.ImageRef)
	assert.JSONEq(t, `{"steps":["a"]}`, string(s1.Payload))
	assert.NotZero(t, s1.ExpiresAt)

	cursor, err := engine.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, cursor.State)
	assert.NotZero(t, cursor.LastSyncedAt)
}

// TestSyncSolutions_offline verifies the engine refuses to start offline.
func TestSyncSolutions_offline(t *testing.T) {
	history := &fakeHistory{}
	engine, _, _, monitor := setupEngine(t, history)
	monitor.online.Store(false)

	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{MaxRetained: 5})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, string(apperrors.ErrConnectivity))
	assert.Zero(t, atomic.LoadInt32(&history.calls))
}

// TestSyncSolutions_fetchFailure verifies the only propagated error and the error cursor.
func TestSyncSolutions_fetchFailure(t *testing.T) {
	history := &fakeHistory{err: apperrors.New(apperrors.ErrNetwork, "history request returned 502")}
	engine, _, _, _ := setupEngine(t, history)

	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{MaxRetained: 5})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "502")

	cursor, err := engine.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateError, cursor.State)
	assert.Contains(t, cursor.LastError, "502")
}

// TestSyncSolutions_perRecordFailuresCounted verifies a bad record does not abort
// the batch and an image failure does not fail its record.
func TestSyncSolutions_perRecordFailuresCounted(t *testing.T) {
	history := &fakeHistory{items: []remote.RemoteSolution{
		remoteSolution("s1", "https://evil.example.org/x.png", 100),
		remoteSolution("", "", 200),
		remoteSolution("s3", "", 300),
	}}
	engine, store, cache, _ := setupEngine(t, history)
	cache.failing["https://evil.example.org/x.png"] = true

	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{MaxRetained: 10})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.SyncedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, 1, result.ImageFailures)

	s1, err := store.GetSolution(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Empty(t, s1.LocalBlobPath)
}

// TestSyncSolutions_concurrentCallersShareRun verifies single-flight per owner.
func TestSyncSolutions_concurrentCallersShareRun(t *testing.T) {
	history := &fakeHistory{
		items:   []remote.RemoteSolution{remoteSolution("s1", "", 1)},
		release: make(chan struct{}),
	}
	engine, _, _, _ := setupEngine(t, history)

	const callers = 5
	results := make([]*SyncResult, callers)
	var wg gosync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{MaxRetained: 5})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&history.calls) == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(history.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&history.calls))
	for _, res := range results {
		assert.Same(t, results[0], res)
	}
	assert.Equal(t, 1, results[0].SyncedCount)
}

// TestSyncSolutions_callerCancelDoesNotAbortSharedRun verifies that the first
// caller going away leaves the run intact for callers still waiting.
func TestSyncSolutions_callerCancelDoesNotAbortSharedRun(t *testing.T) {
	history := &fakeHistory{
		items:   []remote.RemoteSolution{remoteSolution("s1", "", 1)},
		release: make(chan struct{}),
	}
	engine, store, _, _ := setupEngine(t, history)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.SyncSolutions(firstCtx, "u1", SyncOptions{MaxRetained: 5})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&history.calls) == 1 },
		time.Second, 5*time.Millisecond)

	type outcome struct {
		res *SyncResult
		err error
	}
	secondDone := make(chan outcome, 1)
	go func() {
		res, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{MaxRetained: 5})
		secondDone <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstDone:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(history.release)
	select {
	case out := <-secondDone:
		require.NoError(t, out.err)
		require.NotNil(t, out.res)
		assert.True(t, out.res.Success)
		assert.Equal(t, 1, out.res.SyncedCount)
	case <-time.After(time.Second):
		t.Fatal("waiting caller never got a result")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&history.calls))
	_, err := store.GetSolution(context.Background(), "u1", "s1")
	assert.NoError(t, err)
}

// TestSyncSolutions_runTimesOut verifies the engine bounds a shared run.
func TestSyncSolutions_runTimesOut(t *testing.T) {
	history := &fakeHistory{release: make(chan struct{})}
	defer close(history.release)
	store, err := db.OpenRepository(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	engine := NewSyncEngine(StaticStore{S: store}, nil, history, nil, WithSyncTimeout(50*time.Millisecond))

	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

// TestSyncSolutions_evictsAndReleasesBlobs verifies retention and shared blob handling.
func TestSyncSolutions_evictsAndReleasesBlobs(t *testing.T) {
	ctx := context.Background()
	shared := "https://cdn.example.com/shared.png"
	history := &fakeHistory{items: []remote.RemoteSolution{
		remoteSolution("new1", shared, 1000),
		remoteSolution("new2", "", 2000),
	}}
	engine, store, cache, _ := setupEngine(t, history)

	for i, img := range []string{shared, "https://cdn.example.com/old2.png"} {
		require.NoError(t, store.PutSolution(ctx, &models.CachedSolution{
			SolutionID:     "old" + string(rune('1'+i)),
			OwnerUserID:    "u1",
			Question:       "old",
			ImageRef:       img,
			LastAccessedAt: int64(i + 1),
			CachedAt:       int64(i + 1),
		}))
	}

	result, err := engine.SyncSolutions(ctx, "u1", SyncOptions{MaxRetained: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Evicted)

	n, err := store.CountSolutions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = store.GetSolution(ctx, "u1", "old1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	require.Len(t, cache.released, 1, "blob still used by new1 is kept")
	assert.Equal(t, "https://cdn.example.com/old2.png", cache.released[0].URL)
	assert.Equal(t, 1, result.BlobsReleased)
}

// TestSyncSolutions_storeUnavailable verifies a degraded store is reported, not returned.
func TestSyncSolutions_storeUnavailable(t *testing.T) {
	history := &fakeHistory{}
	engine := NewSyncEngine(StaticStore{S: db.NewUnavailable(errors.New("disk full"))}, nil, history, nil)

	result, err := engine.SyncSolutions(context.Background(), "u1", SyncOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, string(apperrors.ErrStoreUnavailable))
	assert.Zero(t, atomic.LoadInt32(&history.calls))

	err = engine.CacheSingle(context.Background(), &models.CachedSolution{SolutionID: "s1"}, "u1", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrStoreUnavailable))
}

// TestSyncSolutions_requiresOwner verifies input validation.
func TestSyncSolutions_requiresOwner(t *testing.T) {
	engine, _, _, _ := setupEngine(t, &fakeHistory{})
	_, err := engine.SyncSolutions(context.Background(), " ", SyncOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestCacheSingle verifies the image is cached before the record is written.
func TestCacheSingle(t *testing.T) {
	ctx := context.Background()
	engine, store, cache, _ := setupEngine(t, &fakeHistory{})

	err := engine.CacheSingle(ctx, &models.CachedSolution{
		SolutionID: "s9",
		Question:   "2+2",
		Timestamp:  42,
	}, "u1", "https://cdn.example.com/s9.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/s9.png"}, cache.cached)

	got, err := store.GetSolution(ctx, "u1", "s9")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerUserID)
	assert.Equal(t, "/cache/cdn.example.com/s9.png", got.LocalBlobPath)
	assert.NotZero(t, got.ExpiresAt)

	err = engine.CacheSingle(ctx, &models.CachedSolution{}, "u1", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestStatus_neverSynced verifies the default cursor.
func TestStatus_neverSynced(t *testing.T) {
	engine, _, _, _ := setupEngine(t, &fakeHistory{})
	cursor, err := engine.Status(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, cursor.State)
	assert.Zero(t, cursor.LastSyncedAt)
}
