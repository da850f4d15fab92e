// Package queue tests for the pending action queue.
package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studysync/offlinecore/internal/db"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/models"
	"github.com/studysync/offlinecore/internal/remote"
	"github.com/studysync/offlinecore/internal/uuid"
)

type fixedStore struct {
	s db.Store
}

func (f fixedStore) Store() db.Store {
	return f.s
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupQueue(t *testing.T, opts ...Option) (*ActionQueue, db.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := db.OpenRepository(context.Background(), t.TempDir(), db.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewActionQueue(fixedStore{s: store}, opts...), store, clock
}

// countingHandler records the actions it sees and fails when err is set.
type countingHandler struct {
	mu    sync.Mutex
	err   error
	calls []int64
}

func (h *countingHandler) Handle(ctx context.Context, token string, action *models.PendingAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, action.ID)
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// TestEnqueue verifies a new action gets an ID, a UUID key and zero retries.
func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t)

	action, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, []byte(`{"answer":"B"}`))
	require.NoError(t, err)
	assert.NotZero(t, action.ID)
	assert.Zero(t, action.RetryCount)
	assert.False(t, action.IsSynced)
	assert.True(t, uuid.IsValid(action.IdempotencyKey))

	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.IdempotencyKey, pending[0].IdempotencyKey)

	_, err = q.Enqueue(ctx, "", ActionSubmitAnswer, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = q.Enqueue(ctx, "u1", ActionSubmitAnswer, []byte(`{not json`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestDrain_postsPayloadVerbatim verifies the default routes and byte-identical bodies.
func TestDrain_postsPayloadVerbatim(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"quiz_id":"q1",  "answer": "C" }`)

	type received struct {
		path, key, auth string
		body            []byte
	}
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{r.URL.Path, r.Header.Get("Idempotency-Key"), r.Header.Get("Authorization"), body})
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	q, _, _ := setupQueue(t)
	q.RegisterDefaults(remote.NewClient(srv.URL, time.Second))

	a1, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, payload)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "u1", ActionCompleteQuiz, []byte(`{"quiz_id":"q1"}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "u1", ActionMarkSolutionViewed, []byte(`{"solution_id":"s1"}`))
	require.NoError(t, err)

	result := q.Drain(ctx, "u1", "tok")
	assert.Equal(t, &DrainResult{Synced: 3}, result)

	require.Len(t, got, 3)
	assert.Equal(t, "/v1/actions/submit-answer", got[0].path)
	assert.Equal(t, payload, got[0].body)
	assert.Equal(t, a1.IdempotencyKey, got[0].key)
	assert.Equal(t, "Bearer tok", got[0].auth)
	assert.Equal(t, "/v1/actions/complete-quiz", got[1].path)
	assert.Equal(t, "/v1/actions/solution-viewed", got[2].path)

	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestDrain_quarantinesAfterMaxRetries verifies a failing action is dispatched
// MaxRetries times and then skipped.
func TestDrain_quarantinesAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	q, store, _ := setupQueue(t)
	h := &countingHandler{err: apperrors.New(apperrors.ErrNetwork, "action request returned 503")}
	q.Register(ActionSubmitAnswer, h)

	action, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, []byte(`{}`))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		assert.Equal(t, &DrainResult{Failed: 1}, q.Drain(ctx, "u1", "tok"), "pass %d", i+1)
	}
	assert.Equal(t, &DrainResult{Skipped: 1}, q.Drain(ctx, "u1", "tok"))
	assert.Equal(t, DefaultMaxRetries, h.count())

	stored, err := store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, stored.RetryCount)
	assert.Contains(t, stored.LastError, "503")
	assert.False(t, stored.IsSynced)

	stats, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats["quarantined"])
	assert.Equal(t, 0, stats["ready"])
}

// TestDrain_noHeadOfLineBlocking verifies a failure does not stop later actions.
func TestDrain_noHeadOfLineBlocking(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t)
	failing := &countingHandler{err: errors.New("boom")}
	ok := &countingHandler{}
	q.Register(ActionSubmitAnswer, failing)
	q.Register(ActionCompleteQuiz, ok)

	_, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "u1", ActionCompleteQuiz, nil)
	require.NoError(t, err)

	assert.Equal(t, &DrainResult{Synced: 1, Failed: 1}, q.Drain(ctx, "u1", "tok"))
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())

	stats, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats["retrying"])
}

// TestDrain_unknownType verifies unroutable actions are dropped, not retried.
func TestDrain_unknownType(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t)

	_, err := q.Enqueue(ctx, "u1", "rate_app", []byte(`{"stars":5}`))
	require.NoError(t, err)

	assert.Equal(t, &DrainResult{Unroutable: 1}, q.Drain(ctx, "u1", "tok"))
	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestDrain_handlerPanicAndTimeout verifies both count as failures.
func TestDrain_handlerPanicAndTimeout(t *testing.T) {
	ctx := context.Background()
	q, store, _ := setupQueue(t, WithActionTimeout(20*time.Millisecond))
	q.Register("panics", HandlerFunc(func(ctx context.Context, token string, a *models.PendingAction) error {
		panic("nil map")
	}))
	q.Register("hangs", HandlerFunc(func(ctx context.Context, token string, a *models.PendingAction) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	p, err := q.Enqueue(ctx, "u1", "panics", nil)
	require.NoError(t, err)
	h, err := q.Enqueue(ctx, "u1", "hangs", nil)
	require.NoError(t, err)

	assert.Equal(t, &DrainResult{Failed: 2}, q.Drain(ctx, "u1", "tok"))

	stored, err := store.GetAction(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "panicked")
	stored, err = store.GetAction(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
}

// TestDrain_concurrentCallersShare verifies one pass per owner at a time.
func TestDrain_concurrentCallersShare(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t)

	release := make(chan struct{})
	var calls int32
	q.Register(ActionSubmitAnswer, HandlerFunc(func(ctx context.Context, token string, a *models.PendingAction) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}))
	_, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, nil)
	require.NoError(t, err)

	results := make([]*DrainResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Drain(ctx, "u1", "tok")
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, results[0].Synced)
}

// TestDrain_newTokenRunsOwnPass verifies a caller with a refreshed token is
// not folded into a pass running with the old one.
func TestDrain_newTokenRunsOwnPass(t *testing.T) {
	ctx := context.Background()
	q, _, _ := setupQueue(t)

	release := make(chan struct{})
	var mu sync.Mutex
	var tokens []string
	q.Register(ActionSubmitAnswer, HandlerFunc(func(ctx context.Context, token string, a *models.PendingAction) error {
		mu.Lock()
		tokens = append(tokens, token)
		first := len(tokens) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return nil
	}))
	_, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var oldResult, newResult *DrainResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		oldResult = q.Drain(ctx, "u1", "old-token")
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = q.Enqueue(ctx, "u1", ActionSubmitAnswer, nil)
	require.NoError(t, err)
	wg.Add(1)
	go func() {
		defer wg.Done()
		newResult = q.Drain(ctx, "u1", "new-token")
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NotSame(t, oldResult, newResult)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "old-token", tokens[0])
	assert.Contains(t, tokens[1:], "new-token")
	assert.Equal(t, 2, oldResult.Synced+newResult.Synced)
}

// TestCleanupSynced verifies only delivered actions past the horizon are removed.
func TestCleanupSynced(t *testing.T) {
	ctx := context.Background()
	q, store, clock := setupQueue(t)
	q.Register(ActionSubmitAnswer, &countingHandler{})

	delivered, err := q.Enqueue(ctx, "u1", ActionSubmitAnswer, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q.Drain(ctx, "u1", "tok").Synced)
	waiting, err := q.Enqueue(ctx, "u1", "unhandled_later", nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := q.CleanupSynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(24 * time.Hour)
	n, err = q.CleanupSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetAction(ctx, delivered.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = store.GetAction(ctx, waiting.ID)
	assert.NoError(t, err)
}

// TestDrain_storeUnavailable verifies the failure is reported in the result.
func TestDrain_storeUnavailable(t *testing.T) {
	q := NewActionQueue(fixedStore{s: db.NewUnavailable(errors.New("corrupt"))})

	result := q.Drain(context.Background(), "u1", "tok")
	assert.Contains(t, result.Error, string(apperrors.ErrStoreUnavailable))

	_, err := q.Enqueue(context.Background(), "u1", ActionSubmitAnswer, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrStoreUnavailable))
}
