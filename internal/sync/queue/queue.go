// Package queue provides the durable queue of user actions recorded while offline.
// Actions are stored in the local store and delivered to the remote API when a
// drain runs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
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
	"github.com/studysync/offlinecore/internal/uuid"
)

// Built-in action types.
const (
	ActionSubmitAnswer       = "submit_answer"
	ActionCompleteQuiz       = "complete_quiz"
	ActionMarkSolutionViewed = "mark_solution_viewed"
)

// Defaults for queue tuning.
const (
	DefaultMaxRetries    = 3
	DefaultActionTimeout = 30 * time.Second
	DefaultSyncedHorizon = 24 * time.Hour
)

// defaultRoutes maps built-in action types to their endpoints.
var defaultRoutes = map[string]string{
	ActionSubmitAnswer:       "/v1/actions/submit-answer",
	ActionCompleteQuiz:       "/v1/actions/complete-quiz",
	ActionMarkSolutionViewed: "/v1/actions/solution-viewed",
}

// Handler delivers one action. A nil error means the remote accepted it.
type Handler interface {
	Handle(ctx context.Context, token string, action *models.PendingAction) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, token string, action *models.PendingAction) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, token string, action *models.PendingAction) error {
	return f(ctx, token, action)
}

// PostHandler sends the stored payload verbatim to Path.
type PostHandler struct {
	API  remote.ActionAPI
	Path string
}

// Handle posts the action with its idempotency key.
func (h PostHandler) Handle(ctx context.Context, token string, action *models.PendingAction) error {
	_, err := h.API.PostAction(ctx, token, h.Path, action.IdempotencyKey, action.Payload)
	return err
}

// StoreProvider hands out the current local store.
type StoreProvider interface {
	Store() db.Store
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Unroutable int    `json:"unroutable"`
	Error      string `json:"error,omitempty"`
}

// Processed returns the number of actions the pass looked at.
func (r *DrainResult) Processed() int {
	return r.Synced + r.Failed + r.Skipped + r.Unroutable
}

// Option configures an ActionQueue.
type Option func(*ActionQueue)

// WithMaxRetries sets the failure count after which an action is quarantined.
func WithMaxRetries(n int) Option {
	return func(q *ActionQueue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithActionTimeout bounds each delivery.
func WithActionTimeout(d time.Duration) Option {
	return func(q *ActionQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithSyncedHorizon sets how long delivered actions are kept.
func WithSyncedHorizon(d time.Duration) Option {
	return func(q *ActionQueue) {
		if d > 0 {
			q.horizon = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *ActionQueue) {
		q.now = now
	}
}

// ActionQueue records actions durably and delivers them in queue order.
type ActionQueue struct {
	stores     StoreProvider
	maxRetries int
	timeout    time.Duration
	horizon    time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	group      singleflight.Group
	ownerLocks sync.Map // owner -> *sync.Mutex
}

// NewActionQueue creates a queue over the given store.
func NewActionQueue(stores StoreProvider, opts ...Option) *ActionQueue {
	q := &ActionQueue{
		stores:     stores,
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultActionTimeout,
		horizon:    DefaultSyncedHorizon,
		now:        time.Now,
		handlers:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for actionType, replacing any previous one.
func (q *ActionQueue) Register(actionType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[actionType] = h
}

// RegisterDefaults routes the built-in action types to api.
func (q *ActionQueue) RegisterDefaults(api remote.ActionAPI) {
	for actionType, path := range defaultRoutes {
		q.Register(actionType, PostHandler{API: api, Path: path})
	}
}

func (q *ActionQueue) handler(actionType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[actionType]
	return h, ok
}

// MaxRetries returns the quarantine threshold.
func (q *ActionQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue stores a new action with a fresh idempotency key. The payload is kept
// byte for byte and must be valid JSON when non-empty.
func (q *ActionQueue) Enqueue(ctx context.Context, owner, actionType string, payload []byte) (*models.PendingAction, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(actionType) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "owner and action type are required")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, apperrors.New(apperrors.ErrValidation, "payload is not valid JSON")
	}

	action := &models.PendingAction{
		OwnerUserID:    owner,
		ActionType:     actionType,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: uuid.New(),
		QueuedAt:       q.now().UnixMilli(),
	}
	if err := q.stores.Store().EnqueueAction(ctx, action); err != nil {
		return nil, err
	}

	logging.Debug("Enqueued action", map[string]interface{}{
		"action_id":   action.ID,
		"action_type": actionType,
	})
	return action, nil
}

// Drain delivers owner's pending actions in queue order. Quarantined actions are
// skipped, a failure never blocks later actions, and concurrent drains for the
// same owner and token share one pass. A drain with a different token for the
// same owner waits for the running pass and then runs its own.
func (q *ActionQueue) Drain(ctx context.Context, owner, token string) *DrainResult {
	v, _, _ := q.group.Do(owner+"\x00"+token, func() (interface{}, error) {
		lock := q.ownerLock(owner)
		lock.Lock()
		defer lock.Unlock()
		return q.drain(ctx, owner, token), nil
	})
	return v.(*DrainResult)
}

func (q *ActionQueue) ownerLock(owner string) *sync.Mutex {
	v, _ := q.ownerLocks.LoadOrStore(owner, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (q *ActionQueue) drain(ctx context.Context, owner, token string) *DrainResult {
	result := &DrainResult{}

	ctx, span := telemetry.StartSpan(ctx, "queue.Drain")
	defer func() {
		metrics.RecordActions(result.Synced, result.Failed, result.Skipped, result.Unroutable)
		telemetry.AddSpanAttributes(ctx,
			attribute.Int("queue.synced", result.Synced),
			attribute.Int("queue.failed", result.Failed),
			attribute.Int("queue.skipped", result.Skipped),
		)
		telemetry.EndSpan(span, nil)
	}()

	store := q.stores.Store()
	actions, err := store.ListPendingActions(ctx, owner)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			break
		}

		if action.IsQuarantined(q.maxRetries) {
			result.Skipped++
			continue
		}

		h, ok := q.handler(action.ActionType)
		if !ok {
			logging.Warn("Dropping action of unknown type", map[string]interface{}{
				"action_id":   action.ID,
				"action_type": action.ActionType,
				"code":        string(apperrors.ErrUnknownActionType),
			})
			if err := store.MarkActionSynced(ctx, action.ID); err != nil {
				logging.Error("Failed to mark action synced", err, map[string]interface{}{"action_id": action.ID})
			}
			result.Unroutable++
			continue
		}

		if err := q.dispatch(ctx, h, token, action); err != nil {
			result.Failed++
			q.recordFailure(ctx, store, action, err)
			continue
		}

		if err := store.MarkActionSynced(ctx, action.ID); err != nil {
			// Delivered but not recorded; the idempotency key makes the resend safe.
			result.Failed++
			logging.Error("Failed to mark action synced", err, map[string]interface{}{"action_id": action.ID})
			continue
		}
		result.Synced++
	}

	if result.Processed() > 0 {
		logging.Info("Drained action queue", map[string]interface{}{
			"user_id":    owner,
			"synced":     result.Synced,
			"failed":     result.Failed,
			"skipped":    result.Skipped,
			"unroutable": result.Unroutable,
		})
	}
	return result
}

// dispatch runs h under the action timeout and turns a panic into an error.
func (q *ActionQueue) dispatch(ctx context.Context, h Handler, token string, action *models.PendingAction) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrInternal, fmt.Sprintf("action handler panicked: %v", r))
		}
	}()
	return h.Handle(ctx, token, action)
}

func (q *ActionQueue) recordFailure(ctx context.Context, store db.Store, action *models.PendingAction, cause error) {
	retries, err := store.IncrementActionRetry(ctx, action.ID, cause.Error())
	if err != nil {
		logging.Error("Failed to record action retry", err, map[string]interface{}{"action_id": action.ID})
		return
	}
	if retries >= q.maxRetries {
		logging.ErrorWithCode("Action quarantined", string(apperrors.ErrMaxRetriesExceeded), cause,
			map[string]interface{}{
				"action_id":   action.ID,
				"action_type": action.ActionType,
				"retries":     retries,
			})
		return
	}
	logging.Warn("Action delivery failed", map[string]interface{}{
		"action_id": action.ID,
		"retry":     fmt.Sprintf("%d/%d", retries, q.maxRetries),
		"error":     cause.Error(),
	})
}

// CleanupSynced deletes delivered actions older than the synced horizon.
func (q *ActionQueue) CleanupSynced(ctx context.Context) (int, error) {
	return q.stores.Store().DeleteSyncedActionsBefore(ctx, q.now().Add(-q.horizon))
}

// Pending returns owner's undelivered actions in queue order.
func (q *ActionQueue) Pending(ctx context.Context, owner string) ([]*models.PendingAction, error) {
	return q.stores.Store().ListPendingActions(ctx, owner)
}

// Stats returns queue statistics for owner.
func (q *ActionQueue) Stats(ctx context.Context, owner string) (map[string]int, error) {
	actions, err := q.Pending(ctx, owner)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"pending":     0,
		"ready":       0,
		"retrying":    0,
		"quarantined": 0,
	}
	for _, action := range actions {
		stats["pending"]++
		switch {
		case action.IsQuarantined(q.maxRetries):
			stats["quarantined"]++
		case action.RetryCount > 0:
			stats["retrying"]++
		default:
			stats["ready"]++
		}
	}
	return stats, nil
}
