package db

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
)

// OpenFunc opens and migrates a Store. Tests substitute it to simulate an
// engine that cannot start on the current platform.
type OpenFunc func(ctx context.Context, dataDir string, opts ...Option) (Store, error)

// OpenRepository opens the SQLite database in dataDir, applies migrations and
// returns a ready Repository.
func OpenRepository(ctx context.Context, dataDir string, opts ...Option) (Store, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open local store", err)
	}
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to reach local store", err)
	}
	if err := Migrate(database.DB); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to migrate local store", err)
	}
	return NewRepository(database.DB, opts...), nil
}

// Manager owns the lifecycle of the local store.
//
// Initialize is idempotent and concurrent callers share one in-flight open. If the
// open fails the manager settles on an Unavailable store and keeps it until Reset,
// so callers see a stable "offline mode unavailable" status instead of repeated errors.
type Manager struct {
	dataDir string
	opts    []Option
	open    OpenFunc
	group   singleflight.Group

	mu    sync.RWMutex
	store Store
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOpenFunc replaces the function used to open the store.
func WithOpenFunc(fn OpenFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.open = fn
		}
	}
}

// WithRepositoryOptions passes options through to the Repository.
func WithRepositoryOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.opts = append(m.opts, opts...)
	}
}

// NewManager creates a Manager for the store kept in dataDir.
func NewManager(dataDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		dataDir: dataDir,
		open:    OpenRepository,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize opens the store once. It always returns a usable Store value; the
// error reports why the store is Unavailable when initialization failed.
func (m *Manager) Initialize(ctx context.Context) (Store, error) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store != nil {
		return store, unavailableCause(store)
	}

	v, _, _ := m.group.Do("init", func() (interface{}, error) {
		m.mu.RLock()
		existing := m.store
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opened, err := m.open(ctx, m.dataDir, m.opts...)
		if err != nil {
			logging.ErrorWithCode("Local store unavailable, continuing online-only",
				string(apperrors.CodeOf(err)), err, map[string]interface{}{
					"data_dir": m.dataDir,
				})
			opened = NewUnavailable(err)
		} else {
			logging.Info("Local store ready", map[string]interface{}{
				"data_dir": m.dataDir,
			})
		}

		m.mu.Lock()
		m.store = opened
		m.mu.Unlock()
		return opened, nil
	})

	store = v.(Store)
	return store, unavailableCause(store)
}

// Store returns the current store, or an Unavailable store if Initialize has
// not completed.
func (m *Manager) Store() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return NewUnavailable(apperrors.New(apperrors.ErrNotInitialized, "local store not initialized"))
	}
	return m.store
}

// Status reports the lifecycle status of the store.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return StatusUninitialized
	}
	return m.store.Status()
}

// Reset closes the current store and forgets any sticky failure so the next
// Initialize tries again. Reset on an uninitialized manager is a no-op.
func (m *Manager) Reset() error {
	m.mu.Lock()
	store := m.store
	m.store = nil
	m.mu.Unlock()

	if store == nil {
		return nil
	}
	return store.Close()
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.Reset()
}

func unavailableCause(s Store) error {
	if u, ok := s.(*Unavailable); ok {
		if u.Cause() != nil {
			return u.Cause()
		}
		return ErrUnavailable
	}
	return nil
}
