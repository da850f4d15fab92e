// Package sync pulls server-side history into the local store and keeps the
// content cache and retention limits in step with it.
package sync

import (
	"context"

	"github.com/studysync/offlinecore/internal/db"
	"github.com/studysync/offlinecore/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// SyncSolutions fetches one page of history for owner and stores it.
	// Only a failed page fetch is returned as an error.
	SyncSolutions(ctx context.Context, owner string, opts SyncOptions) (*SyncResult, error)

	// CacheSingle caches the image of one solution and then stores the record.
	CacheSingle(ctx context.Context, solution *models.CachedSolution, owner, imageURL string) error

	// Status returns the stored sync cursor for owner.
	Status(ctx context.Context, owner string) (*models.SyncCursor, error)
}

// StoreProvider hands out the current local store. db.Manager implements it,
// returning an unavailable store when initialization failed.
type StoreProvider interface {
	Store() db.Store
}

// BlobCache is the part of the content cache the engine uses.
type BlobCache interface {
	CacheBlob(ctx context.Context, rawURL string) (string, error)
	ReleaseRefs(refs []models.BlobRef) int
}

// Reachability reports the last known connectivity state.
type Reachability interface {
	IsOnline() bool
}

// StaticStore adapts a single store to StoreProvider.
type StaticStore struct {
	S db.Store
}

// Store returns the wrapped store.
func (s StaticStore) Store() db.Store {
	return s.S
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
