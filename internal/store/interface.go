package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a snapshot or metadata key is absent.
var ErrNotFound = errors.New("not found")

// Store is the durable on-device cache. It holds one wholesale JSON snapshot
// per collection, the last known good endpoint URL, and the sync session
// history.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, collection string, docs []byte) error
	GetSnapshot(ctx context.Context, collection string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, collection string) error

	// Endpoint
	SaveEndpoint(ctx context.Context, url string) error
	GetEndpoint(ctx context.Context) (string, error)
	DeleteEndpoint(ctx context.Context) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Clear(ctx context.Context) error
	Close() error
}
