// Package store persists provider manifests and load history using SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Webinfinity/embedly/internal/provider"
)

// ErrNotFound is returned when a lookup has no rows.
var ErrNotFound = errors.New("not found")

// Load outcomes stored in LoadRecord.Outcome.
const (
	OutcomeLoaded = "loaded"
	OutcomeFailed = "failed"
)

// LoadRecord is one completed manifest load attempt.
type LoadRecord struct {
	ID        string // registry load ID
	Outcome   string // 'loaded', 'failed'
	Refresh   bool
	Providers int
	Kind      string // failure kind: 'network', 'status', 'decode'
	Error     string
	Timestamp time.Time
}

// Snapshot is a persisted manifest.
type Snapshot struct {
	ID        string
	FetchedAt time.Time
	Providers []provider.Provider
}

// Store defines the interface for data persistence.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, id string, providers []provider.Provider, fetchedAt time.Time) error
	LatestSnapshot(ctx context.Context) (id string, providers []provider.Provider, fetchedAt time.Time, err error)

	// Load history
	RecordLoad(ctx context.Context, rec *LoadRecord) error
	ListLoads(ctx context.Context, limit int) ([]*LoadRecord, error)

	// Maintenance
	Prune(ctx context.Context, keep int) (deleted int64, err error)
	Close() error
}

var _ provider.SnapshotStore = Store(nil)
