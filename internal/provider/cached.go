package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore persists fetched manifests.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, id string, providers []Provider, fetchedAt time.Time) error
	LatestSnapshot(ctx context.Context) (id string, providers []Provider, fetchedAt time.Time, err error)
}

// CachedFetcher wraps a Fetcher with a persisted last-known-good manifest.
// Successful fetches are saved; when the primary fails, the newest saved
// manifest younger than MaxAge is returned instead.
type CachedFetcher struct {
	Primary Fetcher
	Store   SnapshotStore
	MaxAge  time.Duration // 0 = any age
	Logger  *slog.Logger
}

// Fetch implements Fetcher.
func (c *CachedFetcher) Fetch(ctx context.Context) ([]Provider, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	providers, err := c.Primary.Fetch(ctx)
	if err == nil {
		if serr := c.Store.SaveSnapshot(ctx, uuid.New().String(), providers, time.Now()); serr != nil {
			logger.Warn("failed to cache provider list", "error", serr)
		}
		return providers, nil
	}

	id, cached, fetchedAt, cerr := c.Store.LatestSnapshot(ctx)
	if cerr != nil {
		logger.Debug("no cached provider list", "error", cerr)
		return nil, err
	}
	if c.MaxAge > 0 && time.Since(fetchedAt) > c.MaxAge {
		logger.Warn("cached provider list too old", "snapshot_id", id, "fetched_at", fetchedAt)
		return nil, err
	}

	logger.Warn("fetch failed, using cached provider list",
		"snapshot_id", id,
		"fetched_at", fetchedAt,
		"providers", len(cached),
		"error", err,
	)
	return cached, nil
}
