// Package storage persists tracked items, rank history and statistics.
package storage

import (
	"context"
	"errors"
	"time"

	"shoprank/pkg/types"
)

// ErrNotConfigured is returned when no database is configured.
var ErrNotConfigured = errors.New("storage not configured")

// Store is the persistence collaborator of the scheduler and the queue.
type Store interface {
	ListActiveTrackedItems(ctx context.Context) ([]types.TrackedItem, error)
	ListTrackedItems(ctx context.Context) ([]types.TrackedItem, error)
	SaveTrack(ctx context.Context, itemID int64, res types.RankResult) error
	ListTracks(ctx context.Context, itemID int64, start, end time.Time) ([]types.Track, error)
	ComputeStatistics(ctx context.Context, itemID int64, period types.PeriodKind, start, end time.Time) (*types.StatSummary, error)
	SaveStatistic(ctx context.Context, sum *types.StatSummary) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (types.PurgeSummary, error)
	Close() error
}

func checkedAt(res types.RankResult) time.Time {
	if res.CheckedAt.IsZero() {
		return time.Now().UTC()
	}
	return res.CheckedAt.UTC()
}
