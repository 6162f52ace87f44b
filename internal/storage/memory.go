package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"shoprank/pkg/types"
)

// MemoryStore keeps everything in process. It backs the one-shot CLI and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]types.TrackedItem
	tracks map[int64][]types.Track
	stats  map[statKey]*types.StatSummary
}

type statKey struct {
	itemID int64
	period types.PeriodKind
	start  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[int64]types.TrackedItem),
		tracks: make(map[int64][]types.Track),
		stats:  make(map[statKey]*types.StatSummary),
	}
}

// PutItem inserts or replaces item. A zero ID is assigned the next free one.
func (m *MemoryStore) PutItem(item types.TrackedItem) types.TrackedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == 0 {
		m.nextID++
		item.ID = m.nextID
	} else if item.ID > m.nextID {
		m.nextID = item.ID
	}
	m.items[item.ID] = item
	return item
}

func (m *MemoryStore) ListActiveTrackedItems(_ context.Context) ([]types.TrackedItem, error) {
	return m.list(true), nil
}

func (m *MemoryStore) ListTrackedItems(_ context.Context) ([]types.TrackedItem, error) {
	return m.list(false), nil
}

func (m *MemoryStore) list(activeOnly bool) []types.TrackedItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TrackedItem, 0, len(m.items))
	for _, item := range m.items {
		if activeOnly && !item.Active {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) SaveTrack(_ context.Context, itemID int64, res types.RankResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	at := checkedAt(res)
	res.CheckedAt = at
	m.tracks[itemID] = append(m.tracks[itemID], types.Track{ID: m.nextID, ItemID: itemID, Result: res, CheckedAt: at})
	return nil
}

func (m *MemoryStore) ListTracks(_ context.Context, itemID int64, start, end time.Time) ([]types.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Track
	for _, t := range m.tracks[itemID] {
		if !t.CheckedAt.Before(start) && t.CheckedAt.Before(end) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.Before(out[j].CheckedAt) })
	return out, nil
}

func (m *MemoryStore) ComputeStatistics(ctx context.Context, itemID int64, period types.PeriodKind, start, end time.Time) (*types.StatSummary, error) {
	tracks, err := m.ListTracks(ctx, itemID, start, end)
	if err != nil {
		return nil, err
	}
	return types.Summarize(itemID, period, start, end, tracks), nil
}

func (m *MemoryStore) SaveStatistic(_ context.Context, sum *types.StatSummary) error {
	if sum == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sum
	m.stats[statKey{itemID: sum.ItemID, period: sum.Period, start: sum.Start.UnixNano()}] = &cp
	return nil
}

// Statistic returns a saved summary.
func (m *MemoryStore) Statistic(itemID int64, period types.PeriodKind, start time.Time) (*types.StatSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, ok := m.stats[statKey{itemID: itemID, period: period, start: start.UnixNano()}]
	return sum, ok
}

func (m *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (types.PurgeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := types.PurgeSummary{Cutoff: cutoff}
	for id, tracks := range m.tracks {
		kept := tracks[:0]
		for _, t := range tracks {
			if t.CheckedAt.Before(cutoff) {
				summary.TracksDeleted++
				continue
			}
			kept = append(kept, t)
		}
		m.tracks[id] = kept
	}
	for key, sum := range m.stats {
		if sum.End.Before(cutoff) {
			delete(m.stats, key)
			summary.StatsDeleted++
		}
	}
	return summary, nil
}

func (m *MemoryStore) Close() error { return nil }
