package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shoprank/pkg/types"
)

// ProgressMirror receives a copy of every progress change so other
// processes can serve status reads.
type ProgressMirror interface {
	Put(ctx context.Context, p types.SearchProgress) error
	Delete(ctx context.Context, itemID int64) error
}

// validTransitions lists the allowed status changes. The empty status is
// the state of an item with no record.
var validTransitions = map[types.ProgressStatus][]types.ProgressStatus{
	"":                    {types.StatusSearching},
	types.StatusSearching: {types.StatusCompleted, types.StatusRetrying, types.StatusFailed},
	types.StatusRetrying:  {types.StatusSearching},
	types.StatusCompleted: {types.StatusSearching},
	types.StatusFailed:    {types.StatusSearching},
}

// CanTransition reports whether from -> to is a legal progress change.
func CanTransition(from, to types.ProgressStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// progressRegistry holds one SearchProgress per item. The drain loop is the
// only writer; status readers may run concurrently.
type progressRegistry struct {
	mu        sync.RWMutex
	entries   map[int64]types.SearchProgress
	retention time.Duration
	now       func() time.Time
	mirror    ProgressMirror
	logger    *slog.Logger
}

func newProgressRegistry(retention time.Duration, now func() time.Time, mirror ProgressMirror, logger *slog.Logger) *progressRegistry {
	return &progressRegistry{
		entries:   make(map[int64]types.SearchProgress),
		retention: retention,
		now:       now,
		mirror:    mirror,
		logger:    logger,
	}
}

// transition applies mutate to the record of item if the move to status is
// legal. Illegal moves are logged and ignored.
func (r *progressRegistry) transition(item types.TrackedItem, status types.ProgressStatus, mutate func(*types.SearchProgress)) bool {
	r.mu.Lock()
	current, ok := r.entries[item.ID]
	if !CanTransition(current.Status, status) {
		r.mu.Unlock()
		r.logger.Warn("ignoring invalid progress transition",
			"item_id", item.ID, "from", string(current.Status), "to", string(status))
		return false
	}
	if !ok || status == types.StatusSearching && current.Status.Terminal() {
		current = types.SearchProgress{ItemID: item.ID, StartedAt: r.now()}
	}
	current.Keyword = item.Keyword
	current.Status = status
	if mutate != nil {
		mutate(&current)
	}
	r.entries[item.ID] = current
	r.mu.Unlock()

	r.mirrorPut(current)
	return true
}

func (r *progressRegistry) searching(item types.TrackedItem, retryCount int) {
	r.transition(item, types.StatusSearching, func(p *types.SearchProgress) {
		p.RetryCount = retryCount
		p.CompletedAt = nil
	})
}

func (r *progressRegistry) retrying(item types.TrackedItem, retryCount int, err error) {
	r.transition(item, types.StatusRetrying, func(p *types.SearchProgress) {
		p.RetryCount = retryCount
		p.LastError = err.Error()
	})
}

func (r *progressRegistry) completed(item types.TrackedItem) {
	r.transition(item, types.StatusCompleted, func(p *types.SearchProgress) {
		now := r.now()
		p.CompletedAt = &now
		p.LastError = ""
	})
}

func (r *progressRegistry) failed(item types.TrackedItem, err error) {
	r.transition(item, types.StatusFailed, func(p *types.SearchProgress) {
		now := r.now()
		p.CompletedAt = &now
		p.LastError = err.Error()
	})
}

func (r *progressRegistry) get(itemID int64) (types.SearchProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[itemID]
	return p, ok
}

// snapshot prunes terminal entries past retention and returns the rest
// ordered by start time.
func (r *progressRegistry) snapshot() []types.SearchProgress {
	cutoff := r.now().Add(-r.retention)
	var pruned []int64

	r.mu.Lock()
	out := make([]types.SearchProgress, 0, len(r.entries))
	for id, p := range r.entries {
		if p.Status.Terminal() && p.CompletedAt != nil && p.CompletedAt.Before(cutoff) {
			delete(r.entries, id)
			pruned = append(pruned, id)
			continue
		}
		out = append(out, p)
	}
	r.mu.Unlock()

	for _, id := range pruned {
		r.mirrorDelete(id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *progressRegistry) mirrorPut(p types.SearchProgress) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Put(ctx, p); err != nil {
		r.logger.Warn("progress mirror write failed", "item_id", p.ItemID, "error", err)
	}
}

func (r *progressRegistry) mirrorDelete(itemID int64) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Delete(ctx, itemID); err != nil {
		r.logger.Warn("progress mirror delete failed", "item_id", itemID, "error", err)
	}
}
