// Package tracker serialises rank searches through a single-flight queue.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shoprank/internal/events"
	"shoprank/internal/metrics"
	"shoprank/pkg/types"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("search queue closed")

// Resolver produces a rank result for one tracked item.
type Resolver interface {
	Route(ctx context.Context, item types.TrackedItem) (types.RankResult, error)
}

// TrackSaver persists rank history.
type TrackSaver interface {
	SaveTrack(ctx context.Context, itemID int64, res types.RankResult) error
}

// Options tune retry and pacing.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	ItemDelay    time.Duration
	Retention    time.Duration
	Mirror       ProgressMirror
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
}

// Status is the read model served to status queries.
type Status struct {
	IsProcessing   bool                   `json:"is_processing"`
	QueueLength    int                    `json:"queue_length"`
	ActiveSearches []types.SearchProgress `json:"active_searches"`
}

// Tracker owns the queue, the progress registry and the drain guard.
type Tracker struct {
	resolver Resolver
	store    TrackSaver
	notifier events.Notifier
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	progress *progressRegistry

	mu     sync.Mutex
	queue  fifo
	closed bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a tracker. MaxRetries < 0 disables retries.
func New(resolver Resolver, store TrackSaver, notifier events.Notifier, opts Options) *Tracker {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = events.Discard{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		resolver: resolver,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		progress: newProgressRegistry(opts.Retention, opts.Now, opts.Mirror, logger),
	}
}

// Enqueue appends item with a fresh retry budget. Duplicates are kept.
func (t *Tracker) Enqueue(item types.TrackedItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrQueueClosed
	}
	t.queue.push(types.QueueEntry{Item: item, EnqueuedAt: t.opts.Now()})
	t.metrics.ObserveEnqueued(t.queue.len())
	return nil
}

// EnqueueItems appends every item and returns how many were accepted.
func (t *Tracker) EnqueueItems(items []types.TrackedItem) int {
	n := 0
	for _, item := range items {
		if err := t.Enqueue(item); err != nil {
			break
		}
		n++
	}
	return n
}

// Kick starts the drain loop unless it is already running or the queue is
// empty. It reports whether a new loop was started.
func (t *Tracker) Kick(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.queue.len() == 0 {
		return false
	}
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	t.metrics.SetProcessing(true)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.drain(ctx)
	}()
	return true
}

// Processing reports whether the drain loop is running.
func (t *Tracker) Processing() bool {
	return t.running.Load()
}

// QueueLength returns the number of waiting entries.
func (t *Tracker) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// Status prunes expired progress and returns the current view.
func (t *Tracker) Status() Status {
	return Status{
		IsProcessing:   t.Processing(),
		QueueLength:    t.QueueLength(),
		ActiveSearches: t.progress.snapshot(),
	}
}

// Progress returns the record of one item.
func (t *Tracker) Progress(itemID int64) (types.SearchProgress, bool) {
	return t.progress.get(itemID)
}

// Wait blocks until no drain loop is running.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close rejects new entries, drops waiting ones and waits for the in-flight
// resolution to finish or ctx to end.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	dropped := t.queue.len()
	t.queue.clear()
	t.mu.Unlock()
	t.metrics.SetDepth(0)
	if dropped > 0 {
		t.logger.Info("search queue closed with pending entries", "dropped", dropped)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) pop() (types.QueueEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.queue.pop()
	t.metrics.SetDepth(t.queue.len())
	return e, ok
}

func (t *Tracker) requeue(e types.QueueEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.queue.push(e)
	t.metrics.SetDepth(t.queue.len())
	return true
}

// drain processes entries one at a time until the queue is empty.
func (t *Tracker) drain(ctx context.Context) {
	t.logger.Debug("drain loop started")
	for {
		if ctx.Err() != nil {
			t.stopRunning()
			t.logger.Info("drain loop cancelled", "remaining", t.QueueLength())
			return
		}
		entry, ok := t.pop()
		if !ok {
			t.stopRunning()
			// An Enqueue+Kick may have slipped in between the empty pop and
			// releasing the guard; reclaim it rather than strand the entry.
			if t.QueueLength() > 0 && t.running.CompareAndSwap(false, true) {
				t.metrics.SetProcessing(true)
				continue
			}
			t.logger.Debug("drain loop idle")
			return
		}
		t.process(ctx, entry)
	}
}

func (t *Tracker) stopRunning() {
	t.running.Store(false)
	t.metrics.SetProcessing(false)
}

func (t *Tracker) process(ctx context.Context, entry types.QueueEntry) {
	item := entry.Item
	attempt := entry.RetryCount + 1
	logger := t.logger.With("item_id", item.ID, "keyword", item.Keyword, "product_id", item.ExternalProductID, "attempt", attempt)

	t.progress.searching(item, entry.RetryCount)
	t.notifier.Emit(events.New(types.EventSearchStarted, item, attempt))

	// Resolution runs to completion even when the drain is cancelled.
	resolveCtx := context.WithoutCancel(ctx)
	start := time.Now()
	res, err := t.resolver.Route(resolveCtx, item)
	elapsed := time.Since(start)

	if err == nil {
		t.metrics.ObserveResolve(res.Strategy, "ok", elapsed)
		if saveErr := t.store.SaveTrack(resolveCtx, item.ID, res); saveErr != nil {
			logger.Error("saving rank track failed", "error", saveErr)
		}
		t.progress.completed(item)
		evt := events.New(types.EventSearchCompleted, item, attempt)
		evt.Result = &res
		t.notifier.Emit(evt)
		t.metrics.ObserveCompleted(res.Found())
		logger.Info("search completed", "found", res.Found(), "latency_ms", elapsed.Milliseconds())
		_ = t.opts.Sleep(ctx, t.opts.ItemDelay)
		return
	}

	t.metrics.ObserveResolve("", "error", elapsed)
	if entry.RetryCount < t.opts.MaxRetries {
		entry.RetryCount++
		if t.requeue(entry) {
			t.progress.retrying(item, entry.RetryCount, err)
			t.metrics.ObserveRetried()
			logger.Warn("search failed, retrying later", "error", err, "retry_count", entry.RetryCount)
			_ = t.opts.Sleep(ctx, t.opts.RetryBackoff)
			return
		}
	}
	t.progress.failed(item, err)
	evt := events.New(types.EventSearchFailed, item, attempt)
	evt.Error = err.Error()
	t.notifier.Emit(evt)
	t.metrics.ObserveFailed()
	logger.Error("search failed permanently", "error", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
