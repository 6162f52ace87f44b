// Package scheduler decides which tracked items are due on every tick and
// runs the calendar maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shoprank/internal/metrics"
	"shoprank/pkg/types"
)

// Granularity is the unit the due check is evaluated in.
type Granularity string

const (
	Minute Granularity = "minute"
	Second Granularity = "second"
)

// ErrTickInProgress is returned by RunOnce and RunAll when another tick is executing.
var ErrTickInProgress = errors.New("scheduler tick already running")

// ItemSource lists the items eligible for checks.
type ItemSource interface {
	ListActiveTrackedItems(ctx context.Context) ([]types.TrackedItem, error)
}

// Queue receives due items.
type Queue interface {
	EnqueueItems(items []types.TrackedItem) int
	Kick(ctx context.Context) bool
}

// Options configure the tick loop.
type Options struct {
	Granularity Granularity
	Tick        time.Duration
	Location    *time.Location
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// TickResult summarises one tick.
type TickResult struct {
	At       time.Time `json:"at"`
	Checked  int       `json:"checked"`
	Due      int       `json:"due"`
	Enqueued int       `json:"enqueued"`
	Kicked   bool      `json:"kicked"`
}

// Scheduler evaluates due items on a fixed tick.
type Scheduler struct {
	source  ItemSource
	queue   Queue
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool

	mu       sync.Mutex
	lastSlot map[int64]time.Time
	unusual  map[int64]int
}

// New builds a scheduler. A zero Tick defaults to one minute, or ten seconds
// for second granularity.
func New(source ItemSource, queue Queue, opts Options) *Scheduler {
	if opts.Granularity == "" {
		opts.Granularity = Minute
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
		if opts.Granularity == Second {
			opts.Tick = 10 * time.Second
		}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:   source,
		queue:    queue,
		opts:     opts,
		logger:   logger.With("component", "scheduler"),
		metrics:  opts.Metrics,
		lastSlot: make(map[int64]time.Time),
		unusual:  make(map[int64]int),
	}
}

// Run ticks until ctx is cancelled. Ticks that arrive while the previous one
// is still executing are dropped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "granularity", s.opts.Granularity, "tick", s.opts.Tick.String(),
		"timezone", s.opts.Location.String())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.metrics.ObserveTick("skipped")
				s.logger.Warn("previous tick still running, skipping")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.running.Store(false)
				s.tick(ctx, s.opts.Now())
			}()
		}
	}
}

// RunOnce evaluates a tick at the current time.
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInProgress
	}
	defer s.running.Store(false)
	return s.tick(ctx, s.opts.Now())
}

// RunAll enqueues every active item regardless of its interval.
func (s *Scheduler) RunAll(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInProgress
	}
	defer s.running.Store(false)
	res := TickResult{At: s.opts.Now()}
	items, err := s.source.ListActiveTrackedItems(ctx)
	if err != nil {
		return res, fmt.Errorf("list active items: %w", err)
	}
	res.Checked, res.Due = len(items), len(items)
	res.Enqueued = s.queue.EnqueueItems(items)
	res.Kicked = s.queue.Kick(ctx)
	s.logger.Info("manual run queued", "enqueued", res.Enqueued, "kicked", res.Kicked)
	return res, nil
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) (TickResult, error) {
	res := TickResult{At: now}
	items, err := s.source.ListActiveTrackedItems(ctx)
	if err != nil {
		s.metrics.ObserveTick("error")
		s.logger.Error("listing active items failed", "error", err)
		return res, fmt.Errorf("list active items: %w", err)
	}
	res.Checked = len(items)

	slot := s.slot(now)
	var due []types.TrackedItem
	for _, item := range items {
		if item.IntervalMinutes <= 0 {
			s.logger.Warn("tracked item has no interval", "item_id", item.ID, "interval_minutes", item.IntervalMinutes)
			continue
		}
		if !types.ValidInterval(item.IntervalMinutes) && s.firstSeenUnusual(item) {
			s.logger.Warn("tracked item uses a non-standard interval", "item_id", item.ID,
				"interval_minutes", item.IntervalMinutes, "allowed", types.AllowedIntervals)
		}
		if !IsDue(slot, item.IntervalMinutes, s.opts.Granularity, s.opts.Location) || !s.claim(item.ID, slot) {
			continue
		}
		due = append(due, item)
	}
	res.Due = len(due)
	if len(due) > 0 {
		res.Enqueued = s.queue.EnqueueItems(due)
	}
	res.Kicked = s.queue.Kick(ctx)
	s.metrics.ObserveTick("ok")
	if res.Due > 0 {
		s.logger.Info("tick enqueued due items", "checked", res.Checked, "due", res.Due,
			"enqueued", res.Enqueued, "kicked", res.Kicked)
	} else {
		s.logger.Debug("tick had no due items", "checked", res.Checked)
	}
	return res, nil
}

// unit is the width of one due-check slot.
func (s *Scheduler) unit() time.Duration {
	if s.opts.Granularity == Second {
		return s.opts.Tick
	}
	return time.Minute
}

// slot truncates now to the start of its unit in the configured timezone.
func (s *Scheduler) slot(now time.Time) time.Time {
	local := now.In(s.opts.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.opts.Location)
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%s.unit())
}

// firstSeenUnusual reports whether item's non-standard interval has not been
// reported yet at its current value.
func (s *Scheduler) firstSeenUnusual(item types.TrackedItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unusual[item.ID] == item.IntervalMinutes {
		return false
	}
	s.unusual[item.ID] = item.IntervalMinutes
	return true
}

// claim records slot for itemID and reports whether it was not seen before.
func (s *Scheduler) claim(itemID int64, slot time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSlot[itemID]; ok && last.Equal(slot) {
		return false
	}
	s.lastSlot[itemID] = slot
	return true
}

// IsDue reports whether t falls on a multiple of the interval counted from
// local midnight. Minute granularity compares the
// minute of the day with intervalMinutes; second granularity compares the
// second of the day with intervalMinutes*60.
func IsDue(t time.Time, intervalMinutes int, g Granularity, loc *time.Location) bool {
	if intervalMinutes <= 0 {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if g == Second {
		second := local.Hour()*3600 + local.Minute()*60 + local.Second()
		return second%(intervalMinutes*60) == 0
	}
	minute := local.Hour()*60 + local.Minute()
	return minute%intervalMinutes == 0
}
