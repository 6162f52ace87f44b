package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoprank/pkg/types"
)

var kst = time.FixedZone("KST", 9*3600)

type staticSource struct {
	items []types.TrackedItem
	err   error
	calls atomic.Int32
}

func (s *staticSource) ListActiveTrackedItems(context.Context) ([]types.TrackedItem, error) {
	s.calls.Add(1)
	return s.items, s.err
}

type blockingSource struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) ListActiveTrackedItems(context.Context) ([]types.TrackedItem, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []int64
	kicks    int
}

func (q *fakeQueue) EnqueueItems(items []types.TrackedItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		q.enqueued = append(q.enqueued, it.ID)
	}
	return len(items)
}

func (q *fakeQueue) Kick(context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kicks++
	return len(q.enqueued) > 0
}

func (q *fakeQueue) ids() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.enqueued...)
}

func TestIsDueHourlyOncePerHourAtMinuteZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, kst)
	var hits []time.Time
	for m := 0; m < 24*60; m++ {
		at := start.Add(time.Duration(m) * time.Minute)
		if IsDue(at, 60, Minute, kst) {
			hits = append(hits, at)
		}
	}
	require.Len(t, hits, 24)
	for _, h := range hits {
		assert.Zero(t, h.Minute())
	}
}

func TestIsDueSecondGranularity(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, kst)
	hits := 0
	for s := 0; s < 24*3600; s += 10 {
		if IsDue(start.Add(time.Duration(s)*time.Second), 360, Second, kst) {
			hits++
		}
	}
	assert.Equal(t, 4, hits)
}

func TestIsDueUsesConfiguredTimezone(t *testing.T) {
	// 15:00 UTC is local midnight in KST.
	at := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	assert.True(t, IsDue(at, 1440, Minute, kst))
	assert.False(t, IsDue(at, 1440, Minute, time.UTC))
	assert.False(t, IsDue(at, 0, Minute, kst))
}

func TestTickEnqueuesDueItems(t *testing.T) {
	source := &staticSource{items: []types.TrackedItem{
		{ID: 1, IntervalMinutes: 60},
		{ID: 2, IntervalMinutes: 360},
		{ID: 3, IntervalMinutes: 720},
		{ID: 4, IntervalMinutes: 0},
	}}
	queue := &fakeQueue{}
	now := time.Date(2026, 3, 1, 12, 0, 20, 0, kst)
	s := New(source, queue, Options{Location: kst, Now: func() time.Time { return now }})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, 3, res.Due)
	assert.True(t, res.Kicked)
	assert.Equal(t, []int64{1, 2, 3}, queue.ids())

	now = time.Date(2026, 3, 1, 13, 0, 0, 0, kst)
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 1}, queue.ids())
}

func TestTickClaimsEachSlotOnce(t *testing.T) {
	source := &staticSource{items: []types.TrackedItem{{ID: 1, IntervalMinutes: 60}}}
	queue := &fakeQueue{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, kst)
	s := New(source, queue, Options{Location: kst, Now: func() time.Time { return now }})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	now = now.Add(40 * time.Second)
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Equal(t, []int64{1}, queue.ids())
}

func TestSecondGranularitySlots(t *testing.T) {
	source := &staticSource{items: []types.TrackedItem{{ID: 1, IntervalMinutes: 60}}}
	queue := &fakeQueue{}
	now := time.Date(2026, 3, 1, 9, 0, 7, 0, kst)
	s := New(source, queue, Options{Granularity: Second, Tick: 10 * time.Second, Location: kst,
		Now: func() time.Time { return now }})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due, "09:00:07 falls in the 09:00:00 slot")

	now = now.Add(10 * time.Second)
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Due)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	s := New(&staticSource{}, &fakeQueue{}, Options{})
	s.running.Store(true)
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
}

func TestTickSourceError(t *testing.T) {
	queue := &fakeQueue{}
	s := New(&staticSource{err: errors.New("db down")}, queue, Options{})
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, queue.kicks)
}

func TestRunAllIgnoresIntervals(t *testing.T) {
	source := &staticSource{items: []types.TrackedItem{{ID: 5, IntervalMinutes: 1440}, {ID: 6, IntervalMinutes: 60}}}
	queue := &fakeQueue{}
	now := time.Date(2026, 3, 1, 9, 17, 0, 0, kst)
	s := New(source, queue, Options{Location: kst, Now: func() time.Time { return now }})

	res, err := s.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Equal(t, []int64{5, 6}, queue.ids())
}

func TestRunAllRejectsOverlappingTick(t *testing.T) {
	source := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(source, &fakeQueue{}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-source.entered

	_, err := s.RunAll(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	close(source.release)
	require.NoError(t, <-done)

	_, err = s.RunAll(context.Background())
	assert.NoError(t, err, "guard released after the tick")
}

func TestTickWarnsOnceForNonStandardInterval(t *testing.T) {
	var logs bytes.Buffer
	source := &staticSource{items: []types.TrackedItem{{ID: 1, IntervalMinutes: 90}, {ID: 2, IntervalMinutes: 60}}}
	queue := &fakeQueue{}
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, kst)
	s := New(source, queue, Options{
		Location: kst,
		Now:      func() time.Time { return now },
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	now = now.Add(90 * time.Minute)
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(logs.String(), "non-standard interval"))
	assert.Equal(t, []int64{1, 2, 1}, queue.ids(), "non-standard intervals still run")
}

func TestRunTicksUntilCancelled(t *testing.T) {
	source := &staticSource{}
	s := New(source, &fakeQueue{}, Options{Granularity: Second, Tick: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return source.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
