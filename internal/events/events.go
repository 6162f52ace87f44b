// Package events delivers search lifecycle events to observers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"shoprank/pkg/types"
)

// Notifier receives lifecycle events. Emit must not block the caller.
type Notifier interface {
	Emit(evt types.Event)
}

// New stamps an event with a fresh id and the current time.
func New(kind types.EventKind, item types.TrackedItem, attempt int) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ItemID:    item.ID,
		Keyword:   item.Keyword,
		Timestamp: time.Now().UTC(),
		Attempt:   attempt,
	}
}

// Fanout forwards each event to every notifier in order.
type Fanout []Notifier

// Emit implements Notifier.
func (f Fanout) Emit(evt types.Event) {
	for _, n := range f {
		if n != nil {
			n.Emit(evt)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Emit implements Notifier.
func (Discard) Emit(types.Event) {}

// Broker fans events out to live subscribers. Slow subscribers miss events
// instead of stalling the queue.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan types.Event]struct{}
	buffer      int
	closed      bool
}

// NewBroker returns a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subscribers: make(map[chan types.Event]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (b *Broker) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Emit implements Notifier.
func (b *Broker) Emit(evt types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

// Emit implements Notifier.
func (r *Recorder) Emit(evt types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
