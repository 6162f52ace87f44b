package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoprank/pkg/types"
)

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker(2)
	one, cancelOne := b.Subscribe()
	two, cancelTwo := b.Subscribe()
	defer cancelTwo()
	require.Equal(t, 2, b.Subscribers())

	evt := New(types.EventSearchStarted, types.TrackedItem{ID: 7, Keyword: "kw"}, 1)
	b.Emit(evt)

	got := <-one
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, int64(7), (<-two).ItemID)

	cancelOne()
	cancelOne()
	_, open := <-one
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Emit(types.Event{Attempt: i})
	}
	assert.Equal(t, 0, (<-ch).Attempt)
	assert.Len(t, ch, 0)
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker(1)
	ch, cancel := b.Subscribe()
	b.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestFanoutAndRecorder(t *testing.T) {
	var a, b Recorder
	f := Fanout{&a, nil, &b, Discard{}}
	item := types.TrackedItem{ID: 1}
	f.Emit(New(types.EventSearchStarted, item, 1))
	f.Emit(New(types.EventSearchFailed, item, 3))

	want := []types.EventKind{types.EventSearchStarted, types.EventSearchFailed}
	assert.Equal(t, want, a.Kinds())
	assert.Equal(t, want, b.Kinds())
	assert.NotEqual(t, a.Events()[0].ID, a.Events()[1].ID)
}
