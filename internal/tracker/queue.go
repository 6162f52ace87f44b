package tracker

import (
	"container/list"

	"shoprank/pkg/types"
)

// fifo is an unbounded FIFO of queue entries. Not safe for concurrent use.
type fifo struct {
	l list.List
}

func (q *fifo) push(e types.QueueEntry) {
	q.l.PushBack(e)
}

func (q *fifo) pop() (types.QueueEntry, bool) {
	front := q.l.Front()
	if front == nil {
		return types.QueueEntry{}, false
	}
	q.l.Remove(front)
	return front.Value.(types.QueueEntry), true
}

func (q *fifo) len() int {
	return q.l.Len()
}

func (q *fifo) clear() {
	q.l.Init()
}
