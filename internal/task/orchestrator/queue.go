package orchestrator

import (
	"container/heap"
	"time"

	"tradeclaw/internal/task/session"
)

type queued struct {
	id        string
	priority  session.Priority
	createdAt time.Time
	seq       uint64
	index     int
}

// pendingQueue orders by priority desc, then createdAt asc, then arrival.
type pendingQueue struct {
	items []*queued
	byID  map[string]*queued
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{byID: map[string]*queued{}}
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func (q *pendingQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *pendingQueue) Push(x any) {
	it := x.(*queued)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byID[it.id] = it
}

func (q *pendingQueue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	it.index = -1
	delete(q.byID, it.id)
	return it
}

func (q *pendingQueue) push(it *queued) { heap.Push(q, it) }

func (q *pendingQueue) pop() *queued {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queued)
}

func (q *pendingQueue) remove(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, it.index)
	return true
}
