package sequencer

import (
	"container/heap"

	"github.com/dyluth/tandem/internal/broker"
)

// item is one queued delivery. Items are ordered by the sender's timestamp;
// ties keep arrival order.
type item struct {
	delivery  *broker.Delivery
	timestamp int64
	seq       uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// projectQueue serializes the work of one project. Exactly one worker
// goroutine drains it.
type projectQueue struct {
	projectID int64
	items     itemHeap
	wake      chan struct{}
	stop      chan struct{}

	busy     bool // the worker is running a handler
	released bool // discard once empty
	stopped  bool
}

func newProjectQueue(projectID int64) *projectQueue {
	return &projectQueue{
		projectID: projectID,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (q *projectQueue) push(it *item) {
	heap.Push(&q.items, it)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *projectQueue) pop() *item {
	return heap.Pop(&q.items).(*item)
}

// drainItems empties the queue in priority order.
func (q *projectQueue) drainItems() []*item {
	out := make([]*item, 0, q.items.Len())
	for q.items.Len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
