// Package queue provides a bounded priority queue that lets a producer which
// must never block hand work to a slower consumer.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// Priority orders items; higher priorities are popped and kept first.
type Priority int

const (
	PriorityLow    Priority = iota + 1 // dropped first when full
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Stats holds queue statistics.
type Stats struct {
	Size        int
	HighCount   int
	NormalCount int
	LowCount    int
	DropsTotal  uint64
	DropsLow    uint64
	DropsHigh   uint64 // high priority items lost
}

type item[T any] struct {
	value    T
	priority Priority
	seq      uint64 // insertion order
	index    int    // index in the heap
}

// Queue is a bounded priority queue with backpressure support. When full,
// Push evicts the oldest item of the lowest priority present, unless that
// priority is above the new item's, in which case the new item is dropped.
type Queue[T any] struct {
	mu      sync.Mutex
	items   priorityHeap[T]
	maxSize int
	seq     uint64
	closed  bool

	dropsTotal atomic.Uint64
	dropsLow   atomic.Uint64
	dropsHigh  atomic.Uint64

	// Channels for async processing
	notifyCh chan struct{}
	closeCh  chan struct{}
}

// New creates a queue holding at most maxSize items (minimum 1).
func New[T any](maxSize int) *Queue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	q := &Queue[T]{
		items:    make(priorityHeap[T], 0, maxSize),
		maxSize:  maxSize,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Push adds v without blocking. It reports whether an item (v or an older
// one) was dropped to respect the size bound. Pushing to a closed queue
// drops v.
func (q *Queue[T]) Push(v T, p Priority) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.recordDrop(p)
		return true
	}

	if len(q.items) >= q.maxSize {
		dropped = true
		victim := q.lowestIndex()
		if q.items[victim].priority > p {
			q.recordDrop(p)
			return true
		}
		evicted := heap.Remove(&q.items, victim).(*item[T])
		q.recordDrop(evicted.priority)
	}

	q.seq++
	heap.Push(&q.items, &item[T]{value: v, priority: p, seq: q.seq})

	// Notify consumer
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}

	return dropped
}

func (q *Queue[T]) recordDrop(p Priority) {
	q.dropsTotal.Add(1)
	switch {
	case p <= PriorityLow:
		q.dropsLow.Add(1)
	case p >= PriorityHigh:
		q.dropsHigh.Add(1)
	}
}

// lowestIndex finds the oldest item of the lowest priority. Callers hold mu
// and the queue is non-empty.
func (q *Queue[T]) lowestIndex() int {
	best := 0
	for i, it := range q.items {
		b := q.items[best]
		if it.priority < b.priority || (it.priority == b.priority && it.seq < b.seq) {
			best = i
		}
	}
	return best
}

// Pop removes and returns the highest priority item. ok is false when the
// queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return v, false
	}
	return heap.Pop(&q.items).(*item[T]).value, true
}

// PopBatch removes and returns up to n items, highest priority first.
func (q *Queue[T]) PopBatch(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}

	count := min(n, len(q.items))
	result := make([]T, count)
	for i := 0; i < count; i++ {
		result[i] = heap.Pop(&q.items).(*item[T]).value
	}
	return result
}

// Len returns the current queue size.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Size:       len(q.items),
		DropsTotal: q.dropsTotal.Load(),
		DropsLow:   q.dropsLow.Load(),
		DropsHigh:  q.dropsHigh.Load(),
	}
	for _, it := range q.items {
		switch it.priority {
		case PriorityHigh:
			stats.HighCount++
		case PriorityNormal:
			stats.NormalCount++
		case PriorityLow:
			stats.LowCount++
		}
	}
	return stats
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
}

// Wait blocks until an item may be available. It returns false once ctx is
// done or the queue is closed.
func (q *Queue[T]) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.closeCh:
		return false
	case <-q.notifyCh:
		return true
	}
}

// priorityHeap implements heap.Interface for the queue.
type priorityHeap[T any] []*item[T]

func (h priorityHeap[T]) Len() int { return len(h) }

func (h priorityHeap[T]) Less(i, j int) bool {
	// Higher priority first
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	// Same priority: older first (FIFO within priority)
	return h[i].seq < h[j].seq
}

func (h priorityHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap[T]) Push(x interface{}) {
	it := x.(*item[T])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[0 : n-1]
	return it
}
