package brain

import (
	"container/heap"
	"sync"
	"time"

	"trading-brain/internal/domain"
)

// queuedSignal is one pending intent plus its admission bookkeeping. The
// reply channel is set for synchronous submitters and is buffered so the
// processor never blocks on a caller that went away.
type queuedSignal struct {
	signal     *domain.IntentSignal
	enqueuedAt time.Time
	traceID    string
	reply      chan *domain.BrainDecision
	index      int
}

// before orders two pending signals: higher phase priority first, then
// FIFO by arrival, then lexicographic signal id so ordering is total.
func (q *queuedSignal) before(other *queuedSignal) bool {
	pa, pb := q.signal.PhaseID.Priority(), other.signal.PhaseID.Priority()
	if pa != pb {
		return pa > pb
	}
	if !q.enqueuedAt.Equal(other.enqueuedAt) {
		return q.enqueuedAt.Before(other.enqueuedAt)
	}
	return q.signal.SignalID < other.signal.SignalID
}

type signalHeap []*queuedSignal

func (h signalHeap) Len() int           { return len(h) }
func (h signalHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h signalHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *signalHeap) Push(x interface{}) {
	item := x.(*queuedSignal)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *signalHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// signalQueue is the bounded priority intake in front of the processor
// loop. On overflow the lowest-priority pending signal is dropped, which
// may be the incoming one.
type signalQueue struct {
	mu      sync.Mutex
	items   signalHeap
	max     int
	dropped int64
	onDrop  func(item *queuedSignal)

	// wake carries at most one pending notification; the loop drains the
	// whole queue per wakeup so collapsed notifications lose nothing.
	wake chan struct{}
}

func newSignalQueue(max int, onDrop func(item *queuedSignal)) *signalQueue {
	if max < 1 {
		max = 1
	}
	return &signalQueue{
		max:    max,
		onDrop: onDrop,
		wake:   make(chan struct{}, 1),
	}
}

// push admits one signal, evicting the lowest-priority entry on overflow.
// Returns false when the incoming signal itself was the one dropped.
func (q *signalQueue) push(item *queuedSignal) bool {
	q.mu.Lock()
	var evicted *queuedSignal
	admitted := true

	if len(q.items) >= q.max {
		worst := q.worstLocked()
		if worst != nil && !item.before(worst) {
			// incoming signal ranks at or below the current worst
			admitted = false
			evicted = item
		} else if worst != nil {
			heap.Remove(&q.items, worst.index)
			evicted = worst
		}
	}
	if admitted {
		heap.Push(&q.items, item)
	}
	if evicted != nil {
		q.dropped++
	}
	q.mu.Unlock()

	if evicted != nil && q.onDrop != nil {
		q.onDrop(evicted)
	}
	if admitted {
		q.notify()
	}
	return admitted
}

// pushAll admits a batch under one lock so the processing loop sees all
// of it in a single drain. Returns the items that were dropped.
func (q *signalQueue) pushAll(items []*queuedSignal) []*queuedSignal {
	q.mu.Lock()
	var dropped []*queuedSignal
	for _, item := range items {
		if len(q.items) >= q.max {
			worst := q.worstLocked()
			if worst != nil && !item.before(worst) {
				dropped = append(dropped, item)
				q.dropped++
				continue
			}
			heap.Remove(&q.items, worst.index)
			dropped = append(dropped, worst)
			q.dropped++
		}
		heap.Push(&q.items, item)
	}
	q.mu.Unlock()

	if q.onDrop != nil {
		for _, item := range dropped {
			q.onDrop(item)
		}
	}
	q.notify()
	return dropped
}

// drainAll pops every pending signal in priority order.
func (q *signalQueue) drainAll() []*queuedSignal {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]*queuedSignal, 0, len(q.items))
	for q.items.Len() > 0 {
		out = append(out, heap.Pop(&q.items).(*queuedSignal))
	}
	return out
}

func (q *signalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *signalQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *signalQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worstLocked scans for the entry that every other entry outranks.
func (q *signalQueue) worstLocked() *queuedSignal {
	if len(q.items) == 0 {
		return nil
	}
	worst := q.items[0]
	for _, item := range q.items[1:] {
		if worst.before(item) {
			worst = item
		}
	}
	return worst
}
