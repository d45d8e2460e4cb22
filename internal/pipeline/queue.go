package pipeline

import (
	"container/heap"
	"sync"

	"horse.fit/marquee/internal/event"
	"horse.fit/marquee/internal/globaltime"
)

const (
	featuredPriorityBoost = 100.0
	recencyPriorityScale  = 1.0
	// retryPriorityPenalty demotes a retried item below fresh work at
	// the same priority band.
	retryPriorityPenalty = 50.0
)

type queueItem struct {
	eventID  int64
	priority float64
	seq      int64
	attempts int
}

// itemHeap orders by priority descending, then by enqueue sequence so
// equal priorities drain FIFO.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// workQueue is the incremental mode's priority queue. Featured and
// recently updated events drain first; re-enqueued failures are
// demoted.
type workQueue struct {
	mu      sync.Mutex
	items   itemHeap
	pending map[int64]*queueItem
	nextSeq int64
}

func newWorkQueue() *workQueue {
	return &workQueue{pending: make(map[int64]*queueItem)}
}

// push enqueues an event. An event already queued keeps its position;
// duplicate submissions are dropped.
func (q *workQueue) push(ev event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[ev.ID]; ok {
		return false
	}
	item := &queueItem{
		eventID:  ev.ID,
		priority: eventPriority(ev),
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.items, item)
	q.pending[ev.ID] = item
	return true
}

// pop removes the highest-priority event, or false when empty.
func (q *workQueue) pop() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.pending, item.eventID)
	return item, true
}

// retry re-enqueues a failed item with a demoted priority and one more
// attempt on the clock.
func (q *workQueue) retry(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[item.eventID]; ok {
		return
	}
	item.attempts++
	item.priority -= retryPriorityPenalty
	item.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, item)
	q.pending[item.eventID] = item
}

func (q *workQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// eventPriority ranks an event for incremental processing. Featured
// listings jump the line; otherwise fresher source updates rank higher.
func eventPriority(ev event.Event) float64 {
	priority := 0.0
	if ev.Featured {
		priority += featuredPriorityBoost
	}
	age := globaltime.Now().UTC().Sub(ev.LastChangedAt().UTC())
	if age < 0 {
		age = 0
	}
	priority -= age.Hours() / 24 * recencyPriorityScale
	return priority
}
