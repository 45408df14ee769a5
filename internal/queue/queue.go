// Package queue implements the priority-ordered request queue that feeds
// admission control. Ordering is priority descending, then arrival time
// ascending, with an insertion sequence as the final tie-break so dispatch
// order is deterministic.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/j-veylop/quotagate/internal/clock"
	"github.com/j-veylop/quotagate/internal/models"
)

// ErrQueueTimeout marks requests whose deadline passed before dispatch.
var ErrQueueTimeout = errors.New("queue timeout")

// Queue holds pending requests sharded by provider.
type Queue struct {
	mu         sync.Mutex
	byProvider map[string]*providerHeap
	index      map[string]*item
	seq        uint64
	clk        clock.Clock
	onTimeout  func(*models.QueuedRequest)
}

type item struct {
	req  *models.QueuedRequest
	seq  uint64
	pos  int
	heap *providerHeap
}

type providerHeap struct {
	items []*item
}

func (h *providerHeap) Len() int { return len(h.items) }

func (h *providerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h *providerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].pos = i
	h.items[j].pos = j
}

func (h *providerHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(h.items)
	h.items = append(h.items, it)
}

func (h *providerHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	it.pos = -1
	return it
}

// New creates an empty queue.
func New(clk clock.Clock) *Queue {
	return &Queue{
		byProvider: make(map[string]*providerHeap),
		index:      make(map[string]*item),
		clk:        clk,
	}
}

// OnTimeout registers a callback invoked for every request dropped because
// its deadline passed before dispatch. Must be set before concurrent use.
func (q *Queue) OnTimeout(fn func(*models.QueuedRequest)) {
	q.onTimeout = fn
}

// Enqueue adds a request. Requests re-entering after a rate-limited attempt
// keep their original EnqueuedAt and so compete at their original position
// within their priority tier.
func (q *Queue) Enqueue(req *models.QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.byProvider[req.Provider]
	if !ok {
		h = &providerHeap{}
		q.byProvider[req.Provider] = h
	}

	q.seq++
	it := &item{req: req, seq: q.seq, heap: h}
	heap.Push(h, it)
	q.index[req.ID] = it
}

// DequeueNext removes and returns the highest-ranked request for a provider
// that passes the optional skip predicate. Skipped requests stay queued in
// their original order. Requests found expired are dropped and reported via
// the timeout callback, not returned.
func (q *Queue) DequeueNext(provider string, skip func(*models.QueuedRequest) bool) *models.QueuedRequest {
	q.mu.Lock()

	h, ok := q.byProvider[provider]
	if !ok {
		q.mu.Unlock()
		return nil
	}

	now := q.clk.Now()
	var skipped []*item
	var chosen *models.QueuedRequest
	var expired []*models.QueuedRequest

	for h.Len() > 0 {
		it := heap.Pop(h).(*item)
		if it.req.Expired(now) {
			delete(q.index, it.req.ID)
			expired = append(expired, it.req)
			continue
		}
		if skip != nil && skip(it.req) {
			skipped = append(skipped, it)
			continue
		}
		delete(q.index, it.req.ID)
		chosen = it.req
		break
	}

	// Restore skipped items; their seq is preserved so ordering holds.
	for _, it := range skipped {
		heap.Push(h, it)
	}
	q.mu.Unlock()

	if q.onTimeout != nil {
		for _, req := range expired {
			q.onTimeout(req)
		}
	}
	return chosen
}

// Cancel removes a still-queued request by id. Cancellation after dispatch
// has no effect here.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok || it.pos < 0 {
		return false
	}
	heap.Remove(it.heap, it.pos)
	delete(q.index, id)
	return true
}

// AdjustPriority changes the priority of a queued request and restores heap
// order. Returns false when the request is no longer queued.
func (q *Queue) AdjustPriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok || it.pos < 0 {
		return false
	}
	it.req.Priority = priority
	heap.Fix(it.heap, it.pos)
	return true
}

// Expire drops every queued request for the provider whose deadline has
// passed and reports each through the timeout callback.
func (q *Queue) Expire(provider string, now time.Time) {
	q.mu.Lock()

	h, ok := q.byProvider[provider]
	if !ok {
		q.mu.Unlock()
		return
	}

	var expired []*models.QueuedRequest
	for i := 0; i < len(h.items); {
		it := h.items[i]
		if it.req.Expired(now) {
			heap.Remove(h, i)
			delete(q.index, it.req.ID)
			expired = append(expired, it.req)
			continue
		}
		i++
	}
	q.mu.Unlock()

	if q.onTimeout != nil {
		for _, req := range expired {
			q.onTimeout(req)
		}
	}
}

// Size returns the number of queued requests for a provider.
func (q *Queue) Size(provider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h, ok := q.byProvider[provider]; ok {
		return h.Len()
	}
	return 0
}
