package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crewline/crewd/internal/provider"
	"github.com/crewline/crewd/internal/task"
)

// Request describes one agent's need for a provider turn. Priority runs 0 to
// 255, higher dispatches first; requests sharing a priority leave the queue
// in enqueue order.
type Request struct {
	ID       string
	TaskID   string
	AgentID  string
	Role     task.Role
	Provider provider.Provider

	// Avoid names a provider this request must never land on, even through
	// fallback. Reviewer turns set it to the implementer's provider so the
	// review comes from a different model family.
	Avoid provider.Provider

	Priority   int
	EnqueuedAt time.Time
}

type grantResult struct {
	grant *Grant
	err   error
}

// pending is a queued request plus its dispatch bookkeeping. The grant
// channel is buffered so the dispatch loop never blocks delivering to a
// waiter that has already left.
type pending struct {
	req       Request
	arrival   uint64
	index     int
	attempt   int
	notBefore time.Time
	grant     chan grantResult

	// abandoned is guarded by the scheduler mutex. Once set, the dispatch
	// loop must not hand this request an account.
	abandoned bool
}

// pendingHeap orders by priority descending, then enqueue time, then
// arrival, so equal-priority requests are strict FIFO even when their
// timestamps collide.
type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.arrival < b.arrival
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// Queue holds un-dispatched requests. Once a request is handed to an account
// it leaves the queue; a failed dispatch re-enters with its original
// priority and timestamp, so retries never jump the line.
type Queue struct {
	mu      sync.Mutex
	heap    pendingHeap
	arrival uint64
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) enqueue(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.arrival++
	p.arrival = q.arrival
	heap.Push(&q.heap, p)
}

// requeue puts a request back preserving its original arrival ordering.
func (q *Queue) requeue(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, p)
}

func (q *Queue) dequeue() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*pending)
}

// remove takes one request out by id, returning it or nil.
func (q *Queue) remove(id string) *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.heap {
		if p.req.ID == id {
			return heap.Remove(&q.heap, i).(*pending)
		}
	}
	return nil
}

// removeTask takes out every queued request for a task.
func (q *Queue) removeTask(taskID string) []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*pending
	for i := 0; i < len(q.heap); {
		if q.heap[i].req.TaskID == taskID {
			out = append(out, heap.Remove(&q.heap, i).(*pending))
			continue
		}
		i++
	}
	return out
}

// PeekPriority reports the priority of the next request without consuming
// it. The second return is false when the queue is empty.
func (q *Queue) PeekPriority() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].req.Priority, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
