// Package queue implements the bounded, per-service FIFO that holds
// inbound requests while their upstream is cold, releasing or cancelling
// them as a batch once the service's startup resolves one way or the
// other. Grounded on original_source/src/hestia/request_queue.py's
// RequestQueue, translated from asyncio.Future + call_later into a
// channel-per-waiter plus time.AfterFunc.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ErrQueueFull is returned by Queue when the service's queue is already
// at its configured bound.
var ErrQueueFull = errors.New("queue full")

// OutcomeKind reports how a QueueEntry was ultimately resolved. Every
// entry resolves exactly once with exactly one kind.
type OutcomeKind int

const (
	Released OutcomeKind = iota
	Timeout
	Cancelled
)

// Outcome is delivered on a QueueEntry's resolver channel exactly once.
type Outcome struct {
	Kind    OutcomeKind
	Payload interface{}
}

// QueueEntry is a single waiter for a cold service's startup to resolve.
type QueueEntry struct {
	ServiceID   string
	Fingerprint string
	DeadlineMS  int64

	resolver chan Outcome
	timer    *time.Timer
	done     atomic.Bool
}

// Wait blocks until the entry resolves, which always happens (release,
// cancellation, or timeout).
func (e *QueueEntry) Wait() Outcome {
	return <-e.resolver
}

// complete resolves the entry exactly once; subsequent calls are no-ops.
// Returns true if this call was the one that resolved it.
func (e *QueueEntry) complete(o Outcome) bool {
	if !e.done.CompareAndSwap(false, true) {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.resolver <- o
	return true
}

// RequestQueue holds one bounded FIFO per service. All mutation is
// serialized under a single lock; critical sections never perform I/O,
// matching the idle-monitor/queue interaction rule in the concurrency
// model.
type RequestQueue struct {
	mu     sync.Mutex
	queues map[string][]*QueueEntry
}

// New creates an empty request queue.
func New() *RequestQueue {
	return &RequestQueue{queues: make(map[string][]*QueueEntry)}
}

// Queue registers a new waiter for service_id, bounded by maxSize and
// armed with a deadline timer of timeout. Returns ErrQueueFull
// immediately if the service's queue is already at capacity.
func (q *RequestQueue) Queue(serviceID string, maxSize int, timeout time.Duration) (*QueueEntry, error) {
	q.mu.Lock()
	if len(q.queues[serviceID]) >= maxSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	entry := &QueueEntry{
		ServiceID:   serviceID,
		Fingerprint: uuid.New().String(),
		DeadlineMS:  time.Now().Add(timeout).UnixMilli(),
		resolver:    make(chan Outcome, 1),
	}
	q.queues[serviceID] = append(q.queues[serviceID], entry)
	q.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		q.timeoutEntry(entry)
	})

	return entry, nil
}

// timeoutEntry removes entry from its queue (by identity) and resolves
// it with Timeout, unless it was already released or cancelled.
func (q *RequestQueue) timeoutEntry(entry *QueueEntry) {
	q.mu.Lock()
	bucket := q.queues[entry.ServiceID]
	for i, e := range bucket {
		if e == entry {
			q.queues[entry.ServiceID] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	entry.complete(Outcome{Kind: Timeout})
}

// ReleaseAll dequeues every waiter for service_id in FIFO order and
// resolves each with payload. Called exactly once per successful
// startup.
func (q *RequestQueue) ReleaseAll(serviceID string, payload interface{}) int {
	q.mu.Lock()
	bucket := q.queues[serviceID]
	delete(q.queues, serviceID)
	q.mu.Unlock()

	released := 0
	for _, entry := range bucket {
		if entry.complete(Outcome{Kind: Released, Payload: payload}) {
			released++
		}
	}
	return released
}

// CancelAll dequeues every waiter for service_id and resolves each with
// cancellation. Called on startup driver failure.
func (q *RequestQueue) CancelAll(serviceID string) int {
	q.mu.Lock()
	bucket := q.queues[serviceID]
	delete(q.queues, serviceID)
	q.mu.Unlock()

	cancelled := 0
	for _, entry := range bucket {
		if entry.complete(Outcome{Kind: Cancelled}) {
			cancelled++
		}
	}
	return cancelled
}

// Pending reports the number of waiters currently queued for service_id.
func (q *RequestQueue) Pending(serviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[serviceID])
}
