// Package queue implements the supervisor review queue (spec §4.5,
// component C5): an asynchronous FIFO of agent-completion events, drained
// in atomic batches under a single lock so the supervisor always sees a
// consistent slice of new work per review cycle.
//
// Grounded on the original internal/core/domain/events event shapes and
// the same mutex-guarded-slice pattern used by internal/streaming's Bus,
// generalized here to a blocking, batch-draining queue instead of a
// fan-out pub/sub.
package queue

import (
	"context"
	"sync"
	"time"

	"deepresearch/internal/domain"
)

// Queue is a FIFO of domain.SupervisorEvent, safe for concurrent enqueue
// from many researcher goroutines and single-drain consumption by the
// supervisor.
type Queue struct {
	mu     sync.Mutex
	events []domain.SupervisorEvent
	notify chan struct{} // best-effort wakeup for WaitForBatch
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends evt to the tail. Ordering among events observed by one
// goroutine is preserved; ordering across concurrent enqueuers reflects
// lock-acquisition order, not necessarily wall-clock completion order
// (§4.5).
func (q *Queue) Enqueue(evt domain.SupervisorEvent) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// drain removes and returns up to maxBatchSize events from the head,
// atomically under the queue lock.
func (q *Queue) drain(maxBatchSize int) []domain.SupervisorEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	n := len(q.events)
	if maxBatchSize > 0 && n > maxBatchSize {
		n = maxBatchSize
	}
	batch := make([]domain.SupervisorEvent, n)
	copy(batch, q.events[:n])
	q.events = q.events[n:]
	return batch
}

// Clear discards all queued events without processing them.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

// SupervisorFunc is invoked once per batch with the drained events;
// implementations typically run one ReAct loop turn (C3) over the batch.
type SupervisorFunc func(batch []domain.SupervisorEvent) (any, error)

// ProcessBatch atomically extracts up to maxBatchSize events and, if any
// were drained, invokes fn once with the batch, returning fn's decision.
// A nil, nil result means there was nothing to process.
func (q *Queue) ProcessBatch(maxBatchSize int, fn SupervisorFunc) (any, error) {
	batch := q.drain(maxBatchSize)
	if len(batch) == 0 {
		return nil, nil
	}
	return fn(batch)
}

// WaitForBatch blocks until at least minSize events are queued, timeout
// elapses, or ctx is cancelled — whichever comes first. It is advisory
// coalescing only: callers still drain via ProcessBatch afterward, and a
// returned true does not guarantee minSize events remain queued if a
// concurrent drain already ran.
func (q *Queue) WaitForBatch(ctx context.Context, minSize int, timeout time.Duration) bool {
	if q.Len() >= minSize {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return q.Len() >= minSize
		case <-deadline.C:
			return q.Len() >= minSize
		case <-q.notify:
			if q.Len() >= minSize {
				return true
			}
		}
	}
}
