package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned once the queue has been closed.
var ErrQueueClosed = errors.New("scheduler: queue closed")

// Queue is an unbounded FIFO of job ids shared by all workers. Push never
// blocks; Pop blocks until an id is available, ctx ends or the queue closes.
type Queue struct {
	mu     sync.Mutex
	items  []string
	ready  chan struct{} // capacity 1: "items may be non-empty"
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends id to the back of the queue.
func (q *Queue) Push(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, id)
	q.signal()
	return nil
}

// Pop removes and returns the id at the front of the queue.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// Wake the next waiting worker.
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// signal must be called with q.mu held.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len is the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop. Ids still queued are dropped; their jobs
// stay pending in the repository.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.ready)
}
