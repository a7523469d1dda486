package relay

import (
	"sync/atomic"

	"github.com/banshee-data/rd03d.relay/internal/rd03d"
)

// DefaultQueueCapacity is the number of target batches buffered between the
// reader and the publisher.
const DefaultQueueCapacity = 10

// Queue is a bounded, latest-wins hand-off of target batches. Push never
// blocks: when the queue is full the oldest batch is evicted.
type Queue struct {
	ch      chan []rd03d.Target
	evicted atomic.Uint64
}

// NewQueue returns a queue holding at most capacity batches.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan []rd03d.Target, capacity)}
}

// Push enqueues a batch, evicting older batches as needed.
func (q *Queue) Push(batch []rd03d.Target) {
	for {
		select {
		case q.ch <- batch:
			return
		default:
		}
		// full: drop the oldest and try again
		select {
		case <-q.ch:
			q.evicted.Add(1)
		default:
		}
	}
}

// Drain empties the queue and returns only the newest batch. ok is false if
// the queue was empty.
func (q *Queue) Drain() (batch []rd03d.Target, ok bool) {
	for {
		select {
		case b := <-q.ch:
			batch, ok = b, true
		default:
			return batch, ok
		}
	}
}

// Len returns the number of batches currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Evicted returns how many batches were dropped by Push.
func (q *Queue) Evicted() uint64 { return q.evicted.Load() }
