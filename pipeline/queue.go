// Package pipeline moves decoded chat events from connection sessions to storage.
//
// Sessions push onto a bounded Queue; a single Writer drains it in FIFO order.
// Closing the queue enqueues an end-of-stream marker after any pending events,
// so the writer persists everything pushed before Close and then stops.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/onnwee/danmu-tender/danmu"
	"github.com/onnwee/danmu-tender/telemetry"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 10000

// ErrQueueClosed is returned by Push after Close and by Pop once the
// end-of-stream marker has been consumed.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// item is either an event or the end-of-stream marker (ev == nil).
type item struct {
	ev *danmu.ChatEvent
}

// Queue is a bounded multi-producer single-consumer FIFO of chat events.
// Push blocks while the queue is full.
type Queue struct {
	// slots holds one token per queued event and bounds the queue.
	slots chan struct{}
	items chan item

	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
	once    sync.Once
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		slots: make(chan struct{}, capacity),
		// One spare slot so the end-of-stream marker never blocks.
		items:   make(chan item, capacity+1),
		drained: make(chan struct{}),
	}
}

// Cap returns the maximum number of queued events.
func (q *Queue) Cap() int { return cap(q.slots) }

// Push enqueues ev, blocking while the queue is full or until ctx is done.
func (q *Queue) Push(ctx context.Context, ev *danmu.ChatEvent) error {
	if ev == nil {
		return errors.New("pipeline: nil event")
	}
	select {
	case q.slots <- struct{}{}:
	case <-q.drained:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		<-q.slots
		return ErrQueueClosed
	}
	q.items <- item{ev: ev}
	telemetry.Inc(telemetry.EventsQueued)
	telemetry.SetQueueDepth(q.Len())
	return nil
}

// Close enqueues the end-of-stream marker. Only the first call has any effect.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items <- item{}
		q.mu.Unlock()
		close(q.drained)
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Pop returns the next event in FIFO order. It blocks until an event is
// available or ctx is done, and returns ErrQueueClosed once the end-of-stream
// marker is reached.
func (q *Queue) Pop(ctx context.Context) (*danmu.ChatEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it := <-q.items:
		if it.ev == nil {
			// Leave the marker in place so repeated Pops keep reporting closed.
			q.items <- it
			return nil, ErrQueueClosed
		}
		<-q.slots
		telemetry.SetQueueDepth(q.Len())
		return it.ev, nil
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.slots) }
