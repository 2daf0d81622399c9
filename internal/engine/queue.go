// internal/engine/queue.go
package engine

import (
	"context"
	"sync"

	"energy-monitor/internal/data"
)

// EventType distinguishes the inputs feeding the update queue.
type EventType int

const (
	// EventResync asks for a full snapshot re-fetch (startup, reconnect).
	EventResync EventType = iota + 1
	// EventSummary carries a completed summary fetch.
	EventSummary
	// EventDevices carries a completed device metadata fetch.
	EventDevices
	// EventAlertSnapshot carries a completed alert fetch.
	EventAlertSnapshot
	// EventReadingSnapshot carries a completed readings fetch.
	EventReadingSnapshot
	// EventPushReading carries one pushed sensor reading.
	EventPushReading
	// EventPushAlerts carries a pushed alert batch.
	EventPushAlerts
	// EventAckResult carries the outcome of an acknowledge confirmation.
	EventAckResult
)

// Event is one unit of work for the single mutator. REST completions,
// push deliveries and command outcomes all arrive as Events; only the
// fields for the given Type are set.
type Event struct {
	Type EventType

	Summary    data.DashboardSummary
	SummarySeq int64

	Devices  []data.Device
	Alerts   []data.Alert
	Readings []data.SensorReading
	Reading  data.SensorReading

	AlertID string
	Err     error
}

// updateQueue is the serialization point required by the concurrency
// model: two concurrent input sources (REST completions, the push stream)
// but exactly one mutator, the engine's Run loop.
//
// It is unbounded so producers never block, and signals availability
// through a buffered channel so the consumer can wait with context
// awareness instead of spinning or hanging past cancellation.
type updateQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered size 1, coalesces wakeups
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an event. Safe from any goroutine. Returns false once
// the queue is closed; late enqueuers (stale REST completions after
// teardown) are simply dropped.
func (q *updateQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event without blocking.
func (q *updateQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Zero the slot so slices held by the event become collectable.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait blocks until an event may be available, the queue closes, or ctx
// is cancelled. Returns false when the caller should stop consuming.
func (q *updateQueue) Wait(ctx context.Context) bool {
	q.mu.Lock()
	if q.closed && len(q.events) == 0 {
		q.mu.Unlock()
		return false
	}
	if len(q.events) > 0 {
		q.mu.Unlock()
		return true
	}
	q.mu.Unlock()

	select {
	case <-q.signal:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting events and wakes any waiter.
func (q *updateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
