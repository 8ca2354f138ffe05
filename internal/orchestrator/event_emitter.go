package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventEmitter fans orchestrator events out to a single subscriber.
// Emission never blocks the run loop for long: if the subscriber falls
// behind, events are dropped and counted.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event, giving a slow subscriber a short grace period
// before dropping.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the number of dropped events.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read side of the event stream.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the event stream. Call only after the run loop has stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}
