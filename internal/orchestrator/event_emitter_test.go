package orchestrator

import (
	"testing"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEventEmitter(8)
	e.Emit(Event{Type: EventWaveStarted, Wave: 1})
	e.Emit(Event{Type: EventIssueStarted, IssueID: "a"})
	e.Close()

	var got []EventType
	for event := range e.Events() {
		got = append(got, event.Type)
	}
	if len(got) != 2 || got[0] != EventWaveStarted || got[1] != EventIssueStarted {
		t.Errorf("unexpected event order: %v", got)
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(Event{Type: EventIssueStarted, IssueID: "a"})
	// No consumer; the buffer is full, so this emit must drop rather than
	// block the run loop.
	e.Emit(Event{Type: EventIssueStarted, IssueID: "b"})

	if e.DroppedCount() != 1 {
		t.Errorf("expected 1 dropped event, got %d", e.DroppedCount())
	}
}
