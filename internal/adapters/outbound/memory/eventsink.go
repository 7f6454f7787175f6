// eventsink.go provides an in-memory implementation of EventSink.
//
// Published events are kept in order for inspection in tests. An optional
// publish error lets tests exercise the best-effort publishing path.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// EventSink is an in-memory implementation of the EventSink port for testing.
type EventSink struct {
	mu         sync.RWMutex
	events     []outbound.SlotEvent
	closed     bool
	publishErr error
}

// NewEventSink creates a new in-memory event sink.
func NewEventSink() *EventSink {
	return &EventSink{
		events: make([]outbound.SlotEvent, 0),
	}
}

// Publish stores the event.
func (s *EventSink) Publish(ctx context.Context, event outbound.SlotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("event sink is closed")
	}
	if s.publishErr != nil {
		return s.publishErr
	}
	s.events = append(s.events, event)
	return nil
}

// SetPublishError makes every subsequent Publish fail with err. Pass nil to reset.
func (s *EventSink) SetPublishError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErr = err
}

// Events returns a copy of all published events.
func (s *EventSink) Events() []outbound.SlotEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]outbound.SlotEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Slots returns the slot numbers of all published events, in publish order.
func (s *EventSink) Slots() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint64, len(s.events))
	for i, e := range s.events {
		out[i] = e.Slot
	}
	return out
}

// Close marks the sink as closed.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
