// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"duster/internal/events"
)

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []events.DeliveryEvent
}

func (r *Recorder) Publish(_ context.Context, ev events.DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []events.DeliveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.DeliveryEvent, len(r.events))
	copy(out, r.events)
	return out
}

var _ events.Publisher = (*Recorder)(nil)
