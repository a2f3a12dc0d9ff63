package router

import (
	"sync"
	"time"
)

// EventKind discriminates the structured events the engine emits for the
// external observability collaborator.
type EventKind string

const (
	EventAttemptOutcome   EventKind = "attempt_outcome"
	EventHealthTransition EventKind = "health_transition"
	EventReactiveTrigger  EventKind = "reactive_trigger"
)

// Event is one telemetry record. Fields are populated per kind; unused
// fields stay zero.
type Event struct {
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Target  string    `json:"target,omitempty"`
	Service string    `json:"service,omitempty"`
	Outcome string    `json:"outcome,omitempty"`

	// From/To carry HealthState.String() so the zero state ("healthy")
	// survives serialization on health-transition events.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Policy string `json:"policy,omitempty"`
	Action string `json:"action,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event rather than stalling dispatch.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a buffered subscriber channel and returns it.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
