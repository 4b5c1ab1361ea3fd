// Package bus is the structured event stream the kernel nodes emit their
// diagnostics on. Observers (tests, the monitor server) subscribe instead of
// the nodes writing to a shared output.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is a single diagnostic record emitted by a node or the coordinator.
type Event struct {
	Type   string         `json:"type"`
	Source int            `json:"source"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ string, source int, fields map[string]any) Event {
	return Event{Type: typ, Source: source, Time: time.Now(), Fields: fields}
}

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	id        string
	eventType string
	cancel    func()
}

func (s *Subscription) ID() string        { return s.id }
func (s *Subscription) EventType() string { return s.eventType }

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Metrics counts bus activity.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
}

// Bus is a thread-safe in-memory event stream.
type Bus struct {
	mu sync.RWMutex
	// handlers: eventType -> subID -> handler
	handlers map[string]map[string]Handler
	metrics  Metrics
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[string]Handler),
	}
}

// Subscribe registers a handler for one event type, or every type when
// eventType is Wildcard.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := uuid.NewString()
	b.handlers[eventType][id] = handler
	sub := &Subscription{id: id, eventType: eventType}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.handlers[eventType]; ok {
			delete(m, id)
		}
	}
	return sub
}

// Publish delivers the event to every matching handler synchronously.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[Wildcard]))
	for _, h := range b.handlers[event.Type] {
		subs = append(subs, h)
	}
	if event.Type != Wildcard {
		for _, h := range b.handlers[Wildcard] {
			subs = append(subs, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(event)
	}

	b.mu.Lock()
	b.metrics.Published++
	b.metrics.DeliveredHandlers += uint64(len(subs))
	b.mu.Unlock()
}

func (b *Bus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}
