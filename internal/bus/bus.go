// Package bus is the in-process event fan-out between the agent runtime,
// the review queue, the scheduler and connected gateway clients.
package bus

import "sync"

// Event is a named server-side event broadcast to subscribers.
// Name matches a protocol frame type (review.created, chat.agent_spawn, ...).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler receives a broadcast event. Handlers must not block: slow work
// belongs in a goroutine owned by the subscriber.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so components can
// decouple from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the process-wide event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. Delivery order across
// subscribers is unspecified.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}
