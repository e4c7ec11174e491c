package events

import (
	"sync"
	"time"
)

// Handler receives published events. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(*Event)

// Bus fans events out to subscribers
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType]map[uint64]Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType]map[uint64]Handler)}
}

// Subscribe registers h for the given types and returns a function removing it
func (b *Bus) Subscribe(h Handler, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	for _, t := range types {
		if b.handlers[t] == nil {
			b.handlers[t] = make(map[uint64]Handler)
		}
		b.handlers[t][id] = h
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range types {
				delete(b.handlers[t], id)
			}
		})
	}
}

// Publish delivers an event to the subscribers of its type
func (b *Bus) Publish(module string, data EventData) *Event {
	ev := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[ev.Type]))
	for _, h := range b.handlers[ev.Type] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(ev)
	}
	return ev
}

// Subscribers returns the number of handlers registered for a type
func (b *Bus) Subscribers(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
