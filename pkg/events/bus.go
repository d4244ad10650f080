package events

import (
	"sync"

	"github.com/stacklok/appproxy/pkg/logger"
)

// Bus publishes lifecycle events to in-process subscribers.
type Bus interface {
	// Publish delivers the event to all current subscribers.
	Publish(event Event)
	// Subscribe registers a handler and returns a function that removes it.
	// Handlers must be quick; long work belongs on the subscriber's own
	// goroutine or channel.
	Subscribe(handler func(Event)) (cancel func())
}

// InProcessBus is a synchronous in-process Bus. Events are delivered on the
// publisher's goroutine in subscription order.
type InProcessBus struct {
	source string

	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Event)
}

// NewInProcessBus creates a bus that stamps published events with the given
// instance identifier.
func NewInProcessBus(source string) *InProcessBus {
	return &InProcessBus{
		source:   source,
		handlers: make(map[int]func(Event)),
	}
}

// Publish implements Bus.
func (b *InProcessBus) Publish(event Event) {
	if event.EventSource() == SourceNotAvailable || event.EventSource() == "" {
		event = event.WithSource(b.source)
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("event handler panicked: %v", r)
				}
			}()
			h(event)
		}()
	}
}

// Subscribe implements Bus.
func (b *InProcessBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
