package observability

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Event is a single observability event emitted by the router.
// Events are strictly side-effect-only: nothing in the request path
// waits on their delivery.
type Event struct {
	Type string
	Data map[string]interface{}
}

// EventBus implements the domain EventPublisher interface. Every event
// is logged, and additionally fanned out to any registered subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
}

const defaultEventBuffer = 64

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		bufferSize: defaultEventBuffer,
	}
}

// Publish publishes an event with the given type and data.
// Delivery to subscribers is best-effort: a full subscriber channel
// drops the event rather than blocking the caller.
func (e *EventBus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	logger := FromContext(ctx)

	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	logger.Info(eventType, fields...)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subscribers {
		select {
		case sub <- Event{Type: eventType, Data: data}:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel.
func (e *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, e.bufferSize)

	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()

	return ch
}

// Close closes all subscriber channels. Publish must not be called
// after Close.
func (e *EventBus) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subscribers {
		close(sub)
	}
	e.subscribers = nil
}
