package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus is valid and drops everything.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(StateChangedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case RunFaultEvent:
		event.Publish(b.dispatcher, e)
	case LockContendedEvent:
		event.Publish(b.dispatcher, e)
	case RunCompletedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e RunFaultEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}

	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RunFaultEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LockContendedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RunCompletedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// SubscribeToChannel bridges callback subscriptions to a channel.
// Events are dropped when the channel is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- T) func() {
	if bus == nil {
		return func() {}
	}
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
