package events

import (
	"fmt"
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Handler consumes one event. A non-nil return is logged, not
// propagated; publishing never fails because a subscriber did.
type Handler func(Event)

// Bus wraps asaskevich/EventBus with synchronous sequential dispatch,
// per-handler panic recovery, and error logging. One Bus instance is
// constructed at startup and shared process-wide.
type Bus struct {
	bus    evbus.Bus
	logger *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		bus:    evbus.New(),
		logger: logger.With(slog.String("component", "eventbus")),
	}
}

// Subscribe registers a handler for one event type. The same handler
// may be registered for several types.
func (b *Bus) Subscribe(t Type, h Handler) error {
	wrapped := func(e Event) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					slog.String("event", string(e.Type)),
					slog.String("panic", fmt.Sprint(r)))
			}
		}()
		h(e)
	}
	if err := b.bus.Subscribe(string(t), wrapped); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", t, err)
	}
	return nil
}

// SubscribeAll registers a handler for every listed event type.
func (b *Bus) SubscribeAll(types []Type, h Handler) error {
	for _, t := range types {
		if err := b.Subscribe(t, h); err != nil {
			return err
		}
	}
	return nil
}

// Publish dispatches the event to every subscriber of its type, in
// registration order, on the caller's goroutine. An event published
// with a zero timestamp is stamped now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.bus.Publish(string(e.Type), e)
}

// PublishAll publishes the events in order.
func (b *Bus) PublishAll(events []Event) {
	for _, e := range events {
		b.Publish(e)
	}
}

// Emit is shorthand for publishing a typed payload stamped now.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, At: time.Now().UTC(), Data: data})
}
