package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Emit never blocks the
// caller: each subscriber runs on its own goroutine, so a slow broker or
// database cannot stall the session loop.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe registers a handler for one or more event types. The name is
// used for logging.
func (eb *EventBus) Subscribe(name string, handler HandlerFunc, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handlerEntry{name: name, handler: handler})
		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Emit publishes an event to all subscribed handlers asynchronously. A zero
// Time is stamped with the current time.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}

	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		eb.wg.Add(1)
		go eb.dispatch(ctx, h, event)
	}
}

func (eb *EventBus) dispatch(ctx context.Context, h handlerEntry, event Event) {
	defer eb.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
}

// Stop rejects further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	eb.stopped = true
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// Wait blocks until every handler dispatched so far has returned.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}
