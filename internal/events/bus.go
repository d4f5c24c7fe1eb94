package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of pending events each subscriber can hold
// before Emit starts dropping events for it.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Every subscriber owns a queue drained by its own goroutine, so a
// subscriber sees events in the order they were emitted.
type EventBus struct {
	mu        sync.RWMutex
	byType    map[EventType][]*subscriber
	subs      []*subscriber
	queueSize int
	stopped   bool
	wg        sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
	queue   chan queued
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates an EventBus whose subscribers buffer up to size events.
func NewEventBusWithQueue(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		byType:    make(map[EventType][]*subscriber),
		queueSize: size,
	}
}

// Subscribe registers handler under name for the given event types.
// The name is used for logging.
func (eb *EventBus) Subscribe(name string, handler HandlerFunc, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub := &subscriber{
		name:    name,
		handler: handler,
		queue:   make(chan queued, eb.queueSize),
	}
	eb.subs = append(eb.subs, sub)
	for _, t := range types {
		eb.byType[t] = append(eb.byType[t], sub)
		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}

	eb.wg.Add(1)
	go eb.dispatch(sub)
}

func (eb *EventBus) dispatch(sub *subscriber) {
	defer eb.wg.Done()
	for q := range sub.queue {
		if err := invoke(sub, q.ctx, q.event); err != nil {
			log.Error().
				Err(err).
				Str("event", string(q.event.Type)).
				Str("handler", sub.name).
				Msg("handler returned error")
		}
	}
}

func invoke(sub *subscriber, ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// Emit queues an event for every subscriber of its type without blocking.
// A subscriber whose queue is full misses the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.byType[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, sub := range subs {
		select {
		case sub.queue <- queued{ctx: ctx, event: event}:
		default:
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("handler queue full, event dropped")
		}
	}
}

// EmitSync runs every subscriber of the event's type in the calling
// goroutine, bypassing the queues. Returns the first error encountered.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]*subscriber(nil), eb.byType[event.Type]...)
	eb.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := invoke(sub, ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("handler returned error")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop stops accepting events, lets every subscriber drain its queue and
// waits for them to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for _, sub := range eb.subs {
		close(sub.queue)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.byType[eventType])
}
