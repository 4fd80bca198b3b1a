package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler consumes one event. Handlers for a given subscriber run one at a
// time on the bus dispatcher, preserving per-type ordering.
type Handler func(evt Event)

const emitBuffer = 256

// Bus is a non-blocking in-process broker with a single dispatcher
// goroutine. Delivery is at-least-once for in-process subscribers; slow
// consumers cause the oldest queued events to be dropped rather than
// blocking producers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewBus creates and starts a bus.
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, emitBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(h Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit publishes an event without blocking. When the queue is full the
// oldest queued event is discarded to make room.
func (b *Bus) Emit(t EventType, payload any) {
	evt := Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
	for {
		select {
		case b.queue <- evt:
			return
		default:
		}
		select {
		case dropped := <-b.queue:
			slog.Warn("event bus full, dropping oldest event", "type", dropped.Type)
		default:
		}
	}
}

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		case <-b.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case evt := <-b.queue:
					b.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.all))
	handlers = append(handlers, b.handlers[evt.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(h, evt)
	}
}

// safeInvoke isolates subscriber panics so one crashing handler cannot take
// down the dispatcher or starve other subscribers.
func (b *Bus) safeInvoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "type", evt.Type, "panic", r)
		}
	}()
	h(evt)
}
