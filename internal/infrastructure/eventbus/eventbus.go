package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one published record.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   any
}

// Handler consumes events of a subscribed type.
type Handler func(ctx context.Context, event Event)

// Bus is a many-producer / many-consumer broadcaster. Publishing never
// blocks the producer: when the buffer is full the event is dropped, which
// is acceptable for token-usage and turn-completed notifications.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// New creates a bus with the given buffer size and starts its dispatch
// goroutine.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	bus := &Bus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger.With(zap.String("component", "eventbus")),
	}
	bus.wg.Add(1)
	go bus.dispatch()
	return bus
}

// Publish enqueues an event. Lossy on back-pressure.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: Event{Type: eventType, Timestamp: time.Now(), Payload: payload}}:
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", eventType),
		)
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// dispatch runs handlers sequentially off the buffered channel. A slow
// handler delays later events, not producers.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for wrapped := range b.eventChan {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[wrapped.event.Type]...)
		b.mu.RUnlock()

		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("Event handler panicked",
							zap.String("type", wrapped.event.Type),
							zap.Any("panic", r),
						)
					}
				}()
				h(wrapped.ctx, wrapped.event)
			}()
		}
	}
}

// Close stops the bus and waits for in-flight dispatch to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.eventChan)
	b.wg.Wait()
}
