package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Bus is the interface for the event bus.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	// Returns an error if the bus is closed.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for a specific event type. Returns an
	// unsubscribe function that removes the subscription.
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())

	// SubscribeAll registers a handler for every event type. Returns an
	// unsubscribe function that removes the subscription.
	SubscribeAll(handler EventHandler) (unsubscribe func())

	// Close shuts down the event bus and stops all subscriber goroutines.
	Close() error
}

// subscription represents a registered event handler.
type subscription struct {
	id           uint64
	eventType    EventType // empty string means subscribe to all
	handler      EventHandler
	events       chan Event
	done         chan struct{}
	unsubscribed atomic.Bool
}

// EventBus is the default implementation of the Bus interface.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	closed        atomic.Bool
	logger        *slog.Logger

	// bufferSize is the size of each subscriber's event buffer.
	bufferSize int

	// dropCount tracks how many events were dropped due to backpressure.
	dropCount atomic.Int64
}

// BusOption configures the event bus.
type BusOption func(*EventBus)

// WithBufferSize sets the buffer size for subscriber event channels.
func WithBufferSize(size int) BusOption {
	return func(b *EventBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets the logger for the event bus.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewBus creates a new event bus with the given options.
func NewBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		subscriptions: make(map[uint64]*subscription),
		bufferSize:    100,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish sends an event to all subscribers of the event type.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	return b.publishToSubscribers(ctx, event)
}

func (b *EventBus) publishToSubscribers(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscriptions {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("event bus subscriber buffer full, dropping event",
				"event_type", event.Type,
				"subscriber_id", sub.id,
			)
			b.dropCount.Add(1)
		}
	}
	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all event types.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	return b.subscribe("", handler)
}

func (b *EventBus) subscribe(eventType EventType, handler EventHandler) func() {
	if b.closed.Load() {
		return func() {}
	}

	id := b.nextID.Add(1)
	sub := &subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
		events:    make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[id] = sub
	b.mu.Unlock()

	go b.processEvents(sub)

	return func() {
		b.unsubscribe(id)
	}
}

// processEvents handles events for a single subscription.
func (b *EventBus) processEvents(sub *subscription) {
	for {
		select {
		case event, ok := <-sub.events:
			if !ok {
				return
			}
			b.safeCall(sub, event)
		case <-sub.done:
			for {
				select {
				case event, ok := <-sub.events:
					if !ok {
						return
					}
					b.safeCall(sub, event)
				default:
					return
				}
			}
		}
	}
}

// safeCall invokes the handler with panic recovery so one misbehaving
// subscriber cannot bring down the bus or its other subscribers.
func (b *EventBus) safeCall(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscriber_id", sub.id,
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()

	sub.handler(event)
}

// unsubscribe removes a subscription by ID.
func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	if ok && sub.unsubscribed.CompareAndSwap(false, true) {
		close(sub.done)
		close(sub.events)
	}
}

// Close shuts down the event bus and stops all subscriber goroutines.
func (b *EventBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.unsubscribed.CompareAndSwap(false, true) {
			close(sub.done)
			close(sub.events)
		}
	}

	return nil
}

// DroppedCount returns the number of events dropped due to a full
// subscriber buffer since the bus was created.
func (b *EventBus) DroppedCount() int64 {
	return b.dropCount.Load()
}
