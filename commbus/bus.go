package commbus

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryCommBus is a thread-safe, in-process event bus.
//
// Usage:
//
//	bus := NewInMemoryCommBus(logger)
//	bus.Subscribe(EventStageAttempted, recordAttempt)
//	bus.Subscribe(AllEvents, sink.Handle)
//	bus.Publish(ctx, &StageAttempted{...})
type InMemoryCommBus struct {
	logger      Logger
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64
	mu          sync.RWMutex
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// NewInMemoryCommBus creates an empty bus. A nil logger discards output.
func NewInMemoryCommBus(logger Logger) *InMemoryCommBus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &InMemoryCommBus{
		logger:      logger,
		subscribers: make(map[string][]subscription),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers event to its subscribers and wildcard subscribers.
//
// Subscribers run concurrently and Publish waits for all of them. Subscriber
// errors are logged and handed to middleware; they never fail the publisher.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return NewMiddlewareError(eventType, err)
	}
	if processed == nil {
		b.logger.Debug("commbus_event_dropped", "event", eventType)
		return nil
	}

	subs := b.subscribersFor(eventType)
	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, processed, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[idx] = &CommBusError{Message: "subscriber panicked", Cause: fmt.Errorf("%v", r)}
				}
			}()
			if _, err := h(ctx, processed); err != nil {
				errs[idx] = err
			}
		}(i, sub.handler)
	}
	wg.Wait()

	var first error
	for i, e := range errs {
		if e == nil {
			continue
		}
		b.logger.Warn("commbus_subscriber_failed", "event", eventType, "subscriber", i, "error", e.Error())
		if first == nil {
			first = e
		}
	}

	_, _ = b.runMiddlewareAfter(ctx, processed, nil, first)
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type. The returned function unsubscribes.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "event", eventType)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// AddMiddleware adds middleware to the bus.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// SubscriberCount returns the number of direct subscribers of eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear removes all subscribers and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) subscribersFor(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	direct := b.subscribers[eventType]
	wildcard := b.subscribers[AllEvents]
	out := make([]subscription, 0, len(direct)+len(wildcard))
	out = append(out, direct...)
	if eventType != AllEvents {
		out = append(out, wildcard...)
	}
	return out
}

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

// runMiddlewareBefore runs the before chain in order.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	chain := b.middlewareSnapshot()
	current := result
	for i := len(chain) - 1; i >= 0; i-- {
		afterResult, afterErr := chain[i].After(ctx, message, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			current = afterResult
		}
	}
	return current, err
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)
