// Package commbus provides the in-process event bus the engine publishes
// workflow history on.
//
// Events fan out to every subscriber of their type and to wildcard
// subscribers. Middleware wraps each publish for cross-cutting concerns.
package commbus

import (
	"context"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Message is the protocol for all commbus messages.
type Message interface {
	// Category returns the message category, "event" for everything published here.
	Category() string
}

// RequestScoped is implemented by messages that belong to one workflow.
type RequestScoped interface {
	Message
	Request() string
}

// HandlerFunc processes a message.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware can intercept messages before and after delivery.
type Middleware interface {
	// Before is called before delivery. Returning nil, nil drops the message.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called once every subscriber has returned, with the first
	// subscriber error.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the event bus.
type CommBus interface {
	// Publish delivers an event to all subscribers and waits for them.
	Publish(ctx context.Context, event Message) error

	// Subscribe registers handler for eventType, or AllEvents.
	// Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// AddMiddleware appends middleware. Before runs in registration order,
	// After in reverse.
	AddMiddleware(middleware Middleware)
}

// Logger is the kv logger the bus reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
