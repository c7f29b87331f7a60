package commbus

import (
	"context"
	"sync"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level.
type LoggingMiddleware struct {
	Logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{Logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	kv := []any{"event", GetMessageType(message)}
	if scoped, ok := message.(RequestScoped); ok {
		kv = append(kv, "request_id", scoped.Request())
	}
	m.Logger.Debug("commbus_publish", kv...)
	return message, nil
}

// After logs delivery failures.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.Logger.Warn("commbus_delivery_failed", "event", GetMessageType(message), "error", err.Error())
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitBreakerMiddleware drops events of a type whose subscribers keep failing.
//
// Each event type has its own breaker in a BreakerSet. While a breaker is
// open, events of that type are dropped instead of delivered. The ticket taken
// in Before is held per message until After settles it, so register this
// middleware last: a later Before that drops or replaces the message would
// leave the ticket unsettled.
type CircuitBreakerMiddleware struct {
	breakers *resilience.BreakerSet
	excluded map[string]struct{}

	mu      sync.Mutex
	pending map[Message][]resilience.Ticket
}

// NewCircuitBreakerMiddleware creates breakers with cfg. Excluded types bypass them.
func NewCircuitBreakerMiddleware(cfg resilience.BreakerConfig, excludedTypes []string, opts ...resilience.BreakerOption) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		breakers: resilience.NewBreakerSet(cfg, opts...),
		excluded: excluded,
		pending:  make(map[Message][]resilience.Ticket),
	}
}

// Before drops the event while its breaker is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, skip := m.excluded[msgType]; skip {
		return message, nil
	}
	cb := m.breakers.Get(msgType)
	ticket, ok := cb.CanAttempt()
	if !ok {
		cb.RecordRejection()
		return nil, nil
	}
	m.mu.Lock()
	m.pending[message] = append(m.pending[message], ticket)
	m.mu.Unlock()
	return message, nil
}

// After records the delivery result against the ticket taken in Before.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, skip := m.excluded[msgType]; skip {
		return result, nil
	}
	ticket, ok := m.take(message)
	if !ok {
		return result, nil
	}
	cb := m.breakers.Get(msgType)
	if err != nil {
		cb.RecordFailure(ticket)
	} else {
		cb.RecordSuccess(ticket)
	}
	return result, nil
}

func (m *CircuitBreakerMiddleware) take(message Message) (resilience.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tickets := m.pending[message]
	if len(tickets) == 0 {
		return resilience.Ticket{}, false
	}
	ticket := tickets[0]
	if len(tickets) == 1 {
		delete(m.pending, message)
	} else {
		m.pending[message] = tickets[1:]
	}
	return ticket, true
}

// States returns each event type's breaker state.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	out := make(map[string]string)
	for _, s := range m.breakers.Snapshots() {
		out[s.Target] = s.State
	}
	return out
}

// Reset closes the breaker for msgType.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.breakers.Get(msgType).Reset()
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
