// Package testutil provides shared test doubles for the engine packages.
//
// Everything here is safe for concurrent use, since engine attempts and
// TODO items run on their own goroutines.
package testutil

import (
	"sync"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
)

// =============================================================================
// TEST LOGGER
// =============================================================================

// LogCall represents a single log call with message and structured fields.
type LogCall struct {
	Level   string
	Message string
	Fields  map[string]any
}

// TestLogger records every call for assertions. Bound children share the
// parent's record.
type TestLogger struct {
	mu     *sync.Mutex
	calls  *[]LogCall
	fields []any
}

// NewTestLogger creates an empty recording logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{mu: &sync.Mutex{}, calls: &[]LogCall{}}
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.record("debug", msg, keysAndValues) }
func (l *TestLogger) Info(msg string, keysAndValues ...any)  { l.record("info", msg, keysAndValues) }
func (l *TestLogger) Warn(msg string, keysAndValues ...any)  { l.record("warn", msg, keysAndValues) }
func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.record("error", msg, keysAndValues) }

// Bind returns a child that prepends fields to every call.
func (l *TestLogger) Bind(fields ...any) logging.Logger {
	merged := make([]any, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &TestLogger{mu: l.mu, calls: l.calls, fields: merged}
}

func (l *TestLogger) record(level, msg string, keysAndValues []any) {
	all := make([]any, 0, len(l.fields)+len(keysAndValues))
	all = append(all, l.fields...)
	all = append(all, keysAndValues...)

	l.mu.Lock()
	defer l.mu.Unlock()
	*l.calls = append(*l.calls, LogCall{Level: level, Message: msg, Fields: toMap(msg, all)})
}

// toMap converts key-value pairs to a map for structured assertions.
func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// Calls returns a copy of all recorded calls in order.
func (l *TestLogger) Calls() []LogCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogCall, len(*l.calls))
	copy(out, *l.calls)
	return out
}

// Find returns every call with the given message.
func (l *TestLogger) Find(msg string) []LogCall {
	var out []LogCall
	for _, c := range l.Calls() {
		if c.Message == msg {
			out = append(out, c)
		}
	}
	return out
}

// HasMessage reports whether msg was logged at level. An empty level matches any.
func (l *TestLogger) HasMessage(level, msg string) bool {
	for _, c := range l.Find(msg) {
		if level == "" || c.Level == level {
			return true
		}
	}
	return false
}

var _ logging.Logger = (*TestLogger)(nil)
