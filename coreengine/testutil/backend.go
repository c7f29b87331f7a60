package testutil

import (
	"context"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// MOCK BACKEND
// =============================================================================

// MockBackend scripts responses for a model backend.
// Responses is matched by input prefix; first match in insertion order wins.
type MockBackend struct {
	DefaultResponse string
	Delay           time.Duration
	Error           error

	mu       sync.Mutex
	prefixes []string
	replies  map[string]string
	queue    []Reply
	inputs   []string
}

// Reply is one queued result.
type Reply struct {
	Output string
	Err    error
}

// NewMockBackend creates a backend answering with an empty JSON object.
func NewMockBackend() *MockBackend {
	return &MockBackend{DefaultResponse: `{}`, replies: map[string]string{}}
}

// WithResponse adds a prefix-matched response.
func (m *MockBackend) WithResponse(prefix, response string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replies[prefix]; !ok {
		m.prefixes = append(m.prefixes, prefix)
	}
	m.replies[prefix] = response
	return m
}

// Enqueue adds replies consumed before prefix matching.
func (m *MockBackend) Enqueue(replies ...Reply) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, replies...)
	return m
}

// Respond returns the scripted result for input.
func (m *MockBackend) Respond(ctx context.Context, input string) (string, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	delay := m.Delay
	var next *Reply
	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		next = &r
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if next != nil {
		return next.Output, next.Err
	}
	if m.Error != nil {
		return "", m.Error
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prefixes {
		if strings.HasPrefix(input, p) {
			return m.replies[p], nil
		}
	}
	return m.DefaultResponse, nil
}

// Inputs returns every input seen so far.
func (m *MockBackend) Inputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inputs...)
}

// CallCount returns the number of Respond calls.
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}
