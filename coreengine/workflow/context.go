package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Shared fact keys written by the engine.
const (
	// FactFailurePrefix prefixes the exhaustion record of a stage: "failure.<stage>".
	FactFailurePrefix = "failure."
	// FactCompletionStatus holds the status carried by the transition into completion.
	FactCompletionStatus = "completion.status"
)

// HistoryEntry records one stage attempt.
type HistoryEntry struct {
	Stage       string      `json:"stage"`
	Agent       string      `json:"agent"`
	Number      int         `json:"number"`
	Outcome     string      `json:"outcome,omitempty"`
	Attempt     int         `json:"attempt"`
	Timestamp   time.Time   `json:"timestamp"`
	DurationMs  int64       `json:"duration_ms"`
	Error       string      `json:"error,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
}

// Succeeded reports whether the attempt produced an accepted outcome.
func (h HistoryEntry) Succeeded() bool {
	return h.FailureKind == FailureNone
}

// FailureRecord is stored under "failure.<stage>" when a stage exhausts its retries.
type FailureRecord struct {
	Stage    string      `json:"stage"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error"`
	Kind     FailureKind `json:"kind"`
}

// Context is the mutable state of one workflow instance.
//
// It is written only by the engine that owns it; the lock lets observers
// take snapshots while the instance runs.
type Context struct {
	mu sync.RWMutex

	RequestID    string
	Input        string
	CurrentStage string
	History      []HistoryEntry
	RetryCounts  map[string]int
	SharedFacts  map[string]any

	Status            Status
	TerminationReason TerminationReason
	Transitions       int
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// NewContext creates a running context. An empty requestID gets a generated one.
func NewContext(requestID, input string) *Context {
	if requestID == "" {
		requestID = "req_" + uuid.New().String()
	}
	return &Context{
		RequestID:   requestID,
		Input:       input,
		History:     []HistoryEntry{},
		RetryCounts: make(map[string]int),
		SharedFacts: make(map[string]any),
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
}

// =============================================================================
// ENGINE MUTATORS
// =============================================================================

// EnterStage makes stage current. Coming from a different stage resets its retry count.
func (c *Context) EnterStage(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CurrentStage != stage {
		c.RetryCounts[stage] = 0
	}
	c.CurrentStage = stage
}

// RetryCount returns the retries used in the current entry of stage.
func (c *Context) RetryCount(stage string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RetryCounts[stage]
}

// IncrementRetry bumps the retry count of stage and returns the new value.
func (c *Context) IncrementRetry(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RetryCounts[stage]++
	return c.RetryCounts[stage]
}

// CountTransition bumps the transition counter and returns the new value.
func (c *Context) CountTransition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transitions++
	return c.Transitions
}

// Append adds an entry to the history.
func (c *Context) Append(entry HistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.History = append(c.History, entry)
}

// MergeFacts copies facts into SharedFacts, overwriting existing keys.
func (c *Context) MergeFacts(facts map[string]any) {
	if len(facts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range facts {
		c.SharedFacts[k] = v
	}
}

// SetFact sets one shared fact.
func (c *Context) SetFact(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SharedFacts[key] = value
}

// Finish records the terminal status. Later calls are ignored.
func (c *Context) Finish(status Status, reason TerminationReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	c.Status = status
	c.TerminationReason = reason
	c.CompletedAt = &now
	return true
}

// =============================================================================
// QUERIES
// =============================================================================

// Fact returns a shared fact.
func (c *Context) Fact(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.SharedFacts[key]
	return v, ok
}

// Done reports whether a terminal status was recorded.
func (c *Context) Done() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status.Terminal()
}

// Snapshot returns a deep copy safe to hand to handlers and observers.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]HistoryEntry, len(c.History))
	copy(history, c.History)
	retries := make(map[string]int, len(c.RetryCounts))
	for k, v := range c.RetryCounts {
		retries[k] = v
	}
	var completed *time.Time
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		completed = &t
	}

	return Snapshot{
		RequestID:         c.RequestID,
		Input:             c.Input,
		CurrentStage:      c.CurrentStage,
		History:           history,
		RetryCounts:       retries,
		SharedFacts:       deepCopyAnyMap(c.SharedFacts),
		Status:            c.Status,
		TerminationReason: c.TerminationReason,
		Transitions:       c.Transitions,
		StartedAt:         c.StartedAt,
		CompletedAt:       completed,
	}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is a read-only copy of a Context.
type Snapshot struct {
	RequestID         string            `json:"request_id"`
	Input             string            `json:"input"`
	CurrentStage      string            `json:"current_stage"`
	History           []HistoryEntry    `json:"history"`
	RetryCounts       map[string]int    `json:"retry_counts"`
	SharedFacts       map[string]any    `json:"shared_facts"`
	Status            Status            `json:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	Transitions       int               `json:"transitions"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// Fact returns a shared fact.
func (s Snapshot) Fact(key string) (any, bool) {
	v, ok := s.SharedFacts[key]
	return v, ok
}

// LastEntry returns the most recent history entry for stage, successful or not.
func (s Snapshot) LastEntry(stage string) (HistoryEntry, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Stage == stage {
			return s.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// LastOutcome returns the most recent accepted outcome produced by stage.
func (s Snapshot) LastOutcome(stage string) (string, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		h := s.History[i]
		if h.Stage == stage && h.Succeeded() {
			return h.Outcome, true
		}
	}
	return "", false
}

// LastSuccess returns the most recent successful entry of any stage.
func (s Snapshot) LastSuccess() (HistoryEntry, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Succeeded() {
			return s.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// Entries counts successful attempts of stage.
func (s Snapshot) Entries(stage string) int {
	n := 0
	for _, h := range s.History {
		if h.Stage == stage && h.Succeeded() {
			n++
		}
	}
	return n
}

// Failure returns the exhaustion record of stage, if any.
func (s Snapshot) Failure(stage string) (FailureRecord, bool) {
	v, ok := s.SharedFacts[FactFailurePrefix+stage]
	if !ok {
		return FailureRecord{}, false
	}
	rec, ok := v.(FailureRecord)
	return rec, ok
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		result := make([]string, len(val))
		copy(result, val)
		return result
	default:
		// Primitives copy by value; typed values stored by the engine are immutable.
		return v
	}
}
