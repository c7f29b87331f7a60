package commbus

import (
	"time"
)

// MessageCategory is the kind of message.
type MessageCategory string

const (
	MessageCategoryEvent MessageCategory = "event"
)

// Event type names, as returned by GetMessageType.
const (
	EventWorkflowStarted   = "WorkflowStarted"
	EventStageAttempted    = "StageAttempted"
	EventStageSkipped      = "StageSkipped"
	EventWorkflowCompleted = "WorkflowCompleted"
)

// =============================================================================
// WORKFLOW EVENTS
// =============================================================================

// WorkflowStarted is published when a workflow enters its first stage.
type WorkflowStarted struct {
	RequestID string    `json:"request_id"`
	Input     string    `json:"input"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *WorkflowStarted) Category() string { return string(MessageCategoryEvent) }
func (m *WorkflowStarted) Request() string  { return m.RequestID }

// StageAttempted is published after every handler attempt, successful or not.
type StageAttempted struct {
	RequestID   string    `json:"request_id"`
	Stage       string    `json:"stage"`
	Agent       string    `json:"agent"`
	Number      int       `json:"number"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

func (m *StageAttempted) Category() string { return string(MessageCategoryEvent) }
func (m *StageAttempted) Request() string  { return m.RequestID }

// StageSkipped is published when an optional stage's condition is false.
type StageSkipped struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Condition string    `json:"condition,omitempty"`
	Next      string    `json:"next"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *StageSkipped) Category() string { return string(MessageCategoryEvent) }
func (m *StageSkipped) Request() string  { return m.RequestID }

// WorkflowCompleted is published once per workflow with its terminal status.
type WorkflowCompleted struct {
	RequestID         string    `json:"request_id"`
	Status            string    `json:"status"`
	TerminationReason string    `json:"termination_reason"`
	Stages            int       `json:"stages"`
	Transitions       int       `json:"transitions"`
	DurationMs        int64     `json:"duration_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

func (m *WorkflowCompleted) Category() string { return string(MessageCategoryEvent) }
func (m *WorkflowCompleted) Request() string  { return m.RequestID }

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that name their own type.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *WorkflowStarted:
		return EventWorkflowStarted
	case *StageAttempted:
		return EventStageAttempted
	case *StageSkipped:
		return EventStageSkipped
	case *WorkflowCompleted:
		return EventWorkflowCompleted
	default:
		return "Unknown"
	}
}
