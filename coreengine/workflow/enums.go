// Package workflow holds the per-request state the engine drives: the
// workflow context, its append-only history and terminal status.
package workflow

import "github.com/jeeves-cluster-organization/stageflow/coreengine/config"

// Status is the terminal workflow status, exactly one per request.
type Status string

const (
	// StatusRunning marks an instance that has not reached completion.
	StatusRunning         Status = "running"
	StatusSuccess         Status = config.StatusSuccess
	StatusFailed          Status = config.StatusFailed
	StatusTimeoutExceeded Status = config.StatusTimeoutExceeded
	StatusBlocked         Status = config.StatusBlocked
)

// Terminal reports whether s is one of the four completion statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeoutExceeded, StatusBlocked:
		return true
	}
	return false
}

// TerminationReason explains how the engine arrived at the terminal status.
type TerminationReason string

const (
	// ReasonCompleted means the transition table routed to completion.
	ReasonCompleted TerminationReason = "completed"
	// ReasonWorkflowTimeout means the wall-clock ceiling elapsed.
	ReasonWorkflowTimeout TerminationReason = "workflow_timeout"
	// ReasonCancelled means the caller cancelled the workflow.
	ReasonCancelled TerminationReason = "cancelled"
	// ReasonMaxTransitions means the cycle guard fired.
	ReasonMaxTransitions TerminationReason = "max_transitions_exceeded"
)

// FailureKind classifies a failed stage attempt.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureHandlerError      FailureKind = "handler_error"
	FailureTimeout           FailureKind = "timeout"
	FailureProtocolViolation FailureKind = "protocol_violation"
	FailurePanic             FailureKind = "panic"
	FailureConfig            FailureKind = "config"
	FailureCancelled         FailureKind = "cancelled"
)
