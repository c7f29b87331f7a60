package runtime

import (
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

var (
	// ErrUnknownWorkflow is returned by Manager lookups of ids it never issued.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrManagerClosed is returned by Submit after Shutdown.
	ErrManagerClosed = errors.New("manager is shut down")
)

// AttemptError describes one failed stage attempt.
type AttemptError struct {
	Stage   string
	Attempt int
	Kind    workflow.FailureKind
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("stage %s attempt %d failed (%s): %v", e.Stage, e.Attempt, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *AttemptError) Retryable() bool {
	return e.Kind != workflow.FailureConfig && e.Kind != workflow.FailureCancelled
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// DuplicateWorkflowError is returned when a request id is already hosted.
type DuplicateWorkflowError struct {
	RequestID string
}

func (e *DuplicateWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s already exists", e.RequestID)
}
