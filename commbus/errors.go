package commbus

import (
	"fmt"
)

// CommBusError is the base error type for commbus errors.
type CommBusError struct {
	Message string
	Cause   error
}

func (e *CommBusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommBusError) Unwrap() error {
	return e.Cause
}

// NewMiddlewareError wraps a Before failure for messageType.
func NewMiddlewareError(messageType string, cause error) *CommBusError {
	return &CommBusError{
		Message: fmt.Sprintf("middleware rejected %s", messageType),
		Cause:   cause,
	}
}
