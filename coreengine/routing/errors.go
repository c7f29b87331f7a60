package routing

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownBackend is wrapped by lookups of backends that were never registered.
var ErrUnknownBackend = errors.New("unknown backend")

// BothBackendsFailedError is returned when the selected backend and its fallback both fail.
type BothBackendsFailedError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *BothBackendsFailedError) Error() string {
	return fmt.Sprintf("both backends failed: %s: %v; %s: %v", e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

// Unwrap exposes both underlying failures to errors.Is and errors.As.
func (e *BothBackendsFailedError) Unwrap() []error {
	return []error{e.PrimaryErr, e.FallbackErr}
}

// CallError wraps a provider failure with the backend that produced it.
type CallError struct {
	Backend string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Backend, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// rateWaitError means the caller's deadline expires before the limiter
// would admit the call. It is treated like cancellation.
type rateWaitError struct {
	backend string
	err     error
}

func (e *rateWaitError) Error() string {
	return fmt.Sprintf("backend %s rate limited: %v", e.backend, e.err)
}

func (e *rateWaitError) Unwrap() error {
	return context.DeadlineExceeded
}

func isRateWait(err error) bool {
	var rw *rateWaitError
	return errors.As(err, &rw)
}
