package runtime

import (
	"runtime/debug"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
)

// SafeExecuteWithResult runs fn, converting a panic into a *PanicError.
func SafeExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", stack,
				)
			}
			var zero T
			result = zero
			err = &PanicError{Operation: operation, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// SafeGo runs fn on a goroutine with panic recovery.
// onPanic, if set, is called with the recovered value.
func SafeGo(logger logging.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
