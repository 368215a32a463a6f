package stream

import (
	"fmt"

	apperrors "pulse/pkg/errors"
	"pulse/pkg/retry"
)

// HandlerExecutionError is a handler failure that outlived the retry policy.
type HandlerExecutionError struct {
	Handler   string
	EventID   string
	EventType string
	Attempts  int
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s failed on %s (%s) after %d attempts: %v", e.Handler, e.EventType, e.EventID, e.Attempts, e.Err)
}

func (e *HandlerExecutionError) Unwrap() []error {
	return []error{e.Err, apperrors.ErrHandlerExecution}
}

// IsFatal reports whether the underlying failure must not be retried.
func (e *HandlerExecutionError) IsFatal() bool {
	return retry.IsFatal(e.Err)
}
