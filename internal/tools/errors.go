package tools

import (
	"errors"
	"fmt"
)

// ErrVerifyMismatch is returned by a tool's Verify function when the
// re-read target does not reflect the write.
var ErrVerifyMismatch = errors.New("written state not observed on re-read")

// ValidationError reports arguments that do not satisfy a tool's
// declared schema. The loop feeds it back to the model as a failed
// tool result rather than aborting the turn.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %s: argument %q: %s", e.Tool, e.Field, e.Reason)
}

// ExecutionError reports a handler failure. It surfaces as a failed
// tool result and never aborts the enclosing conversation turn.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
