package dispatch

import (
	"fmt"

	"github.com/harun/rikka/pkg/capability"
)

// DepthExceededError reports a call rejected because the issuing frame is
// already at the recursion bound. The call never reaches resolution or policy.
type DepthExceededError struct {
	Entry    string
	Depth    int
	MaxDepth int
}

// Error implements the error interface.
func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("call to %q rejected: frame depth %d reached the limit %d", e.Entry, e.Depth, e.MaxDepth)
}

// EntryExecutionError wraps a failure produced by an entry's handler, keeping
// the runtime's own error taxonomy distinguishable from entry failures.
type EntryExecutionError struct {
	Entry string
	Kind  capability.Kind
	Err   error
}

// Error implements the error interface.
func (e *EntryExecutionError) Error() string {
	return fmt.Sprintf("%s %q failed: %v", e.Kind, e.Entry, e.Err)
}

// Unwrap exposes the underlying handler error.
func (e *EntryExecutionError) Unwrap() error {
	return e.Err
}
