package sandbox

import (
	"errors"
	"fmt"
)

// EscapeError is returned when a path resolves outside the sandbox root,
// whether by traversal or through a symlink. It is fatal for the call that
// raised it and is never downgraded to a recoverable outcome.
type EscapeError struct {
	Path string
	Root string
}

// Error implements the error interface.
func (e *EscapeError) Error() string {
	return fmt.Sprintf("path %q resolves outside the sandbox root %q", e.Path, e.Root)
}

// ViolationError is returned when a write breaks the suffix allowlist, the
// size limit or the read-only flag.
type ViolationError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation on %q: %s", e.Path, e.Reason)
}

// ErrExecTimeout is returned when a sandboxed process exceeds its deadline.
var ErrExecTimeout = errors.New("sandboxed execution timed out")
