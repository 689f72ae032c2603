package capability

import (
	"fmt"
	"sort"
	"strings"
)

// DuplicateNameError is returned when registering an entry whose name is
// already taken, including names reserved for provider-side tools.
type DuplicateNameError struct {
	Name     string
	Reserved bool
}

// Error implements the error interface.
func (e *DuplicateNameError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("capability name %q is reserved for provider-side tools", e.Name)
	}
	return fmt.Sprintf("capability %q is already registered", e.Name)
}

// UnknownCapabilityError is returned when resolving a name that has no entry.
// The message enumerates the currently available names so a calling model can
// self-correct within the same turn.
type UnknownCapabilityError struct {
	Name      string
	Available []string
}

// NewUnknownCapabilityError builds the error with a sorted copy of the
// available names.
func NewUnknownCapabilityError(name string, available []string) *UnknownCapabilityError {
	names := make([]string, len(available))
	copy(names, available)
	sort.Strings(names)
	return &UnknownCapabilityError{Name: name, Available: names}
}

// Error implements the error interface.
func (e *UnknownCapabilityError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unknown capability %q; no capabilities are available in this context", e.Name)
	}
	return fmt.Sprintf("unknown capability %q; available: %s", e.Name, strings.Join(e.Available, ", "))
}

// ValidationError is returned when an input or output value does not satisfy
// the entry's declared shape. It is raised before any side effect.
type ValidationError struct {
	Entry  string
	Field  string // "input" or "output"
	Causes []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed for %q: %s", e.Field, e.Entry, strings.Join(e.Causes, "; "))
}
