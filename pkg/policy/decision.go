// Package policy decides whether a dispatched call may proceed. Capability
// labels are opaque strings; they only acquire meaning through the rule
// table, and an explicit per-tool override always wins over anything a label
// says.
package policy

import (
	"fmt"
	"time"
)

// Decision is the outcome of policy evaluation for one call.
type Decision string

const (
	// DecisionPreApproved lets the call proceed without asking anyone.
	DecisionPreApproved Decision = "pre_approved"
	// DecisionNeedsApproval suspends the call on the approval handler.
	DecisionNeedsApproval Decision = "needs_approval"
	// DecisionBlocked refuses the call outright; the entry is never invoked.
	DecisionBlocked Decision = "blocked"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPreApproved, DecisionNeedsApproval, DecisionBlocked:
		return true
	}
	return false
}

// Rules maps capability labels to decisions. Labels absent from the table
// fall back to needs_approval.
type Rules map[string]Decision

// Config configures the policy engine.
type Config struct {
	// Rules is the label rule table.
	Rules Rules `json:"rules"`

	// Overrides maps entry names to decisions. An override wins outright
	// over any capability-derived decision.
	Overrides map[string]Decision `json:"overrides"`

	// ApprovalTimeout bounds how long a needs_approval call may wait on the
	// handler. A stalled approval must not deadlock sibling work.
	ApprovalTimeout time.Duration `json:"approval_timeout"`

	// OnDecision, when set, observes every decision Authorize makes. It runs
	// on the calling goroutine and must not block.
	OnDecision func(entry string, d Decision) `json:"-"`
}

// Validate checks the rule table and overrides for unknown decisions.
func (c Config) Validate() error {
	for label, d := range c.Rules {
		if !d.Valid() {
			return fmt.Errorf("rule for label %q has invalid decision %q", label, d)
		}
	}
	for name, d := range c.Overrides {
		if !d.Valid() {
			return fmt.Errorf("override for %q has invalid decision %q", name, d)
		}
	}
	if c.ApprovalTimeout < 0 {
		return fmt.Errorf("approval_timeout must be non-negative")
	}
	return nil
}

// ApprovalDeniedError is the typed refusal returned when policy blocks a
// call or the approval handler denies it. It is a recoverable protocol
// outcome: a worker feeds it back to the model as a tool result instead of
// crashing the run.
type ApprovalDeniedError struct {
	Entry    string
	Decision Decision
	Reason   string
}

// Error implements the error interface.
func (e *ApprovalDeniedError) Error() string {
	if e.Decision == DecisionBlocked {
		return fmt.Sprintf("call to %q blocked by policy: %s", e.Entry, e.Reason)
	}
	return fmt.Sprintf("approval denied for %q: %s", e.Entry, e.Reason)
}
