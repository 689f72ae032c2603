package dispatch

import (
	"time"

	"github.com/harun/rikka/pkg/capability"
)

// State is the lifecycle stage a call attempt ended in. Every attempt ends in
// exactly one of Blocked, Completed or Failed; the intermediate states appear
// only while the call is in flight.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateBlocked   State = "blocked"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// TraceEntry records one call attempt. The trace is append-only: exactly one
// entry per attempt, including attempts that never executed because they were
// blocked, unresolvable or over the depth limit.
type TraceEntry struct {
	// ID identifies the attempt.
	ID string `json:"id"`

	// Name is the requested entry name, recorded even when resolution failed.
	Name string `json:"name"`

	// Kind is empty when the name never resolved.
	Kind capability.Kind `json:"kind,omitempty"`

	// Depth is the depth of the frame that issued the call.
	Depth int `json:"depth"`

	State State `json:"state"`

	// Input is a snapshot taken when the call was issued, immune to later
	// mutation by the caller.
	Input  map[string]any `json:"input,omitempty"`
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Usage is token consumption attributed to one model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Calls        int `json:"calls"`
}

// UsageMap aggregates usage by model name.
type UsageMap map[string]Usage

// Add records one model call's token counts.
func (m UsageMap) Add(model string, inputTokens, outputTokens int) {
	u := m[model]
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.Calls++
	m[model] = u
}

// Merge folds another usage map into this one.
func (m UsageMap) Merge(other UsageMap) {
	for model, u := range other {
		agg := m[model]
		agg.InputTokens += u.InputTokens
		agg.OutputTokens += u.OutputTokens
		agg.Calls += u.Calls
		m[model] = agg
	}
}

// Total sums usage across all models.
func (m UsageMap) Total() Usage {
	var total Usage
	for _, u := range m {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.Calls += u.Calls
	}
	return total
}

// snapshotInput deep-copies the input, so later mutation by the caller cannot
// reach the recorded trace through nested maps or slices either.
func snapshotInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	snap := make(map[string]any, len(input))
	for k, v := range input {
		snap[k] = cloneValue(v)
	}
	return snap
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
