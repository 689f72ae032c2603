// Package export persists finished call trees. The runtime itself keeps
// trace and usage process-local; these sinks are for hosts that want runs on
// disk, either as append-only JSONL or queryable SQLite.
package export

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/harun/rikka/pkg/dispatch"
)

// Run is one completed top-level dispatch with its merged trace and usage.
type Run struct {
	ID        string                `json:"id"`
	Entry     string                `json:"entry"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
	Output    any                   `json:"output,omitempty"`
	Error     string                `json:"error,omitempty"`
	Trace     []dispatch.TraceEntry `json:"trace"`
	Usage     dispatch.UsageMap     `json:"usage"`
}

// NewRun packages a dispatch result for export.
func NewRun(entry string, startedAt time.Time, result *dispatch.Result, err error) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		Entry:     entry,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	if result != nil {
		run.Output = result.Output
		run.Trace = result.Trace
		run.Usage = result.Usage
	}
	if err != nil {
		run.Error = err.Error()
	}
	return run
}

// Sink persists runs.
type Sink interface {
	Save(ctx context.Context, run *Run) error
	Close() error
}
