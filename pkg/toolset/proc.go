package toolset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/sandbox"
)

// procGroup is the per-call process execution instance. Releasing it cancels
// any process still in flight, so cancellation of the call tree reaches the
// sandboxed children.
type procGroup struct {
	executor *sandbox.Executor

	groupCtx context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func newProcGroup(cfg sandbox.Config) (*procGroup, error) {
	executor, err := sandbox.NewExecutor(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &procGroup{
		executor: executor,
		groupCtx: ctx,
		cancel:   cancel,
	}, nil
}

func (g *procGroup) release() error {
	g.cancel()
	g.inflight.Wait()
	return nil
}

func (g *procGroup) entries() []*capability.Entry {
	return []*capability.Entry{
		{
			Name:        "proc.exec",
			Kind:        capability.KindTool,
			Description: "Run a command inside the sandbox with a scrubbed environment and a timeout.",
			Labels:      []string{"proc.exec"},
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Executable to run"},
					"args": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Command arguments",
					},
					"dir":             map[string]any{"type": "string", "description": "Working directory relative to the sandbox root"},
					"stdin":           map[string]any{"type": "string", "description": "Standard input"},
					"timeout_seconds": map[string]any{"type": "integer", "description": "Execution timeout in seconds"},
				},
				"required": []string{"command"},
			},
			Handler: g.exec,
		},
	}
}

func (g *procGroup) exec(ctx context.Context, input map[string]any, _ capability.Caller) (any, error) {
	select {
	case <-g.groupCtx.Done():
		return nil, fmt.Errorf("process toolset instance already released")
	default:
	}

	g.inflight.Add(1)
	defer g.inflight.Done()

	req := sandbox.ExecRequest{}
	req.Command, _ = input["command"].(string)
	req.Dir, _ = input["dir"].(string)
	if stdin, ok := input["stdin"].(string); ok {
		req.Stdin = []byte(stdin)
	}
	if args, ok := input["args"].([]any); ok {
		for _, a := range args {
			if s, ok := a.(string); ok {
				req.Args = append(req.Args, s)
			}
		}
	}
	if seconds, ok := asInt(input["timeout_seconds"]); ok && seconds > 0 {
		req.Timeout = time.Duration(seconds) * time.Second
	}

	// Run under both the call context and the group context, so either a
	// call-tree abort or a toolset release stops the process.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.groupCtx, cancel)
	defer stop()

	result, err := g.executor.Exec(execCtx, req)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"stdout":    string(result.Stdout),
		"stderr":    string(result.Stderr),
		"exit_code": result.ExitCode,
	}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
