package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/policy"
	"github.com/harun/rikka/pkg/sandbox"
)

func openPolicy(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine(policy.Config{
		Rules: policy.Rules{"safe": policy.DecisionPreApproved},
	}, policy.AutoApproveHandler{})
	require.NoError(t, err)
	return engine
}

func echoEntry() *capability.Entry {
	return &capability.Entry{
		Name:        "echo",
		Kind:        capability.KindTool,
		Description: "Returns its input text.",
		Labels:      []string{"safe"},
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: func(_ context.Context, input map[string]any, _ capability.Caller) (any, error) {
			return map[string]any{"text": input["text"]}, nil
		},
	}
}

func newDispatcher(t *testing.T, engine *policy.Engine, maxDepth int, entries ...*capability.Entry) *Dispatcher {
	t.Helper()
	registry := capability.NewRegistry()
	for _, e := range entries {
		require.NoError(t, registry.Register(e))
	}
	d, err := New(Options{
		Registry: registry,
		Policy:   engine,
		Sandbox:  sandbox.Config{Root: t.TempDir()},
		MaxDepth: maxDepth,
	})
	require.NoError(t, err)
	return d
}

func TestCall_ToolCompletes(t *testing.T) {
	d := newDispatcher(t, openPolicy(t), 3, echoEntry())

	result, err := d.Call(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, result.Output)

	require.Len(t, result.Trace, 1)
	rec := result.Trace[0]
	assert.Equal(t, "echo", rec.Name)
	assert.Equal(t, capability.KindTool, rec.Kind)
	assert.Equal(t, 0, rec.Depth)
	assert.Equal(t, StateCompleted, rec.State)
	assert.NotEmpty(t, rec.ID)
}

func TestCall_UnknownName(t *testing.T) {
	d := newDispatcher(t, openPolicy(t), 3, echoEntry())

	result, err := d.Call(context.Background(), "missing", nil)
	var unknown *capability.UnknownCapabilityError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "echo")

	require.Len(t, result.Trace, 1)
	assert.Equal(t, StateFailed, result.Trace[0].State)
	assert.Empty(t, result.Trace[0].Kind)
}

func TestCall_InputValidation(t *testing.T) {
	d := newDispatcher(t, openPolicy(t), 3, echoEntry())

	result, err := d.Call(context.Background(), "echo", map[string]any{"text": 42})
	var invalid *capability.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "input", invalid.Field)
	assert.Equal(t, StateFailed, result.Trace[0].State)
}

func TestCall_OutputValidation(t *testing.T) {
	bad := &capability.Entry{
		Name:         "bad_shape",
		Kind:         capability.KindTool,
		Description:  "Declares one shape, returns another.",
		Labels:       []string{"safe"},
		OutputSchema: map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
			return "not an object", nil
		},
	}
	d := newDispatcher(t, openPolicy(t), 3, bad)

	result, err := d.Call(context.Background(), "bad_shape", nil)
	var invalid *capability.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "output", invalid.Field)
	assert.Equal(t, StateFailed, result.Trace[0].State)
}

func TestCall_BlockedByPolicy(t *testing.T) {
	engine, err := policy.NewEngine(policy.Config{
		Rules: policy.Rules{"danger": policy.DecisionBlocked},
	}, policy.AutoApproveHandler{})
	require.NoError(t, err)

	risky := echoEntry()
	risky.Name = "risky"
	risky.Labels = []string{"danger"}
	d := newDispatcher(t, engine, 3, risky)

	result, err := d.Call(context.Background(), "risky", map[string]any{"text": "x"})
	var denied *policy.ApprovalDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.DecisionBlocked, denied.Decision)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, StateBlocked, result.Trace[0].State)
}

func TestCall_DeniedByHandler(t *testing.T) {
	engine, err := policy.NewEngine(policy.Config{}, policy.DenyAllHandler{})
	require.NoError(t, err)
	d := newDispatcher(t, engine, 3, echoEntry())

	// No rule covers "safe", so the call needs approval and the handler
	// denies it.
	result, err := d.Call(context.Background(), "echo", map[string]any{"text": "x"})
	var denied *policy.ApprovalDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, StateBlocked, result.Trace[0].State)
}

func TestCall_DepthLimitStopsNestedCall(t *testing.T) {
	worker := &capability.Entry{
		Name:        "w1",
		Kind:        capability.KindWorker,
		Description: "Delegates to echo.",
		Labels:      []string{"safe"},
		Toolset:     capability.ToolsetSpec{Imports: []string{"echo"}},
		Handler: func(ctx context.Context, _ map[string]any, caller capability.Caller) (any, error) {
			return caller.Call(ctx, "echo", map[string]any{"text": "nested"})
		},
	}
	d := newDispatcher(t, openPolicy(t), 1, echoEntry(), worker)

	result, err := d.Call(context.Background(), "w1", nil)
	var exceeded *DepthExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 1, exceeded.Depth)
	assert.Equal(t, 1, exceeded.MaxDepth)

	// Two attempts, two trace entries: the nested call blocked at depth 1
	// before echo ever ran, and the failed worker call at depth 0.
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "echo", result.Trace[0].Name)
	assert.Equal(t, 1, result.Trace[0].Depth)
	assert.Equal(t, StateBlocked, result.Trace[0].State)
	assert.Equal(t, "w1", result.Trace[1].Name)
	assert.Equal(t, 0, result.Trace[1].Depth)
}

func TestCall_NestedCallSucceedsWithinLimit(t *testing.T) {
	worker := &capability.Entry{
		Name:        "w1",
		Kind:        capability.KindWorker,
		Description: "Delegates to echo.",
		Labels:      []string{"safe"},
		Toolset:     capability.ToolsetSpec{Imports: []string{"echo"}},
		Handler: func(ctx context.Context, _ map[string]any, caller capability.Caller) (any, error) {
			return caller.Call(ctx, "echo", map[string]any{"text": "nested"})
		},
	}
	d := newDispatcher(t, openPolicy(t), 2, echoEntry(), worker)

	result, err := d.Call(context.Background(), "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "nested"}, result.Output)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, StateCompleted, result.Trace[0].State)
	assert.Equal(t, StateCompleted, result.Trace[1].State)
}

func TestCall_ToolsetNarrowsReachableSet(t *testing.T) {
	secret := echoEntry()
	secret.Name = "secret"
	worker := &capability.Entry{
		Name:        "narrow",
		Kind:        capability.KindWorker,
		Description: "Can reach echo only.",
		Labels:      []string{"safe"},
		Toolset:     capability.ToolsetSpec{Imports: []string{"echo"}},
		Handler: func(ctx context.Context, _ map[string]any, caller capability.Caller) (any, error) {
			return caller.Call(ctx, "secret", map[string]any{"text": "x"})
		},
	}
	d := newDispatcher(t, openPolicy(t), 3, echoEntry(), secret, worker)

	_, err := d.Call(context.Background(), "narrow", nil)
	var unknown *capability.UnknownCapabilityError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"echo"}, unknown.Available)
}

func TestCall_UsageMergesUpward(t *testing.T) {
	leaf := &capability.Entry{
		Name:        "leaf",
		Kind:        capability.KindWorker,
		Description: "Consumes tokens.",
		Labels:      []string{"safe"},
		Handler: func(_ context.Context, _ map[string]any, caller capability.Caller) (any, error) {
			caller.AddUsage("claude-sonnet-4", 100, 20)
			return "done", nil
		},
	}
	parent := &capability.Entry{
		Name:        "parent",
		Kind:        capability.KindWorker,
		Description: "Calls leaf twice.",
		Labels:      []string{"safe"},
		Toolset:     capability.ToolsetSpec{Imports: []string{"leaf"}},
		Handler: func(ctx context.Context, _ map[string]any, caller capability.Caller) (any, error) {
			if _, err := caller.Call(ctx, "leaf", nil); err != nil {
				return nil, err
			}
			if _, err := caller.Call(ctx, "leaf", nil); err != nil {
				return nil, err
			}
			caller.AddUsage("claude-opus-4", 50, 10)
			return "done", nil
		},
	}
	d := newDispatcher(t, openPolicy(t), 3, leaf, parent)

	result, err := d.Call(context.Background(), "parent", nil)
	require.NoError(t, err)

	assert.Equal(t, Usage{InputTokens: 200, OutputTokens: 40, Calls: 2}, result.Usage["claude-sonnet-4"])
	assert.Equal(t, Usage{InputTokens: 50, OutputTokens: 10, Calls: 1}, result.Usage["claude-opus-4"])
	total := result.Usage.Total()
	assert.Equal(t, 250, total.InputTokens)
	assert.Equal(t, 50, total.OutputTokens)
}

func TestCall_HandlerErrorWrapped(t *testing.T) {
	boom := &capability.Entry{
		Name:        "boom",
		Kind:        capability.KindTool,
		Description: "Always fails.",
		Labels:      []string{"safe"},
		Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
			return nil, fmt.Errorf("disk on fire")
		},
	}
	d := newDispatcher(t, openPolicy(t), 3, boom)

	_, err := d.Call(context.Background(), "boom", nil)
	var execErr *EntryExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "boom", execErr.Entry)
	assert.EqualError(t, errors.Unwrap(execErr), "disk on fire")
}

func TestCall_HandlerPanicBecomesError(t *testing.T) {
	panicky := &capability.Entry{
		Name:        "panicky",
		Kind:        capability.KindTool,
		Description: "Panics.",
		Labels:      []string{"safe"},
		Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
			panic("unexpected nil")
		},
	}
	d := newDispatcher(t, openPolicy(t), 3, panicky)

	result, err := d.Call(context.Background(), "panicky", nil)
	var execErr *EntryExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Error(), "handler panic")
	assert.Equal(t, StateFailed, result.Trace[0].State)
}

func TestCall_InputSnapshotImmuneToMutation(t *testing.T) {
	d := newDispatcher(t, openPolicy(t), 3, echoEntry())

	nested := map[string]any{"path": "a.txt"}
	items := []any{"one"}
	input := map[string]any{"text": "original", "meta": nested, "items": items}
	result, err := d.Call(context.Background(), "echo", input)
	require.NoError(t, err)

	input["text"] = "mutated"
	nested["path"] = "b.txt"
	items[0] = "two"

	snap := result.Trace[0].Input
	assert.Equal(t, "original", snap["text"])
	assert.Equal(t, map[string]any{"path": "a.txt"}, snap["meta"])
	assert.Equal(t, []any{"one"}, snap["items"])
}

func TestCall_OnTraceObservesEveryAttempt(t *testing.T) {
	var seen []TraceEntry
	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(echoEntry()))
	d, err := New(Options{
		Registry: registry,
		Policy:   openPolicy(t),
		MaxDepth: 3,
		OnTrace:  func(rec TraceEntry) { seen = append(seen, rec) },
	})
	require.NoError(t, err)

	_, _ = d.Call(context.Background(), "echo", map[string]any{"text": "a"})
	_, _ = d.Call(context.Background(), "missing", nil)

	require.Len(t, seen, 2)
	assert.Equal(t, StateCompleted, seen[0].State)
	assert.Equal(t, StateFailed, seen[1].State)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "registry")

	_, err = New(Options{Registry: capability.NewRegistry()})
	assert.ErrorContains(t, err, "policy")
}

func TestNew_SealsRegistry(t *testing.T) {
	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(echoEntry()))
	_, err := New(Options{Registry: registry, Policy: openPolicy(t)})
	require.NoError(t, err)

	assert.True(t, registry.Sealed())
	err = registry.Register(echoEntry())
	assert.Error(t, err)
}
