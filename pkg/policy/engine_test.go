package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/rikka/pkg/capability"
)

func toolWithLabels(name string, labels ...string) *capability.Entry {
	return &capability.Entry{
		Name:   name,
		Kind:   capability.KindTool,
		Labels: labels,
		Handler: func(_ context.Context, input map[string]any, _ capability.Caller) (any, error) {
			return input, nil
		},
	}
}

func newEngine(t *testing.T, cfg Config, handler Handler) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, handler)
	require.NoError(t, err)
	return engine
}

func TestDecide_PriorityOrder(t *testing.T) {
	cfg := Config{
		Rules: Rules{
			"fs.read":   DecisionPreApproved,
			"fs.write":  DecisionNeedsApproval,
			"net.admin": DecisionBlocked,
		},
	}
	engine := newEngine(t, cfg, nil)

	tests := []struct {
		name   string
		labels []string
		want   Decision
	}{
		{"all pre-approved", []string{"fs.read"}, DecisionPreApproved},
		{"needs wins over pre", []string{"fs.read", "fs.write"}, DecisionNeedsApproval},
		{"blocked wins over everything", []string{"fs.read", "fs.write", "net.admin"}, DecisionBlocked},
		{"unknown label is conservative", []string{"something.odd"}, DecisionNeedsApproval},
		{"unlabeled defaults to needs", nil, DecisionNeedsApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := toolWithLabels("t", tt.labels...)
			assert.Equal(t, tt.want, engine.Decide(entry, nil))
		})
	}
}

func TestDecide_OverrideWinsOutright(t *testing.T) {
	cfg := Config{
		Rules:     Rules{"net.admin": DecisionBlocked},
		Overrides: map[string]Decision{"trusted": DecisionPreApproved},
	}
	engine := newEngine(t, cfg, nil)

	// The blocked label would win on its own, but the per-tool override is
	// checked first.
	entry := toolWithLabels("trusted", "net.admin")
	assert.Equal(t, DecisionPreApproved, engine.Decide(entry, nil))
}

func TestDecide_CapabilityFuncReplacesStaticLabels(t *testing.T) {
	cfg := Config{Rules: Rules{
		"proc.exec.safe": DecisionPreApproved,
		"proc.exec":      DecisionNeedsApproval,
	}}
	engine := newEngine(t, cfg, nil)
	engine.SetCapabilityFunc(func(_ string, args map[string]any) []string {
		if cmd, _ := args["command"].(string); cmd == "ls" {
			return []string{"proc.exec.safe"}
		}
		return []string{"proc.exec"}
	})

	entry := toolWithLabels("exec", "proc.exec")
	assert.Equal(t, DecisionPreApproved, engine.Decide(entry, map[string]any{"command": "ls"}))
	assert.Equal(t, DecisionNeedsApproval, engine.Decide(entry, map[string]any{"command": "rm"}))
}

func TestAuthorize_Blocked(t *testing.T) {
	engine := newEngine(t, Config{Rules: Rules{"net.admin": DecisionBlocked}}, AutoApproveHandler{})

	err := engine.Authorize(context.Background(), toolWithLabels("t", "net.admin"), ApprovalRequest{Entry: "t"})
	require.Error(t, err)

	var denied *ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, DecisionBlocked, denied.Decision)
}

func TestAuthorize_DenyIsTypedNotPanic(t *testing.T) {
	handler := &MockHandler{Response: ApprovalResponse{Approved: false, Reason: "operator said no"}}
	engine := newEngine(t, Config{}, handler)

	err := engine.Authorize(context.Background(), toolWithLabels("t"), ApprovalRequest{Entry: "t"})
	require.Error(t, err)

	var denied *ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "operator said no", denied.Reason)
	assert.Len(t, handler.Requests, 1)
}

func TestAuthorize_ApproveProceeds(t *testing.T) {
	handler := &MockHandler{Response: ApprovalResponse{Approved: true, Reason: "looks fine"}}
	engine := newEngine(t, Config{}, handler)

	err := engine.Authorize(context.Background(), toolWithLabels("t"), ApprovalRequest{Entry: "t"})
	assert.NoError(t, err)
}

func TestAuthorize_PreApprovedSkipsHandler(t *testing.T) {
	handler := &MockHandler{Response: ApprovalResponse{Approved: false}}
	engine := newEngine(t, Config{Rules: Rules{"fs.read": DecisionPreApproved}}, handler)

	err := engine.Authorize(context.Background(), toolWithLabels("t", "fs.read"), ApprovalRequest{Entry: "t"})
	assert.NoError(t, err)
	assert.Empty(t, handler.Requests, "pre-approved calls must not reach the handler")
}

func TestAuthorize_TimeoutIsDenialNotDeadlock(t *testing.T) {
	handler := &MockHandler{
		Response: ApprovalResponse{Approved: true},
		Delay:    time.Second,
	}
	engine := newEngine(t, Config{ApprovalTimeout: 20 * time.Millisecond}, handler)

	start := time.Now()
	err := engine.Authorize(context.Background(), toolWithLabels("t"), ApprovalRequest{Entry: "t"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var denied *ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.Reason, "timed out")
}

func TestAuthorize_NoHandlerDenies(t *testing.T) {
	engine := newEngine(t, Config{}, nil)

	err := engine.Authorize(context.Background(), toolWithLabels("t"), ApprovalRequest{Entry: "t"})
	require.Error(t, err)

	var denied *ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.Reason, "no handler")
}

func TestAuthorize_OnDecisionObservesEveryOutcome(t *testing.T) {
	type seen struct {
		entry    string
		decision Decision
	}
	var observed []seen
	engine := newEngine(t, Config{
		Rules: Rules{
			"fs.read":   DecisionPreApproved,
			"net.admin": DecisionBlocked,
		},
		OnDecision: func(entry string, d Decision) {
			observed = append(observed, seen{entry: entry, decision: d})
		},
	}, AutoApproveHandler{})

	require.NoError(t, engine.Authorize(context.Background(), toolWithLabels("reader", "fs.read"), ApprovalRequest{Entry: "reader"}))
	require.Error(t, engine.Authorize(context.Background(), toolWithLabels("admin", "net.admin"), ApprovalRequest{Entry: "admin"}))
	require.NoError(t, engine.Authorize(context.Background(), toolWithLabels("plain"), ApprovalRequest{Entry: "plain"}))

	assert.Equal(t, []seen{
		{entry: "reader", decision: DecisionPreApproved},
		{entry: "admin", decision: DecisionBlocked},
		{entry: "plain", decision: DecisionNeedsApproval},
	}, observed)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Rules: Rules{"x": "maybe"}}.Validate())
	assert.Error(t, Config{Overrides: map[string]Decision{"x": "nope"}}.Validate())
	assert.NoError(t, Config{
		Rules:     Rules{"x": DecisionBlocked},
		Overrides: map[string]Decision{"y": DecisionPreApproved},
	}.Validate())
}
