package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/capability"
)

// DefaultApprovalTimeout bounds approval waits when the config sets none.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalRequest is the structured request handed to the approval handler.
type ApprovalRequest struct {
	Entry   string         `json:"entry"`
	Kind    string         `json:"kind"`
	Labels  []string       `json:"labels"`
	Args    map[string]any `json:"args"`
	Depth   int            `json:"depth"`
	FrameID string         `json:"frame_id"`
}

// ApprovalResponse is the handler's verdict.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Handler is the host-supplied approval boundary: an interactive prompt, a
// headless auto-approver, or a queued UI. It is transport-agnostic.
type Handler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// CapabilityFunc computes args-dependent labels for a call. When set, its
// result replaces the entry's static declaration for that call.
type CapabilityFunc func(name string, args map[string]any) []string

// Engine evaluates the per-call approval decision and runs the approval
// workflow for calls that need one.
type Engine struct {
	cfg     Config
	handler Handler
	capFn   CapabilityFunc
}

// NewEngine creates a policy engine. handler may be nil, in which case every
// needs_approval call is denied with an explanatory reason.
func NewEngine(cfg Config, handler Handler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Engine{cfg: cfg, handler: handler}, nil
}

// SetCapabilityFunc installs the args-dependent label hook.
func (e *Engine) SetCapabilityFunc(fn CapabilityFunc) {
	e.capFn = fn
}

// Decide computes the decision for one call. Priority: explicit per-tool
// override, then any blocked label, then any needs_approval label, then any
// pre_approved label; unlabeled entries default to needs_approval.
func (e *Engine) Decide(entry *capability.Entry, args map[string]any) Decision {
	if override, ok := e.cfg.Overrides[entry.Name]; ok {
		return override
	}

	labels := entry.Labels
	if e.capFn != nil {
		labels = e.capFn(entry.Name, args)
	}

	if len(labels) == 0 {
		return DecisionNeedsApproval
	}

	decision := DecisionPreApproved
	for _, label := range labels {
		d, ok := e.cfg.Rules[label]
		if !ok {
			// Unknown labels are treated conservatively.
			d = DecisionNeedsApproval
		}
		switch d {
		case DecisionBlocked:
			return DecisionBlocked
		case DecisionNeedsApproval:
			decision = DecisionNeedsApproval
		}
	}
	return decision
}

// Authorize combines Decide with the approval workflow. It returns nil when
// the call may proceed and *ApprovalDeniedError otherwise. A deny from the
// handler is a result, never a panic; handler errors and timeouts also
// surface as denials so a stalled approval cannot wedge the call tree.
func (e *Engine) Authorize(ctx context.Context, entry *capability.Entry, req ApprovalRequest) error {
	decision := e.Decide(entry, req.Args)
	if fn := e.cfg.OnDecision; fn != nil {
		fn(entry.Name, decision)
	}

	switch decision {
	case DecisionPreApproved:
		return nil

	case DecisionBlocked:
		log.Warn().
			Str("entry", entry.Name).
			Strs("labels", entry.Labels).
			Msg("Call blocked by policy")
		return &ApprovalDeniedError{
			Entry:    entry.Name,
			Decision: DecisionBlocked,
			Reason:   "a capability label maps to blocked",
		}
	}

	if e.handler == nil {
		return &ApprovalDeniedError{
			Entry:    entry.Name,
			Decision: DecisionNeedsApproval,
			Reason:   "approval required but no handler is configured",
		}
	}

	approveCtx, cancel := context.WithTimeout(ctx, e.cfg.ApprovalTimeout)
	defer cancel()

	log.Info().
		Str("entry", entry.Name).
		Int("depth", req.Depth).
		Msg("Requesting approval")

	type outcome struct {
		resp ApprovalResponse
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := e.handler.RequestApproval(approveCtx, req)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			log.Error().Err(out.err).Str("entry", entry.Name).Msg("Approval handler failed")
			return &ApprovalDeniedError{
				Entry:    entry.Name,
				Decision: DecisionNeedsApproval,
				Reason:   fmt.Sprintf("approval handler failed: %v", out.err),
			}
		}
		if !out.resp.Approved {
			log.Warn().
				Str("entry", entry.Name).
				Str("reason", out.resp.Reason).
				Msg("Approval denied")
			reason := out.resp.Reason
			if reason == "" {
				reason = "denied by approval handler"
			}
			return &ApprovalDeniedError{
				Entry:    entry.Name,
				Decision: DecisionNeedsApproval,
				Reason:   reason,
			}
		}
		log.Info().
			Str("entry", entry.Name).
			Str("reason", out.resp.Reason).
			Msg("Approval granted")
		return nil

	case <-approveCtx.Done():
		log.Warn().
			Str("entry", entry.Name).
			Dur("timeout", e.cfg.ApprovalTimeout).
			Msg("Approval request timed out")
		return &ApprovalDeniedError{
			Entry:    entry.Name,
			Decision: DecisionNeedsApproval,
			Reason:   fmt.Sprintf("approval timed out after %v", e.cfg.ApprovalTimeout),
		}
	}
}
