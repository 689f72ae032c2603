package policy

import (
	"context"
	"time"
)

// AutoApproveHandler approves every request without user interaction. Meant
// for headless runs where the rule table alone carries the policy.
type AutoApproveHandler struct{}

// RequestApproval implements Handler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
}

// DenyAllHandler refuses every request. Useful as a safe default.
type DenyAllHandler struct{}

// RequestApproval implements Handler.
func (DenyAllHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: false, Reason: "denied by policy default"}, nil
}

// MockHandler is a configurable handler for tests.
type MockHandler struct {
	Response ApprovalResponse
	Err      error
	Delay    time.Duration

	// Requests records every request seen, in order.
	Requests []ApprovalRequest
}

// RequestApproval implements Handler.
func (m *MockHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	m.Requests = append(m.Requests, req)

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ApprovalResponse{}, ctx.Err()
		}
	}
	if m.Err != nil {
		return ApprovalResponse{}, m.Err
	}
	return m.Response, nil
}
