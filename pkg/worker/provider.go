// Package worker runs LLM-backed entries: an iterative model loop that calls
// tools and other workers through the dispatch frame it was invoked with.
package worker

import (
	"context"
	"strings"
)

// Message is one turn of a worker's model conversation.
type Message struct {
	Role       string     `json:"role"` // "user", "assistant" or "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested capability invocation.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDef advertises one reachable capability to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// TokenUsage is one model call's token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a single model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	Temperature  float64
	MaxTokens    int
}

// Response is the model's reply: text, requested tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Provider abstracts one model API.
type Provider interface {
	// Name identifies the provider ("anthropic", "openai").
	Name() string

	// Complete makes one model call.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// IsRetryableError reports whether a provider error is transient: rate
// limits, server errors and network resets retry; everything else is final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
		"connection reset", "timeout", "EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
