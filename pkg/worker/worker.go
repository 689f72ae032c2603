package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/policy"
)

// Defaults applied when the config leaves the knobs zero.
const (
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultMaxTurns   = 10
	DefaultMaxRetries = 3
)

// Config declares one worker: its registry identity plus the model loop
// parameters.
type Config struct {
	Name        string
	Description string

	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// MaxTurns caps the model loop. Each turn is one model call plus the
	// tool calls it requested.
	MaxTurns int

	// MaxRetries caps transient provider error retries per model call.
	MaxRetries int

	Labels  []string
	Toolset capability.ToolsetSpec

	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Worker is an LLM-backed entry. Its handler runs the model loop; every tool
// call the model requests goes through the dispatch frame, so policy, depth
// and tracing apply to it exactly as to top-level calls.
type Worker struct {
	cfg      Config
	provider Provider
}

// New validates the config and binds it to a provider.
func New(cfg Config, provider Provider) (*Worker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("worker %q has no provider", cfg.Name)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return nil, fmt.Errorf("worker %q temperature must be in [0,1]", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Worker{cfg: cfg, provider: provider}, nil
}

// Entry returns the registry entry for this worker.
func (w *Worker) Entry() *capability.Entry {
	return &capability.Entry{
		Name:         w.cfg.Name,
		Kind:         capability.KindWorker,
		Description:  w.cfg.Description,
		Labels:       w.cfg.Labels,
		Model:        w.cfg.Model,
		Toolset:      w.cfg.Toolset,
		InputSchema:  w.cfg.InputSchema,
		OutputSchema: w.cfg.OutputSchema,
		Handler:      w.run,
	}
}

func (w *Worker) run(ctx context.Context, input map[string]any, caller capability.Caller) (any, error) {
	tools := toolDefs(caller.Entries())
	messages := []Message{{Role: "user", Content: promptFromInput(input)}}

	logger := log.With().
		Str("worker", w.cfg.Name).
		Str("model", w.cfg.Model).
		Int("depth", caller.Depth()).
		Logger()

	for turn := 0; turn < w.cfg.MaxTurns; turn++ {
		resp, err := w.completeWithRetry(ctx, Request{
			Model:        w.cfg.Model,
			SystemPrompt: w.cfg.SystemPrompt,
			Messages:     messages,
			Tools:        tools,
			Temperature:  w.cfg.Temperature,
			MaxTokens:    w.cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		caller.AddUsage(w.cfg.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

		if len(resp.ToolCalls) == 0 {
			logger.Debug().Int("turns", turn+1).Msg("Worker finished")
			return map[string]any{"text": resp.Content}, nil
		}

		logger.Debug().
			Int("turn", turn).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("Worker requested tool calls")

		results, err := w.runToolCalls(ctx, caller, resp.ToolCalls)
		if err != nil {
			return nil, err
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		messages = append(messages, results...)
	}

	return nil, fmt.Errorf("worker %q exceeded %d turns", w.cfg.Name, w.cfg.MaxTurns)
}

// runToolCalls dispatches the turn's tool calls concurrently. Each call is a
// sibling on the same frame, so their traces and usage aggregate together.
// Failures the model can react to — an unknown name, a rejected input, a
// denied approval — are fed back as tool results. Everything else (a sandbox
// escape, depth exhaustion, execution failure, cancellation) ends the run.
func (w *Worker) runToolCalls(ctx context.Context, caller capability.Caller, calls []ToolCall) ([]Message, error) {
	results := make([]Message, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			output, err := caller.Call(ctx, call.Name, call.Input)
			if err != nil {
				if !recoverableCallError(err) {
					errs[i] = err
					return
				}
				results[i] = Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("error: %v", err),
				}
				return
			}
			results[i] = Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    renderOutput(output),
			}
		}(i, call)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// recoverableCallError reports whether a dispatch failure is something the
// model can correct on its next turn.
func recoverableCallError(err error) bool {
	var unknown *capability.UnknownCapabilityError
	var invalid *capability.ValidationError
	var denied *policy.ApprovalDeniedError
	return errors.As(err, &unknown) || errors.As(err, &invalid) || errors.As(err, &denied)
}

func (w *Worker) completeWithRetry(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		resp, err := w.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == w.cfg.MaxRetries-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		log.Info().
			Str("worker", w.cfg.Name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("model call failed after %d attempts: %w", w.cfg.MaxRetries, lastErr)
}

// toolDefs advertises the frame's reachable entries to the model.
func toolDefs(entries []*capability.Entry) []ToolDef {
	defs := make([]ToolDef, 0, len(entries))
	for _, entry := range entries {
		schema := entry.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		defs = append(defs, ToolDef{
			Name:        entry.Name,
			Description: entry.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// promptFromInput turns the call input into the opening user message. A
// "prompt" string passes through verbatim; anything else is handed to the
// model as JSON.
func promptFromInput(input map[string]any) string {
	if prompt, ok := input["prompt"].(string); ok {
		return prompt
	}
	if len(input) == 0 {
		return "Proceed with your task."
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(encoded)
}

func renderOutput(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(encoded)
}
