package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// JoinStrategy selects how a sibling group resolves.
type JoinStrategy string

const (
	// JoinAll waits for every sibling.
	JoinAll JoinStrategy = "all"
	// JoinFirst returns the first success, cancelling the rest; it fails
	// only when every sibling fails.
	JoinFirst JoinStrategy = "first"
	// JoinAny returns the first completion, success or failure.
	JoinAny JoinStrategy = "any"
)

// FailureMode selects how JoinAll reacts to a sibling failure.
type FailureMode string

const (
	// FailAbort cancels the remaining siblings on the first failure.
	FailAbort FailureMode = "abort"
	// FailContinue lets the remaining siblings finish.
	FailContinue FailureMode = "continue"
)

// GroupCall is one member of a sibling fan-out.
type GroupCall struct {
	Name  string
	Input map[string]any
}

// GroupResult is one sibling's outcome, positionally matched to the request.
type GroupResult struct {
	Name   string
	Output any
	Err    error
}

// CallGroup dispatches siblings concurrently from this frame. Every sibling
// takes the full dispatch path, so each leaves its own trace entry and its
// usage sums into this frame regardless of how the group resolves.
func (c *Context) CallGroup(ctx context.Context, calls []GroupCall, join JoinStrategy, onFail FailureMode) ([]GroupResult, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("dispatch: empty call group")
	}
	switch join {
	case JoinAll, JoinFirst, JoinAny:
	default:
		return nil, fmt.Errorf("dispatch: invalid join strategy %q", join)
	}
	if join == JoinAll {
		switch onFail {
		case FailAbort, FailContinue:
		default:
			return nil, fmt.Errorf("dispatch: invalid failure mode %q", onFail)
		}
	}

	log.Debug().
		Int("siblings", len(calls)).
		Str("join", string(join)).
		Int("depth", c.depth).
		Msg("Dispatching call group")

	switch join {
	case JoinFirst:
		return c.groupFirst(ctx, calls)
	case JoinAny:
		return c.groupAny(ctx, calls)
	default:
		return c.groupAll(ctx, calls, onFail)
	}
}

func (c *Context) groupAll(ctx context.Context, calls []GroupCall, onFail FailureMode) ([]GroupResult, error) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]GroupResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call GroupCall) {
			defer wg.Done()
			output, err := c.Call(groupCtx, call.Name, call.Input)
			results[i] = GroupResult{Name: call.Name, Output: output, Err: err}
			if err != nil && onFail == FailAbort {
				cancel()
			}
		}(i, call)
	}
	wg.Wait()

	if onFail == FailAbort {
		for _, r := range results {
			if r.Err != nil {
				return results, fmt.Errorf("call group aborted: %w", r.Err)
			}
		}
	}
	return results, nil
}

func (c *Context) groupFirst(ctx context.Context, calls []GroupCall) ([]GroupResult, error) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan GroupResult, len(calls))
	for _, call := range calls {
		go func(call GroupCall) {
			output, err := c.Call(groupCtx, call.Name, call.Input)
			ch <- GroupResult{Name: call.Name, Output: output, Err: err}
		}(call)
	}

	var lastErr error
	for range calls {
		select {
		case r := <-ch:
			if r.Err == nil {
				cancel()
				return []GroupResult{r}, nil
			}
			lastErr = r.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all siblings failed: %w", lastErr)
}

func (c *Context) groupAny(ctx context.Context, calls []GroupCall) ([]GroupResult, error) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan GroupResult, len(calls))
	for _, call := range calls {
		go func(call GroupCall) {
			output, err := c.Call(groupCtx, call.Name, call.Input)
			ch <- GroupResult{Name: call.Name, Output: output, Err: err}
		}(call)
	}

	select {
	case r := <-ch:
		cancel()
		return []GroupResult{r}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
