// Package dispatch runs calls through the single dispatch path every entry
// shares: depth check, resolution, input validation, approval, execution, and
// trace/usage aggregation. Nested calls issued by workers take exactly the
// same path as top-level calls.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/policy"
	"github.com/harun/rikka/pkg/sandbox"
	"github.com/harun/rikka/pkg/toolset"
)

// DefaultMaxDepth bounds call trees when the host sets no limit.
const DefaultMaxDepth = 5

// Options configures a dispatcher. Registry and Policy are required.
type Options struct {
	Registry *capability.Registry
	Policy   *policy.Engine

	// Sandbox confines filesystem and process toolset groups.
	Sandbox sandbox.Config

	// Custom are host entries exposed by the "custom" toolset group.
	Custom []*capability.Entry

	// Shared caches toolset instances for specs that opt into shared state.
	Shared *toolset.SharedToolsets

	// MaxDepth is the recursion bound for every call tree. A frame at this
	// depth cannot issue calls.
	MaxDepth int

	// OnTrace, when set, observes every appended trace entry. It runs on the
	// calling goroutine and must not block.
	OnTrace func(TraceEntry)
}

// Result is the outcome of one top-level dispatch: the output plus the fully
// merged trace and usage of the whole call tree.
type Result struct {
	Output any
	Trace  []TraceEntry
	Usage  UsageMap
}

// Dispatcher owns the long-lived dispatch collaborators. One dispatcher
// serves many concurrent call trees.
type Dispatcher struct {
	opts Options
}

// New validates the options and seals the registry: after the first
// dispatcher exists, the capability surface is fixed.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("dispatch: policy engine is required")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	opts.Registry.Seal()

	log.Info().
		Int("entries", opts.Registry.Count()).
		Int("max_depth", opts.MaxDepth).
		Msg("Dispatcher ready")

	return &Dispatcher{opts: opts}, nil
}

// Call dispatches one top-level call on a fresh root frame and returns its
// output together with the merged trace and usage of the whole tree.
func (d *Dispatcher) Call(ctx context.Context, name string, input map[string]any) (*Result, error) {
	root := d.newFrame(0, nil)
	output, err := root.Call(ctx, name, input)

	root.mu.Lock()
	result := &Result{
		Output: output,
		Trace:  root.trace,
		Usage:  root.usage,
	}
	root.mu.Unlock()
	return result, err
}

func (d *Dispatcher) newFrame(depth int, ts *toolset.Toolset) *Context {
	return &Context{
		dispatcher: d,
		id:         uuid.NewString(),
		depth:      depth,
		toolset:    ts,
		usage:      make(UsageMap),
	}
}

// Context is one call frame. It implements capability.Caller, so an executing
// entry dispatches nested calls through it and inherits depth, policy and
// trace aggregation without ever seeing the dispatcher.
type Context struct {
	dispatcher *Dispatcher
	id         string
	depth      int

	// toolset is the reachable set for calls issued from this frame. The
	// root frame has none and resolves against the registry.
	toolset *toolset.Toolset

	mu    sync.Mutex
	trace []TraceEntry
	usage UsageMap
}

// Depth returns this frame's depth. The root frame is 0.
func (c *Context) Depth() int { return c.depth }

// MaxDepth returns the recursion bound for the call tree.
func (c *Context) MaxDepth() int { return c.dispatcher.opts.MaxDepth }

// Entries returns the entries reachable from this frame.
func (c *Context) Entries() []*capability.Entry {
	if c.toolset != nil {
		return c.toolset.Entries()
	}
	return c.dispatcher.opts.Registry.Entries()
}

// AddUsage records model token consumption against this frame. It merges
// upward into the parent when the frame's call returns.
func (c *Context) AddUsage(model string, inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Add(model, inputTokens, outputTokens)
}

// Call dispatches one call from this frame. Exactly one trace entry is
// appended per invocation, whatever the outcome.
func (c *Context) Call(ctx context.Context, name string, input map[string]any) (any, error) {
	started := time.Now()
	rec := TraceEntry{
		ID:        uuid.NewString(),
		Name:      name,
		Depth:     c.depth,
		State:     StatePending,
		Input:     snapshotInput(input),
		StartedAt: started,
	}

	finish := func(state State, output any, err error) (any, error) {
		rec.State = state
		rec.Output = output
		if err != nil {
			rec.Error = err.Error()
		}
		rec.Duration = time.Since(started)
		c.appendTrace(rec)
		return output, err
	}

	// Depth exhaustion blocks the call before resolution: like a policy
	// block, the entry is never invoked.
	if c.depth >= c.dispatcher.opts.MaxDepth {
		return finish(StateBlocked, nil, &DepthExceededError{
			Entry:    name,
			Depth:    c.depth,
			MaxDepth: c.dispatcher.opts.MaxDepth,
		})
	}

	entry, err := c.resolve(name)
	if err != nil {
		return finish(StateFailed, nil, err)
	}
	rec.Kind = entry.Kind

	if err := entry.ValidateInput(input); err != nil {
		return finish(StateFailed, nil, err)
	}

	if err := c.dispatcher.opts.Policy.Authorize(ctx, entry, policy.ApprovalRequest{
		Entry:   entry.Name,
		Kind:    string(entry.Kind),
		Labels:  entry.Labels,
		Args:    input,
		Depth:   c.depth,
		FrameID: c.id,
	}); err != nil {
		return finish(StateBlocked, nil, err)
	}

	output, err := c.execute(ctx, entry, input)
	if err != nil {
		return finish(StateFailed, nil, err)
	}
	if err := entry.ValidateOutput(output); err != nil {
		return finish(StateFailed, nil, err)
	}
	return finish(StateCompleted, output, nil)
}

// execute runs the entry on a child frame with a freshly built toolset and
// merges the child's trace and usage back before returning.
func (c *Context) execute(ctx context.Context, entry *capability.Entry, input map[string]any) (output any, err error) {
	childSet, err := toolset.Build(entry.Toolset, toolset.Deps{
		Registry: c.dispatcher.opts.Registry,
		Sandbox:  c.dispatcher.opts.Sandbox,
		Custom:   c.dispatcher.opts.Custom,
		Shared:   c.dispatcher.opts.Shared,
	})
	if err != nil {
		return nil, &EntryExecutionError{Entry: entry.Name, Kind: entry.Kind, Err: err}
	}

	child := c.dispatcher.newFrame(c.depth+1, childSet)
	defer func() {
		if closeErr := childSet.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("entry", entry.Name).Msg("Toolset release failed")
		}
		c.absorb(child)

		if r := recover(); r != nil {
			log.Error().
				Str("entry", entry.Name).
				Interface("panic", r).
				Msg("Entry handler panicked")
			output = nil
			err = &EntryExecutionError{
				Entry: entry.Name,
				Kind:  entry.Kind,
				Err:   fmt.Errorf("handler panic: %v", r),
			}
		}
	}()

	log.Debug().
		Str("entry", entry.Name).
		Str("kind", string(entry.Kind)).
		Int("depth", child.depth).
		Str("toolset_id", childSet.ID()).
		Msg("Executing entry")

	output, err = entry.Handler(ctx, input, child)
	if err != nil {
		if isRuntimeError(err) {
			return nil, err
		}
		return nil, &EntryExecutionError{Entry: entry.Name, Kind: entry.Kind, Err: err}
	}
	return output, nil
}

// resolve looks the name up in this frame's reachable set. An unknown name is
// a typed error enumerating what was reachable.
func (c *Context) resolve(name string) (*capability.Entry, error) {
	if c.toolset == nil {
		return c.dispatcher.opts.Registry.Resolve(name)
	}
	if entry, ok := c.toolset.Lookup(name); ok {
		return entry, nil
	}
	return nil, capability.NewUnknownCapabilityError(name, c.toolset.Names())
}

// absorb merges a finished child frame's trace and usage into this frame.
// Safe under concurrent siblings: each merge holds this frame's lock.
func (c *Context) absorb(child *Context) {
	child.mu.Lock()
	childTrace := child.trace
	childUsage := child.usage
	child.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = append(c.trace, childTrace...)
	c.usage.Merge(childUsage)
}

func (c *Context) appendTrace(rec TraceEntry) {
	c.mu.Lock()
	c.trace = append(c.trace, rec)
	c.mu.Unlock()

	if fn := c.dispatcher.opts.OnTrace; fn != nil {
		fn(rec)
	}
}

// isRuntimeError reports whether err belongs to the runtime's own taxonomy,
// which passes through Call unwrapped.
func isRuntimeError(err error) bool {
	switch err.(type) {
	case *DepthExceededError, *EntryExecutionError,
		*capability.UnknownCapabilityError, *capability.ValidationError,
		*policy.ApprovalDeniedError,
		*sandbox.EscapeError, *sandbox.ViolationError:
		return true
	}
	return false
}
