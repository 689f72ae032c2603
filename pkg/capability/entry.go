package capability

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Kind discriminates the two entry variants. It is a tag, not a class
// hierarchy: both kinds share the same call contract.
type Kind string

const (
	// KindTool is a deterministic, non-LLM entry.
	KindTool Kind = "tool"
	// KindWorker is an LLM-backed entry running an iterative model loop.
	KindWorker Kind = "worker"
)

// Caller is the dispatch surface an executing entry sees. It is implemented
// by the dispatcher's call frame; entries never hold it beyond their call.
type Caller interface {
	// Call dispatches a nested call through the same policy, depth and
	// trace path as top-level calls.
	Call(ctx context.Context, name string, input map[string]any) (any, error)

	// Depth returns the depth of this call frame. The root frame is 0.
	Depth() int

	// MaxDepth returns the recursion bound for this call tree.
	MaxDepth() int

	// Entries returns the entries reachable from this frame, which may be
	// narrower than the global registry.
	Entries() []*Entry

	// AddUsage records model token consumption against this frame. Usage
	// merges upward into the parent before the call returns.
	AddUsage(model string, inputTokens, outputTokens int)
}

// Handler executes an entry. Tools compute directly; workers run their agent
// loop, issuing nested calls through the caller.
type Handler func(ctx context.Context, input map[string]any, caller Caller) (any, error)

// ToolsetSpec declares the per-call capability set an entry runs with. The
// dispatcher builds a fresh toolset instance from it on every call.
type ToolsetSpec struct {
	// Groups names the capability groups to instantiate: "fs", "proc".
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`

	// Imports lists registry entries reachable from the call, enabling
	// least-privilege delegation to other tools and workers.
	Imports []string `json:"imports,omitempty" yaml:"imports,omitempty"`

	// Shared opts the instance into cross-call state sharing. Off by
	// default: state sharing must be explicit and caller-owned.
	Shared bool `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// Empty reports whether the spec requests nothing.
func (s ToolsetSpec) Empty() bool {
	return len(s.Groups) == 0 && len(s.Imports) == 0
}

// Entry is a named callable capability. Entries are created at startup and
// immutable for the lifetime of a run.
type Entry struct {
	Name        string
	Kind        Kind
	Description string

	// Labels are opaque capability tags consumed by the approval policy
	// engine. They describe what a call does, not whether it is allowed.
	Labels []string

	// Model pins a worker to a specific model. Empty means the runtime
	// default. Tools ignore it.
	Model string

	// Toolset declares the reachable set for calls made by this entry.
	Toolset ToolsetSpec

	// InputSchema and OutputSchema are JSON Schema documents describing the
	// declared shapes. Nil means unconstrained.
	InputSchema  map[string]any
	OutputSchema map[string]any

	Handler Handler

	inputSchema  *gojsonschema.Schema
	outputSchema *gojsonschema.Schema
}

// Compile validates the entry and compiles its declared schemas. The registry
// calls it during Register; standalone entries (toolset instances) call it
// themselves before first use.
func (e *Entry) Compile() error {
	if e.Name == "" {
		return fmt.Errorf("entry name is required")
	}
	if e.Kind != KindTool && e.Kind != KindWorker {
		return fmt.Errorf("entry %q has invalid kind %q", e.Name, e.Kind)
	}
	if e.Handler == nil {
		return fmt.Errorf("entry %q has no handler", e.Name)
	}

	var err error
	if e.InputSchema != nil {
		e.inputSchema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(e.InputSchema))
		if err != nil {
			return fmt.Errorf("entry %q input schema: %w", e.Name, err)
		}
	}
	if e.OutputSchema != nil {
		e.outputSchema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(e.OutputSchema))
		if err != nil {
			return fmt.Errorf("entry %q output schema: %w", e.Name, err)
		}
	}
	return nil
}

// ValidateInput checks input against the declared shape. A nil schema
// accepts anything.
func (e *Entry) ValidateInput(input map[string]any) error {
	return e.validate(e.inputSchema, "input", input)
}

// ValidateOutput checks output against the declared shape.
func (e *Entry) ValidateOutput(output any) error {
	return e.validate(e.outputSchema, "output", output)
}

func (e *Entry) validate(schema *gojsonschema.Schema, field string, value any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return &ValidationError{Entry: e.Name, Field: field, Causes: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	causes := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		causes = append(causes, re.String())
	}
	return &ValidationError{Entry: e.Name, Field: field, Causes: causes}
}
