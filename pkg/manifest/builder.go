package manifest

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/harun/rikka/pkg/attachment"
	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/policy"
	"github.com/harun/rikka/pkg/worker"
)

// ProviderFactory returns the model provider for a definition's declared
// provider name.
type ProviderFactory func(name string) (worker.Provider, error)

// BuildResult is everything a set of definitions contributes to the runtime:
// registry entries plus the per-entry policy overrides they declared.
type BuildResult struct {
	Entries   []*capability.Entry
	Overrides map[string]policy.Decision
}

// Build turns definitions into registry entries. Attachments resolve through
// resolver on every call; a nil resolver rejects definitions that declare
// any.
func Build(defs []*Definition, factory ProviderFactory, resolver *attachment.Resolver) (*BuildResult, error) {
	if factory == nil {
		return nil, fmt.Errorf("manifest: provider factory is required")
	}

	result := &BuildResult{Overrides: make(map[string]policy.Decision)}
	for _, def := range defs {
		entry, err := buildEntry(def, factory, resolver)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, entry)

		if def.ApprovalOverride != "" {
			decision := policy.Decision(def.ApprovalOverride)
			if !decision.Valid() {
				return nil, fmt.Errorf("definition %q: invalid approval override %q", def.Name, def.ApprovalOverride)
			}
			result.Overrides[def.Name] = decision
		}
	}
	return result, nil
}

func buildEntry(def *Definition, factory ProviderFactory, resolver *attachment.Resolver) (*capability.Entry, error) {
	if def.Kind != "worker" {
		return nil, fmt.Errorf("definition %q: unsupported kind %q", def.Name, def.Kind)
	}
	if len(def.Attachments) > 0 && resolver == nil {
		return nil, fmt.Errorf("definition %q declares attachments but no resolver is configured", def.Name)
	}

	providerName := def.Provider
	if providerName == "" {
		providerName = "anthropic"
	}
	provider, err := factory(providerName)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", def.Name, err)
	}

	w, err := worker.New(worker.Config{
		Name:         def.Name,
		Description:  def.Description,
		Model:        def.Model,
		SystemPrompt: def.Instructions,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
		MaxTurns:     def.MaxTurns,
		Labels:       def.Labels,
		Toolset:      def.Toolset,
		InputSchema:  def.InputSchema,
		OutputSchema: def.OutputSchema,
	}, provider)
	if err != nil {
		return nil, err
	}

	entry := w.Entry()
	if len(def.Attachments) > 0 {
		entry.Handler = withAttachments(entry.Handler, resolver, def.Attachments)
	}
	return entry, nil
}

// withAttachments resolves the declared references per call and hands their
// content to the worker alongside the original input. Resolution happens
// after input validation, so declared schemas stay authoritative for what
// callers send.
func withAttachments(inner capability.Handler, resolver *attachment.Resolver, refs []string) capability.Handler {
	return func(ctx context.Context, input map[string]any, caller capability.Caller) (any, error) {
		set := resolver.NewSet()
		atts, err := set.ResolveAll(refs)
		if err != nil {
			return nil, err
		}

		enriched := make(map[string]any, len(input)+1)
		for k, v := range input {
			enriched[k] = v
		}
		rendered := make([]map[string]any, 0, len(atts))
		for _, att := range atts {
			rendered = append(rendered, renderAttachment(att))
		}
		enriched["attachments"] = rendered

		return inner(ctx, enriched, caller)
	}
}

func renderAttachment(att *attachment.Attachment) map[string]any {
	doc := map[string]any{
		"ref":  att.Ref,
		"mime": att.MIME,
	}
	if strings.HasPrefix(att.MIME, "text/") {
		doc["content"] = string(att.Content)
	} else {
		doc["content_base64"] = base64.StdEncoding.EncodeToString(att.Content)
	}
	return doc
}
