package toolset

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/capability"
)

// GroupFS, GroupProc and GroupCustom name the capability groups a spec may
// request. Delegation needs no group: it is expressed through Imports.
const (
	GroupFS     = "fs"
	GroupProc   = "proc"
	GroupCustom = "custom"
)

// Build instantiates the capability set for one call from its declarative
// spec. Group instances are fresh unless the spec opts into shared state;
// imports are resolved against the registry at build time so an unknown
// import fails the build, not the eventual call.
func Build(spec capability.ToolsetSpec, deps Deps) (*Toolset, error) {
	if spec.Shared && deps.Shared != nil {
		return deps.Shared.getOrBuild(specKey(spec), func() (*Toolset, error) {
			return build(spec, deps)
		})
	}
	return build(spec, deps)
}

func build(spec capability.ToolsetSpec, deps Deps) (*Toolset, error) {
	t := &Toolset{
		id:      newInstanceID(),
		entries: make(map[string]*capability.Entry),
	}

	for _, group := range spec.Groups {
		switch group {
		case GroupFS:
			instance := newFSGroup(deps.Sandbox)
			for _, entry := range instance.entries() {
				if err := addEntry(t.entries, entry); err != nil {
					return nil, err
				}
			}
			t.closers = append(t.closers, instance.release)

		case GroupProc:
			instance, err := newProcGroup(deps.Sandbox)
			if err != nil {
				return nil, err
			}
			for _, entry := range instance.entries() {
				if err := addEntry(t.entries, entry); err != nil {
					return nil, err
				}
			}
			t.closers = append(t.closers, instance.release)

		case GroupCustom:
			for _, entry := range deps.Custom {
				if err := addEntry(t.entries, entry); err != nil {
					return nil, err
				}
			}

		default:
			return nil, fmt.Errorf("unknown toolset group %q", group)
		}
	}

	// Delegation: imported registry entries become part of the reachable
	// set, which may be narrower than the registry itself.
	for _, name := range spec.Imports {
		entry, err := deps.Registry.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("toolset import: %w", err)
		}
		if err := addEntry(t.entries, entry); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("toolset_id", t.id).
		Strs("groups", spec.Groups).
		Int("entries", len(t.entries)).
		Bool("shared", spec.Shared).
		Msg("Toolset built")

	return t, nil
}

func specKey(spec capability.ToolsetSpec) string {
	return strings.Join(spec.Groups, ",") + "|" + strings.Join(spec.Imports, ",")
}
