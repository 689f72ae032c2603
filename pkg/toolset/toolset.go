// Package toolset builds the concrete, per-call capability set an entry runs
// with. Instances are fresh for every call unless the spec explicitly opts
// into shared state, and every acquired resource is released on all exit
// paths, including cancellation.
package toolset

import (
	"fmt"
	"sort"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/sandbox"
)

// Deps carries the long-lived collaborators toolset instances are built
// from. None of them are mutated by a build.
type Deps struct {
	// Registry resolves delegation imports.
	Registry *capability.Registry

	// Sandbox confines the filesystem and process groups.
	Sandbox sandbox.Config

	// Custom are host-registered entries exposed by the "custom" group.
	Custom []*capability.Entry

	// Shared, when non-nil, caches instances for specs that opt into
	// cross-call state. The owner of this value owns the shared state and
	// its release.
	Shared *SharedToolsets
}

// Toolset is one call's reachable capability set.
type Toolset struct {
	id      string
	entries map[string]*capability.Entry
	closers []func() error
	shared  bool
	closeMu sync.Once
}

// ID identifies this instance, for trace correlation.
func (t *Toolset) ID() string {
	return t.id
}

// Lookup returns the named entry when it is reachable from this call.
func (t *Toolset) Lookup(name string) (*capability.Entry, bool) {
	entry, ok := t.entries[name]
	return entry, ok
}

// Entries returns the reachable entries.
func (t *Toolset) Entries() []*capability.Entry {
	entries := make([]*capability.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Names returns the reachable names, sorted.
func (t *Toolset) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every acquired resource. It is idempotent and safe to defer
// unconditionally; shared instances ignore per-call closes, their owner
// releases them through SharedToolsets.Close.
func (t *Toolset) Close() error {
	if t.shared {
		return nil
	}
	return t.close()
}

func (t *Toolset) close() error {
	var firstErr error
	t.closeMu.Do(func() {
		for _, closer := range t.closers {
			if err := closer(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		log.Debug().Str("toolset_id", t.id).Msg("Toolset released")
	})
	return firstErr
}

// SharedToolsets caches toolset instances for specs that opted into shared
// state. It is caller-owned: sharing never happens implicitly.
type SharedToolsets struct {
	instances map[string]*Toolset
	mu        sync.Mutex
}

// NewSharedToolsets creates an empty cache.
func NewSharedToolsets() *SharedToolsets {
	return &SharedToolsets{instances: make(map[string]*Toolset)}
}

// Close releases every cached instance.
func (s *SharedToolsets) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, t := range s.instances {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.instances, key)
	}
	return firstErr
}

func (s *SharedToolsets) getOrBuild(key string, build func() (*Toolset, error)) (*Toolset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.instances[key]; ok {
		return t, nil
	}
	t, err := build()
	if err != nil {
		return nil, err
	}
	t.shared = true
	s.instances[key] = t
	return t, nil
}

func newInstanceID() string {
	id, err := gonanoid.New(10)
	if err != nil {
		// nanoid only fails when the entropy source does; fall back to a
		// constant rather than aborting the call.
		return "toolset"
	}
	return id
}

func addEntry(entries map[string]*capability.Entry, entry *capability.Entry) error {
	if err := entry.Compile(); err != nil {
		return err
	}
	if _, exists := entries[entry.Name]; exists {
		return fmt.Errorf("toolset entry %q already present", entry.Name)
	}
	entries[entry.Name] = entry
	return nil
}
