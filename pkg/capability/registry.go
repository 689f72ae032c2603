package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// reservedNames are tool names claimed by model providers for their own
// built-in tools. Registering them would shadow the provider-side behaviour.
var reservedNames = map[string]bool{
	"bash":               true,
	"computer":           true,
	"code_execution":     true,
	"str_replace_editor": true,
	"web_search":         true,
}

// Registry maps names to callable entries. It is mutable during startup and
// read-only after Seal.
type Registry struct {
	entries map[string]*Entry
	sealed  bool
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds an entry. It fails with *DuplicateNameError on a name
// collision, including reserved provider-side names, and rejects
// registration after the registry has been sealed.
func (r *Registry) Register(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	if err := entry.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %q", entry.Name)
	}
	if reservedNames[entry.Name] {
		return &DuplicateNameError{Name: entry.Name, Reserved: true}
	}
	if _, exists := r.entries[entry.Name]; exists {
		return &DuplicateNameError{Name: entry.Name}
	}

	r.entries[entry.Name] = entry

	log.Debug().
		Str("name", entry.Name).
		Str("kind", string(entry.Kind)).
		Strs("labels", entry.Labels).
		Msg("Capability registered")

	return nil
}

// Seal marks the registry read-only. Sealing twice is harmless.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sealed {
		r.sealed = true
		log.Info().Int("entries", len(r.entries)).Msg("Capability registry sealed")
	}
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the entry for name, or *UnknownCapabilityError enumerating
// the available names.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, NewUnknownCapabilityError(name, r.namesLocked())
	}
	return entry, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := r.namesLocked()
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Entries returns all registered entries.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// Count returns the number of registered entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
