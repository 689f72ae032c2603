// Package attachment resolves file references in worker inputs to content.
// Resolution is lazy and per-call: a reference is read at most once within a
// call, and nothing is cached across calls.
package attachment

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/sandbox"
)

// DefaultMaxSize caps attachment content when the resolver sets no limit.
const DefaultMaxSize = 10 * 1024 * 1024

// Attachment is one resolved file reference.
type Attachment struct {
	// Ref is the reference as given: a path or a registered alias.
	Ref string

	// Path is the resolved absolute path inside the sandbox root.
	Path string

	Content []byte
	MIME    string
	Size    int64
}

// TooLargeError reports an attachment over the size limit. The content is
// never read past the limit.
type TooLargeError struct {
	Ref   string
	Size  int64
	Limit int64
}

// Error implements the error interface.
func (e *TooLargeError) Error() string {
	return fmt.Sprintf("attachment %q is %d bytes, over the %d byte limit", e.Ref, e.Size, e.Limit)
}

// Resolver maps references to sandbox-confined files. It is long-lived and
// safe for concurrent use; per-call state lives in the Set it hands out.
type Resolver struct {
	cfg     sandbox.Config
	maxSize int64

	mu      sync.RWMutex
	aliases map[string]string
}

// NewResolver creates a resolver confined to the given sandbox. maxSize <= 0
// selects DefaultMaxSize.
func NewResolver(cfg sandbox.Config, maxSize int64) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("attachment resolver: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Resolver{
		cfg:     cfg,
		maxSize: maxSize,
		aliases: make(map[string]string),
	}, nil
}

// RegisterAlias binds a short name to a path inside the sandbox. Aliases let
// definitions reference files without exposing layout details to the model.
func (r *Resolver) RegisterAlias(alias, path string) error {
	if alias == "" || path == "" {
		return fmt.Errorf("attachment alias and path are both required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.aliases[alias]; ok {
		return fmt.Errorf("attachment alias %q already bound to %q", alias, existing)
	}
	r.aliases[alias] = path
	return nil
}

// NewSet starts a per-call resolution scope.
func (r *Resolver) NewSet() *Set {
	return &Set{resolver: r, resolved: make(map[string]*Attachment)}
}

// resolve reads one reference through the sandbox boundary.
func (r *Resolver) resolve(ref string) (*Attachment, error) {
	r.mu.RLock()
	path, aliased := r.aliases[ref]
	r.mu.RUnlock()
	if !aliased {
		path = ref
	}

	if err := r.checkSuffix(path); err != nil {
		return nil, err
	}

	abs, err := r.cfg.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", ref, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("attachment %q is a directory", ref)
	}
	if info.Size() > r.maxSize {
		return nil, &TooLargeError{Ref: ref, Size: info.Size(), Limit: r.maxSize}
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", ref, err)
	}

	log.Debug().
		Str("ref", ref).
		Int("bytes", len(content)).
		Bool("aliased", aliased).
		Msg("Attachment resolved")

	return &Attachment{
		Ref:     ref,
		Path:    abs,
		Content: content,
		MIME:    sniffMIME(content),
		Size:    info.Size(),
	}, nil
}

func (r *Resolver) checkSuffix(path string) error {
	if len(r.cfg.AllowedSuffixes) == 0 {
		return nil
	}
	for _, suffix := range r.cfg.AllowedSuffixes {
		if strings.HasSuffix(path, suffix) {
			return nil
		}
	}
	return &sandbox.ViolationError{
		Path:   path,
		Reason: fmt.Sprintf("suffix not in allowlist %v", r.cfg.AllowedSuffixes),
	}
}

// Set is one call's attachments. Each reference resolves at most once; the
// set is discarded with the call and never shared between calls.
type Set struct {
	resolver *Resolver

	mu       sync.Mutex
	resolved map[string]*Attachment
}

// Resolve returns the attachment for ref, reading it on first use.
func (s *Set) Resolve(ref string) (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if att, ok := s.resolved[ref]; ok {
		return att, nil
	}
	att, err := s.resolver.resolve(ref)
	if err != nil {
		return nil, err
	}
	s.resolved[ref] = att
	return att, nil
}

// ResolveAll resolves every reference, failing on the first error.
func (s *Set) ResolveAll(refs []string) ([]*Attachment, error) {
	out := make([]*Attachment, 0, len(refs))
	for _, ref := range refs {
		att, err := s.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func sniffMIME(content []byte) string {
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	return http.DetectContentType(head)
}
