// Package sandbox enforces the filesystem and process confinement boundary
// attached to a toolset instance. Every path a tool touches must resolve
// inside the configured root after normalization; writes are additionally
// checked against a suffix allowlist and a size limit.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config defines the confinement boundary for one toolset instance.
type Config struct {
	// Root is the directory all path access must resolve within.
	Root string `json:"root" mapstructure:"root"`

	// AllowedSuffixes restricts writable file suffixes (".txt", ".json").
	// An empty list means unrestricted, never deny-all.
	AllowedSuffixes []string `json:"allowed_suffixes" mapstructure:"allowed_suffixes"`

	// MaxFileSize caps the size of a single write in bytes. Zero means no
	// limit.
	MaxFileSize int64 `json:"max_file_size" mapstructure:"max_file_size"`

	// ReadOnly rejects every write.
	ReadOnly bool `json:"read_only" mapstructure:"read_only"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("sandbox root is required")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must be non-negative, got %d", c.MaxFileSize)
	}
	for _, suffix := range c.AllowedSuffixes {
		if !strings.HasPrefix(suffix, ".") {
			return fmt.Errorf("allowed suffix %q must start with a dot", suffix)
		}
	}
	return nil
}

// Resolve normalizes path against the root and returns an absolute path that
// is guaranteed to lie inside it. Relative paths are joined to the root;
// absolute paths are accepted only when already inside it. Traversal and
// symlink escape both fail with *EscapeError. Resolution is deterministic:
// the same input always yields the same absolute path.
func (c Config) Resolve(path string) (string, error) {
	root, err := c.absRoot()
	if err != nil {
		return "", err
	}

	candidate := filepath.Clean(path)
	if candidate == "" || candidate == "." {
		candidate = root
	} else if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}

	// Resolve symlinks on the candidate when it exists; otherwise resolve
	// the deepest existing ancestor and rejoin the leaf, so an escape via a
	// symlinked parent is still revealed for files not yet created.
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	} else if resolvedParent, err2 := filepath.EvalSymlinks(filepath.Dir(candidate)); err2 == nil {
		candidate = filepath.Join(resolvedParent, filepath.Base(candidate))
	}

	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &EscapeError{Path: path, Root: root}
	}

	return candidate, nil
}

// CheckWrite verifies that writing size bytes to path is permitted. It
// resolves the path, then enforces the read-only flag, the suffix allowlist
// and the size limit, failing with *ViolationError rather than truncating
// silently.
func (c Config) CheckWrite(path string, size int64) (string, error) {
	abs, err := c.Resolve(path)
	if err != nil {
		return "", err
	}

	if c.ReadOnly {
		return "", &ViolationError{Path: path, Reason: "sandbox is read-only"}
	}

	if len(c.AllowedSuffixes) > 0 {
		allowed := false
		for _, suffix := range c.AllowedSuffixes {
			if strings.HasSuffix(abs, suffix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", &ViolationError{
				Path:   path,
				Reason: fmt.Sprintf("suffix not in allowlist %v", c.AllowedSuffixes),
			}
		}
	}

	if c.MaxFileSize > 0 && size > c.MaxFileSize {
		return "", &ViolationError{
			Path:   path,
			Reason: fmt.Sprintf("size %d exceeds limit %d", size, c.MaxFileSize),
		}
	}

	return abs, nil
}

func (c Config) absRoot() (string, error) {
	if c.Root == "" {
		return "", fmt.Errorf("sandbox root is required")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return "", fmt.Errorf("abs(root): %w", err)
	}
	// Resolve the root itself so boundary checks compare like with like.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return root, nil
}

// TempConfig returns a config rooted at a fresh temporary directory. It is a
// convenience for hosts and tests that want an isolated scratch space.
func TempConfig() (Config, error) {
	dir, err := os.MkdirTemp("", "rikka-sandbox-*")
	if err != nil {
		return Config{}, fmt.Errorf("create sandbox root: %w", err)
	}
	return Config{Root: dir}, nil
}
