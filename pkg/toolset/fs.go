package toolset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/sandbox"
)

// maxReadBytes caps how much of a file a single fs.read returns.
const maxReadBytes = 256 * 1024

// fsGroup is the per-call filesystem capability instance. Every path goes
// through the sandbox boundary; once released the instance refuses further
// work so a leaked handler cannot outlive its call.
type fsGroup struct {
	cfg      sandbox.Config
	released atomic.Bool
}

func newFSGroup(cfg sandbox.Config) *fsGroup {
	return &fsGroup{cfg: cfg}
}

func (g *fsGroup) release() error {
	g.released.Store(true)
	return nil
}

func (g *fsGroup) guard() error {
	if g.released.Load() {
		return fmt.Errorf("filesystem toolset instance already released")
	}
	return nil
}

func (g *fsGroup) entries() []*capability.Entry {
	return []*capability.Entry{
		{
			Name:        "fs.read",
			Kind:        capability.KindTool,
			Description: "Read a file inside the sandbox root. Returns at most 256KB.",
			Labels:      []string{"fs.read"},
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Path relative to the sandbox root"},
				},
				"required": []string{"path"},
			},
			Handler: g.read,
		},
		{
			Name:        "fs.write",
			Kind:        capability.KindTool,
			Description: "Write a file inside the sandbox root, subject to the suffix allowlist and size limit.",
			Labels:      []string{"fs.write"},
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Path relative to the sandbox root"},
					"content": map[string]any{"type": "string", "description": "File content"},
				},
				"required": []string{"path", "content"},
			},
			Handler: g.write,
		},
		{
			Name:        "fs.list",
			Kind:        capability.KindTool,
			Description: "List a directory inside the sandbox root.",
			Labels:      []string{"fs.read"},
			InputSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory relative to the sandbox root; defaults to the root"},
				},
			},
			Handler: g.list,
		},
	}
}

func (g *fsGroup) read(_ context.Context, input map[string]any, _ capability.Caller) (any, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}

	path, _ := input["path"].(string)
	abs, err := g.cfg.Resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, maxReadBytes+1)
	n, err := readFull(f, buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	truncated := n > maxReadBytes
	if truncated {
		n = maxReadBytes
	}
	return map[string]any{
		"content":   string(buf[:n]),
		"truncated": truncated,
	}, nil
}

func (g *fsGroup) write(_ context.Context, input map[string]any, _ capability.Caller) (any, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}

	path, _ := input["path"].(string)
	content, _ := input["content"].(string)

	abs, err := g.cfg.CheckWrite(path, int64(len(content)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func (g *fsGroup) list(_ context.Context, input map[string]any, _ capability.Caller) (any, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}

	path, _ := input["path"].(string)
	abs, err := g.cfg.Resolve(path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]any{"entries": names}, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
