package toolset

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/rikka/pkg/capability"
	"github.com/harun/rikka/pkg/sandbox"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Registry: capability.NewRegistry(),
		Sandbox:  sandbox.Config{Root: t.TempDir()},
	}
}

func TestBuild_FSGroup(t *testing.T) {
	deps := testDeps(t)

	ts, err := Build(capability.ToolsetSpec{Groups: []string{GroupFS}}, deps)
	require.NoError(t, err)
	defer ts.Close()

	assert.Equal(t, []string{"fs.list", "fs.read", "fs.write"}, ts.Names())

	write, ok := ts.Lookup("fs.write")
	require.True(t, ok)
	_, err = write.Handler(context.Background(), map[string]any{
		"path":    "notes/hello.txt",
		"content": "hi there",
	}, nil)
	require.NoError(t, err)

	read, ok := ts.Lookup("fs.read")
	require.True(t, ok)
	out, err := read.Handler(context.Background(), map[string]any{"path": "notes/hello.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.(map[string]any)["content"])

	list, ok := ts.Lookup("fs.list")
	require.True(t, ok)
	out, err = list.Handler(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/"}, out.(map[string]any)["entries"])
}

func TestBuild_FSGroupConfined(t *testing.T) {
	deps := testDeps(t)

	ts, err := Build(capability.ToolsetSpec{Groups: []string{GroupFS}}, deps)
	require.NoError(t, err)
	defer ts.Close()

	read, _ := ts.Lookup("fs.read")
	_, err = read.Handler(context.Background(), map[string]any{"path": "../../etc/passwd"}, nil)
	var escape *sandbox.EscapeError
	assert.ErrorAs(t, err, &escape)
}

func TestBuild_ReleasedInstanceRefusesWork(t *testing.T) {
	deps := testDeps(t)

	ts, err := Build(capability.ToolsetSpec{Groups: []string{GroupFS}}, deps)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	read, _ := ts.Lookup("fs.read")
	_, err = read.Handler(context.Background(), map[string]any{"path": "x.txt"}, nil)
	assert.ErrorContains(t, err, "released")
}

func TestBuild_ProcGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/echo")
	}
	deps := testDeps(t)

	ts, err := Build(capability.ToolsetSpec{Groups: []string{GroupProc}}, deps)
	require.NoError(t, err)
	defer ts.Close()

	exec, ok := ts.Lookup("proc.exec")
	require.True(t, ok)

	out, err := exec.Handler(context.Background(), map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	}, nil)
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "hello\n", result["stdout"])
	assert.Equal(t, 0, result["exit_code"])

	require.NoError(t, ts.Close())
	_, err = exec.Handler(context.Background(), map[string]any{"command": "echo"}, nil)
	assert.ErrorContains(t, err, "released")
}

func TestBuild_CustomGroup(t *testing.T) {
	deps := testDeps(t)
	deps.Custom = []*capability.Entry{{
		Name:        "ping",
		Kind:        capability.KindTool,
		Description: "Answers pong.",
		Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
			return "pong", nil
		},
	}}

	ts, err := Build(capability.ToolsetSpec{Groups: []string{GroupCustom}}, deps)
	require.NoError(t, err)
	defer ts.Close()

	entry, ok := ts.Lookup("ping")
	require.True(t, ok)
	out, err := entry.Handler(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestBuild_Imports(t *testing.T) {
	deps := testDeps(t)
	require.NoError(t, deps.Registry.Register(&capability.Entry{
		Name:        "summarizer",
		Kind:        capability.KindWorker,
		Description: "Summarizes text.",
		Model:       "claude-sonnet-4",
		Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
			return "summary", nil
		},
	}))

	ts, err := Build(capability.ToolsetSpec{Imports: []string{"summarizer"}}, deps)
	require.NoError(t, err)
	defer ts.Close()

	entry, ok := ts.Lookup("summarizer")
	require.True(t, ok)
	assert.Equal(t, capability.KindWorker, entry.Kind)
}

func TestBuild_UnknownImportFailsBuild(t *testing.T) {
	deps := testDeps(t)

	_, err := Build(capability.ToolsetSpec{Imports: []string{"nope"}}, deps)
	var unknown *capability.UnknownCapabilityError
	assert.ErrorAs(t, err, &unknown)
}

func TestBuild_UnknownGroup(t *testing.T) {
	deps := testDeps(t)

	_, err := Build(capability.ToolsetSpec{Groups: []string{"browser"}}, deps)
	assert.ErrorContains(t, err, `unknown toolset group "browser"`)
}

func TestBuild_FreshInstancesPerCall(t *testing.T) {
	deps := testDeps(t)
	spec := capability.ToolsetSpec{Groups: []string{GroupFS}}

	a, err := Build(spec, deps)
	require.NoError(t, err)
	defer a.Close()
	b, err := Build(spec, deps)
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.ID(), b.ID())

	// Closing one instance leaves the other usable.
	require.NoError(t, a.Close())
	read, _ := b.Lookup("fs.read")
	path := filepath.Join(deps.Sandbox.Root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("ok"), 0o644))
	_, err = read.Handler(context.Background(), map[string]any{"path": "f.txt"}, nil)
	assert.NoError(t, err)
}

func TestBuild_SharedInstancesCached(t *testing.T) {
	deps := testDeps(t)
	deps.Shared = NewSharedToolsets()
	defer deps.Shared.Close()

	spec := capability.ToolsetSpec{Groups: []string{GroupFS}, Shared: true}

	a, err := Build(spec, deps)
	require.NoError(t, err)
	b, err := Build(spec, deps)
	require.NoError(t, err)

	assert.Equal(t, a.ID(), b.ID())

	// Per-call closes are no-ops for shared instances.
	require.NoError(t, a.Close())
	read, _ := b.Lookup("fs.read")
	path := filepath.Join(deps.Sandbox.Root, "g.txt")
	require.NoError(t, os.WriteFile(path, []byte("ok"), 0o644))
	_, err = read.Handler(context.Background(), map[string]any{"path": "g.txt"}, nil)
	assert.NoError(t, err)

	// The owner's close releases the cached instance.
	require.NoError(t, deps.Shared.Close())
	_, err = read.Handler(context.Background(), map[string]any{"path": "g.txt"}, nil)
	assert.ErrorContains(t, err, "released")
}

func TestBuild_DuplicateEntryNames(t *testing.T) {
	deps := testDeps(t)
	deps.Custom = []*capability.Entry{
		{
			Name:        "fs.read",
			Kind:        capability.KindTool,
			Description: "Shadows the fs group.",
			Handler: func(context.Context, map[string]any, capability.Caller) (any, error) {
				return nil, nil
			},
		},
	}

	_, err := Build(capability.ToolsetSpec{Groups: []string{GroupFS, GroupCustom}}, deps)
	assert.ErrorContains(t, err, `"fs.read" already present`)
}
