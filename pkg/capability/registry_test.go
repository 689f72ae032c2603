package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoEntry(name string) *Entry {
	return &Entry{
		Name:        name,
		Kind:        KindTool,
		Description: "echoes its input",
		Handler: func(_ context.Context, input map[string]any, _ Caller) (any, error) {
			return input["text"], nil
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	entry := echoEntry("echo")
	require.NoError(t, r.Register(entry))

	resolved, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Same(t, entry, resolved, "resolve must return the exact registered entry")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoEntry("echo")))

	err := r.Register(echoEntry("echo"))
	require.Error(t, err)

	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "echo", dup.Name)
	assert.False(t, dup.Reserved)
}

func TestRegistry_ReservedName(t *testing.T) {
	r := NewRegistry()

	err := r.Register(echoEntry("web_search"))
	require.Error(t, err)

	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.True(t, dup.Reserved)
}

func TestRegistry_UnknownEnumeratesNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoEntry("echo")))
	require.NoError(t, r.Register(echoEntry("add")))

	_, err := r.Resolve("nope")
	require.Error(t, err)

	var unknown *UnknownCapabilityError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, []string{"add", "echo"}, unknown.Available)
	assert.Contains(t, unknown.Error(), "add, echo")
}

func TestRegistry_Seal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoEntry("echo")))

	r.Seal()
	assert.True(t, r.Sealed())

	err := r.Register(echoEntry("late"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")

	// Sealing again is a no-op.
	r.Seal()
	assert.True(t, r.Sealed())
}

func TestRegistry_RejectsInvalidEntries(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name  string
		entry *Entry
	}{
		{"nil handler", &Entry{Name: "x", Kind: KindTool}},
		{"empty name", &Entry{Kind: KindTool, Handler: echoEntry("x").Handler}},
		{"bad kind", &Entry{Name: "x", Kind: "daemon", Handler: echoEntry("x").Handler}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.entry))
		})
	}
}

func TestEntry_ValidateInput(t *testing.T) {
	entry := echoEntry("echo")
	entry.InputSchema = map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
	require.NoError(t, entry.Compile())

	assert.NoError(t, entry.ValidateInput(map[string]any{"text": "hi"}))

	err := entry.ValidateInput(map[string]any{"text": 42})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "input", verr.Field)
	assert.Equal(t, "echo", verr.Entry)

	err = entry.ValidateInput(map[string]any{})
	assert.Error(t, err, "missing required field must fail before any side effect")
}

func TestEntry_ValidateOutput(t *testing.T) {
	entry := echoEntry("echo")
	entry.OutputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{"type": "string"},
		},
		"required": []string{"answer"},
	}
	require.NoError(t, entry.Compile())

	assert.NoError(t, entry.ValidateOutput(map[string]any{"answer": "42"}))

	err := entry.ValidateOutput("bare string")
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "output", verr.Field)
}
