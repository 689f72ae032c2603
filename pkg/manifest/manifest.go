// Package manifest loads declarative worker definitions from YAML documents.
// A definition declares everything a worker needs short of code: identity,
// model, capability labels, toolset spec, attachments and schemas. Schema
// failures surface at load time, not at the eventual call.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/harun/rikka/pkg/capability"
)

// definitionSchema is the meta-schema every definition document must satisfy.
const definitionSchema = `{
  "type": "object",
  "required": ["name", "kind", "description"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z0-9_.-]+$"},
    "kind": {"type": "string", "enum": ["worker"]},
    "description": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "enum": ["anthropic", "openai"]},
    "model": {"type": "string"},
    "instructions": {"type": "string"},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1},
    "max_tokens": {"type": "integer", "minimum": 1},
    "max_turns": {"type": "integer", "minimum": 1},
    "labels": {"type": "array", "items": {"type": "string"}},
    "toolset": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "groups": {"type": "array", "items": {"type": "string"}},
        "imports": {"type": "array", "items": {"type": "string"}},
        "shared": {"type": "boolean"}
      }
    },
    "attachments": {"type": "array", "items": {"type": "string"}},
    "approval_override": {"type": "string", "enum": ["pre_approved", "needs_approval", "blocked"]},
    "input_schema": {"type": "object"},
    "output_schema": {"type": "object"}
  }
}`

// Definition is one declarative worker.
type Definition struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`

	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	Instructions string  `yaml:"instructions"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	MaxTurns     int     `yaml:"max_turns"`

	Labels  []string               `yaml:"labels"`
	Toolset capability.ToolsetSpec `yaml:"toolset"`

	// Attachments are resolver references (paths or aliases) whose content
	// joins the worker's input on every call.
	Attachments []string `yaml:"attachments"`

	// ApprovalOverride, when set, becomes a per-entry policy override.
	ApprovalOverride string `yaml:"approval_override"`

	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

// Loader parses and validates definition documents.
type Loader struct {
	schema gojsonschema.JSONLoader
}

// NewLoader creates a loader with the embedded meta-schema.
func NewLoader() *Loader {
	return &Loader{schema: gojsonschema.NewStringLoader(definitionSchema)}
}

// LoadFile loads one definition document.
func (l *Loader) LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	// Decode once into a generic document for schema validation, then into
	// the typed definition.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", filepath.Base(path), err)
	}
	if err := l.validate(doc); err != nil {
		return nil, fmt.Errorf("definition %s: %w", filepath.Base(path), err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", filepath.Base(path), err)
	}

	log.Debug().
		Str("name", def.Name).
		Str("kind", def.Kind).
		Str("path", path).
		Msg("Definition loaded")

	return &def, nil
}

// LoadDir loads every .yaml/.yml document in dir, sorted by filename, and
// rejects duplicate definition names across files.
func (l *Loader) LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]*Definition, 0, len(paths))
	seen := make(map[string]string)
	for _, path := range paths {
		def, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("definition %q in %s already declared in %s", def.Name, filepath.Base(path), prev)
		}
		seen[def.Name] = filepath.Base(path)
		defs = append(defs, def)
	}
	return defs, nil
}

func (l *Loader) validate(doc map[string]any) error {
	result, err := gojsonschema.Validate(l.schema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	causes := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		causes = append(causes, re.String())
	}
	return fmt.Errorf("schema validation: %s", strings.Join(causes, "; "))
}
