// Package config loads runtime configuration from a YAML file plus RIKKA_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/harun/rikka/internal/logger"
	"github.com/harun/rikka/pkg/policy"
	"github.com/harun/rikka/pkg/sandbox"
)

// Config is the top-level runtime configuration.
type Config struct {
	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Providers holds model provider credentials.
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Policy holds the approval rule table.
	Policy PolicyConfig `json:"policy" mapstructure:"policy"`

	// Sandbox is the default confinement boundary for toolset instances.
	Sandbox sandbox.Config `json:"sandbox" mapstructure:"sandbox"`

	// Dispatch tunes the call runtime.
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// Worker holds defaults applied to worker definitions.
	Worker WorkerConfig `json:"worker" mapstructure:"worker"`

	// DefinitionsDir is the directory of worker definition files.
	DefinitionsDir string `json:"definitions_dir" mapstructure:"definitions_dir"`

	// Export configures run persistence.
	Export ExportConfig `json:"export" mapstructure:"export"`

	// Metrics configures the Prometheus scrape endpoint.
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ProvidersConfig holds model provider credentials.
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
}

// PolicyConfig is the file form of the approval policy. Decisions are plain
// strings so a typo fails validation instead of silently decoding to "".
type PolicyConfig struct {
	Rules                  map[string]string `json:"rules" mapstructure:"rules"`
	Overrides              map[string]string `json:"overrides" mapstructure:"overrides"`
	ApprovalTimeoutSeconds int               `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
}

// Engine converts the file form into the policy engine's configuration.
func (p PolicyConfig) Engine() policy.Config {
	cfg := policy.Config{
		Rules:           make(policy.Rules, len(p.Rules)),
		Overrides:       make(map[string]policy.Decision, len(p.Overrides)),
		ApprovalTimeout: time.Duration(p.ApprovalTimeoutSeconds) * time.Second,
	}
	for label, d := range p.Rules {
		cfg.Rules[label] = policy.Decision(d)
	}
	for name, d := range p.Overrides {
		cfg.Overrides[name] = policy.Decision(d)
	}
	return cfg
}

// DispatchConfig tunes the call runtime.
type DispatchConfig struct {
	MaxDepth int `json:"max_depth" mapstructure:"max_depth"`
}

// WorkerConfig holds defaults applied to worker definitions that omit them.
type WorkerConfig struct {
	Model    string `json:"model" mapstructure:"model"`
	MaxTurns int    `json:"max_turns" mapstructure:"max_turns"`
}

// ExportConfig configures run persistence. Empty paths disable a sink.
type ExportConfig struct {
	JSONLPath  string `json:"jsonl_path" mapstructure:"jsonl_path"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.DefaultConfig(),
		Policy: PolicyConfig{
			Rules:                  map[string]string{},
			Overrides:              map[string]string{},
			ApprovalTimeoutSeconds: 120,
		},
		Dispatch: DispatchConfig{MaxDepth: 5},
		Worker: WorkerConfig{
			MaxTurns: 10,
		},
		DefinitionsDir: "definitions",
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Validate checks the configuration for values that would fail later in a
// less obvious place.
func (c *Config) Validate() error {
	if err := c.Policy.Engine().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Sandbox.Root != "" {
		if err := c.Sandbox.Validate(); err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
	}
	if c.Dispatch.MaxDepth < 0 {
		return fmt.Errorf("dispatch: max_depth must be non-negative, got %d", c.Dispatch.MaxDepth)
	}
	if c.Worker.MaxTurns < 0 {
		return fmt.Errorf("worker: max_turns must be non-negative, got %d", c.Worker.MaxTurns)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics: listen address is required when enabled")
	}
	return nil
}
