package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader reads configuration from a file.
type Loader struct {
	configPath string
}

// NewLoader creates a loader for configPath. An empty path falls back to
// ~/.rikka/rikka.yaml.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the configuration file, applies RIKKA_* environment overrides
// and validates the result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("RIKKA")
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if key := v.GetString("anthropic_api_key"); key != "" {
		cfg.Providers.AnthropicAPIKey = key
	}
	if key := v.GetString("openai_api_key"); key != "" {
		cfg.Providers.OpenAIAPIKey = key
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(filepath.Dir(configPath), "rikka.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".rikka", "rikka.yaml"), nil
}

// Load creates a loader and loads the config in one step.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
