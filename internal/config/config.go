// Package config holds the YAML configuration for a gridmind run: engine
// tuning, persistence, knowledge packs, logging, and the metrics endpoint.
// Defaults come first, the config file overlays them, environment variables
// win last.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gridmind/internal/logging"
)

// Config holds all gridmind configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Engine  EngineConfig   `yaml:"engine"`
	Store   StoreConfig    `yaml:"store"`
	Packs   PacksConfig    `yaml:"packs"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Logging logging.Config `yaml:"logging"`
}

// EngineConfig tunes the reasoning core.
type EngineConfig struct {
	// MinRuleConfidence filters the active rules the planner sees.
	MinRuleConfidence float64 `yaml:"min_rule_confidence"`

	// TurnTimeout bounds the wait for each observation frame plus its
	// processing. Empty or "0" disables the deadline.
	TurnTimeout string `yaml:"turn_timeout"`
}

// StoreConfig configures SQLite persistence. An empty path means the run is
// memory-only and nothing survives the process.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PacksConfig configures knowledge pack loading.
type PacksConfig struct {
	// Dir is scanned for *.yaml packs at startup. Empty disables packs.
	Dir string `yaml:"dir"`

	// Watch reloads packs when their files change between turns.
	Watch bool `yaml:"watch"`

	// Debounce batches rapid pack edits before a reload.
	Debounce string `yaml:"debounce"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "gridmind",
		Version: "1.0.0",

		Engine: EngineConfig{
			MinRuleConfidence: 0.4,
			TurnTimeout:       "0",
		},

		Store: StoreConfig{
			Path: filepath.Join(".gridmind", "state.db"),
		},

		Packs: PacksConfig{
			Dir:      filepath.Join(".gridmind", "packs"),
			Watch:    true,
			Debounce: "500ms",
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},

		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from a YAML file. A missing file returns the
// defaults; an unknown key is an error so a typo never silently reverts a
// knob to its default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("GRIDMIND_DB"); path != "" {
		c.Store.Path = path
	}
	if dir := os.Getenv("GRIDMIND_PACKS"); dir != "" {
		c.Packs.Dir = dir
	}
	if level := os.Getenv("GRIDMIND_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("GRIDMIND_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
		c.Metrics.Enabled = true
	}
}

// GetTurnTimeout returns the per-turn deadline as a duration. Zero means no
// deadline.
func (c *Config) GetTurnTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.TurnTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetPackDebounce returns the pack reload debounce window.
func (c *Config) GetPackDebounce() time.Duration {
	d, err := time.ParseDuration(c.Packs.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail fast.
func (c *Config) Validate() error {
	if c.Engine.MinRuleConfidence < 0 || c.Engine.MinRuleConfidence > 1 {
		return fmt.Errorf("engine.min_rule_confidence %v outside [0,1]", c.Engine.MinRuleConfidence)
	}
	if c.Engine.TurnTimeout != "" && c.Engine.TurnTimeout != "0" {
		if _, err := time.ParseDuration(c.Engine.TurnTimeout); err != nil {
			return fmt.Errorf("engine.turn_timeout: %w", err)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics enabled without an address")
	}
	return nil
}
