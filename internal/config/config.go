// SPDX-License-Identifier: MIT

// Package config loads visiond runtime configuration from environment
// variables, optionally overlaid by a YAML config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration of the daemon.
type Config struct {
	ListenAddr          string        `yaml:"listen"`
	DataDir             string        `yaml:"data_dir"`
	LogLevel            string        `yaml:"log_level"`
	RateLimitRPS        int           `yaml:"rate_limit_rps"`
	StreamStartupBudget time.Duration `yaml:"stream_startup_budget"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() Config {
	return Config{
		ListenAddr:          ":8080",
		DataDir:             "/var/lib/visiond",
		LogLevel:            "info",
		RateLimitRPS:        100,
		StreamStartupBudget: 5 * time.Second,
	}
}

// FromEnv builds a Config from VISIOND_* environment variables on top of the
// defaults.
func FromEnv() Config {
	cfg := Defaults()
	cfg.ListenAddr = ParseString("VISIOND_LISTEN", cfg.ListenAddr)
	cfg.DataDir = ParseString("VISIOND_DATA", cfg.DataDir)
	cfg.LogLevel = ParseString("VISIOND_LOG_LEVEL", cfg.LogLevel)
	cfg.RateLimitRPS = ParseInt("VISIOND_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.StreamStartupBudget = ParseDuration("VISIOND_STREAM_STARTUP_BUDGET", cfg.StreamStartupBudget)
	return cfg
}

// LoadFile overlays values from a YAML file onto cfg. Unset fields in the
// file keep their current values.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for obviously broken values.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.StreamStartupBudget <= 0 {
		return fmt.Errorf("stream startup budget must be positive, got %s", c.StreamStartupBudget)
	}
	return nil
}

// ModelsDir returns the directory holding model binaries.
func (c Config) ModelsDir() string { return filepath.Join(c.DataDir, "models") }

// MetaDir returns the directory for the model metadata store.
func (c Config) MetaDir() string { return filepath.Join(c.DataDir, "meta") }

// SettingsPath returns the path of the persisted settings document.
func (c Config) SettingsPath() string { return filepath.Join(c.DataDir, "settings.json") }

// PipelinesPath returns the path of the persisted pipeline registry document.
func (c Config) PipelinesPath() string { return filepath.Join(c.DataDir, "pipelines.json") }
