package commands

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the engine's CLI-driven configuration: where its database
// lives and how it logs, validated with go-playground/validator the
// way the teacher validates its CUE-derived configs.
type Config struct {
	Database DatabaseConfig `yaml:"database" validate:"required"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the SQLite-backed persistence façade.
type DatabaseConfig struct {
	Path         string `yaml:"path" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"omitempty,min=1"`
	MaxIdleConns int    `yaml:"max_idle_conns" validate:"omitempty,min=1"`
}

// LogConfig configures the ambient logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// DefaultConfig is used when no --config file is given.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "workflowengine.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads and validates a YAML config file, falling back to
// DefaultConfig when path is empty, then applying environment
// overrides (WORKFLOWENGINE_DB_PATH, WORKFLOWENGINE_LOG_LEVEL).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKFLOWENGINE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WORKFLOWENGINE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
