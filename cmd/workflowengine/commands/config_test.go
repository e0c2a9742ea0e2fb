package commands_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r3e-network/workflowengine/cmd/workflowengine/commands"
)

func TestLoadConfigDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := commands.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Path != "workflowengine.db" {
		t.Fatalf("expected default db path, got %q", cfg.Database.Path)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Log.Level)
	}
}

func TestLoadConfigReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
database:
  path: /tmp/custom.db
  max_open_conns: 4
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := commands.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Path != "/tmp/custom.db" {
		t.Fatalf("expected custom db path, got %q", cfg.Database.Path)
	}
	if cfg.Database.MaxOpenConns != 4 {
		t.Fatalf("expected max_open_conns 4, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("expected debug/json log config, got %+v", cfg.Log)
	}
}

func TestLoadConfigEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
database:
  path: /tmp/from-file.db
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WORKFLOWENGINE_DB_PATH", "/tmp/from-env.db")
	t.Setenv("WORKFLOWENGINE_LOG_LEVEL", "trace")

	cfg, err := commands.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Fatalf("expected env override to win, got %q", cfg.Database.Path)
	}
	if cfg.Log.Level != "trace" {
		t.Fatalf("expected env override to win, got %q", cfg.Log.Level)
	}
}

func TestLoadConfigRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
database:
  path: /tmp/custom.db
log:
  level: not-a-level
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := commands.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestLoadConfigRejectsMissingDatabasePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
database:
  path: ""
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := commands.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for empty database path")
	}
}
