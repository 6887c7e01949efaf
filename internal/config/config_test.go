package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "gridmind" {
		t.Errorf("expected Name=gridmind, got %s", cfg.Name)
	}
	if cfg.Engine.MinRuleConfidence != 0.4 {
		t.Errorf("expected MinRuleConfidence=0.4, got %v", cfg.Engine.MinRuleConfidence)
	}
	if !cfg.Packs.Watch {
		t.Error("expected pack watching on by default")
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("GRIDMIND_DB", "")
	t.Setenv("GRIDMIND_PACKS", "")
	t.Setenv("GRIDMIND_LOG_LEVEL", "")
	t.Setenv("GRIDMIND_METRICS_ADDR", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.TurnTimeout = "5s"
	cfg.Store.Path = "custom/state.db"
	cfg.Logging.Level = "debug"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Engine.TurnTimeout != "5s" {
		t.Errorf("expected TurnTimeout=5s, got %s", loaded.Engine.TurnTimeout)
	}
	if loaded.Store.Path != "custom/state.db" {
		t.Errorf("expected Store.Path=custom/state.db, got %s", loaded.Store.Path)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level=debug, got %s", loaded.Logging.Level)
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("GRIDMIND_DB", "")
	t.Setenv("GRIDMIND_PACKS", "")
	t.Setenv("GRIDMIND_LOG_LEVEL", "")
	t.Setenv("GRIDMIND_METRICS_ADDR", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "gridmind" {
		t.Errorf("expected defaults, got Name=%s", cfg.Name)
	}
}

func TestConfig_LoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  min_rule_confidenc: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GRIDMIND_DB", "/tmp/override.db")
	t.Setenv("GRIDMIND_METRICS_ADDR", ":9999")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("expected Store.Path=/tmp/override.db, got %s", cfg.Store.Path)
	}
	if cfg.Metrics.Addr != ":9999" || !cfg.Metrics.Enabled {
		t.Errorf("expected metrics enabled at :9999, got %+v", cfg.Metrics)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Engine.MinRuleConfidence = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for confidence above 1")
	}

	cfg = DefaultConfig()
	cfg.Engine.TurnTimeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unparseable timeout")
	}

	cfg = DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for metrics without address")
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.GetTurnTimeout() != 0 {
		t.Errorf("expected no deadline by default, got %s", cfg.GetTurnTimeout())
	}
	cfg.Engine.TurnTimeout = "5s"
	if cfg.GetTurnTimeout() != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.GetTurnTimeout())
	}

	if cfg.GetPackDebounce() != 500*time.Millisecond {
		t.Errorf("expected 500ms default debounce, got %s", cfg.GetPackDebounce())
	}
	cfg.Packs.Debounce = "2s"
	if cfg.GetPackDebounce() != 2*time.Second {
		t.Errorf("expected 2s, got %s", cfg.GetPackDebounce())
	}
}
