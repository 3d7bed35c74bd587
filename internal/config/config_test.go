package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskqueue/internal/config"
)

func TestLoad_DefaultsWhenNoFileExists(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VacuumMode != config.VacuumConditional {
		t.Errorf("expected default vacuum_mode=conditional, got %s", cfg.VacuumMode)
	}
	if cfg.RequestTimeoutSeconds != 30 {
		t.Errorf("expected default request_timeout_seconds=30, got %d", cfg.RequestTimeoutSeconds)
	}
	if cfg.LeaseTTLSeconds != 300 {
		t.Errorf("expected default lease_ttl_seconds=300, got %d", cfg.LeaseTTLSeconds)
	}
	if cfg.DBPath != filepath.Join(dir, "taskqueue.db") {
		t.Errorf("expected db_path under home dir, got %s", cfg.DBPath)
	}
}

func TestLoad_ReadsYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
vacuum_mode: always
request_timeout_seconds: 15
log_level: debug
scoring_weights:
  base: 0.5
  depth: 0.2
  urgency: 0.2
  block: 0.05
  source: 0.05
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VacuumMode != config.VacuumAlways {
		t.Errorf("expected vacuum_mode=always, got %s", cfg.VacuumMode)
	}
	if cfg.RequestTimeoutSeconds != 15 {
		t.Errorf("expected request_timeout_seconds=15, got %d", cfg.RequestTimeoutSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level=debug, got %s", cfg.LogLevel)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKQUEUE_LOG_LEVEL", "warn")
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected env override log_level=warn, got %s", cfg.LogLevel)
	}
}

func TestValidate_RejectsBadScoringWeights(t *testing.T) {
	cfg := config.Config{
		VacuumMode:      config.VacuumNever,
		LogLevel:        "info",
		LogFormat:       "json",
		TracingExporter: "none",
		ScoringWeights:  config.ScoringWeightsConfig{Base: 0.9, Depth: 0.9},
	}
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for scoring_weights not summing to ~1.0")
	}
}

func TestValidate_RejectsUnknownVacuumMode(t *testing.T) {
	cfg := config.Config{
		VacuumMode:      "sometimes",
		LogLevel:        "info",
		LogFormat:       "json",
		TracingExporter: "none",
		ScoringWeights:  config.ScoringWeightsConfig{Base: 0.3, Depth: 0.25, Urgency: 0.25, Block: 0.15, Source: 0.05},
	}
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for unknown vacuum_mode")
	}
}

func TestHotSwappable(t *testing.T) {
	base := config.Config{LogLevel: "info", DeadlineHorizonSeconds: 86400, DBPath: "/a/b.db"}
	safe := base
	safe.LogLevel = "debug"
	if !config.HotSwappable(base, safe) {
		t.Error("expected log_level-only change to be hot-swappable")
	}

	unsafe := base
	unsafe.DBPath = "/other/path.db"
	if config.HotSwappable(base, unsafe) {
		t.Error("expected db_path change to require a restart")
	}
}
