// Package config loads the Task Queue Core's YAML configuration, with
// environment-variable overrides and (optionally) live reload of the
// subset of options safe to hot-swap (§9.3, §9.7).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskqueue/internal/queue"
)

// VacuumMode mirrors store.VacuumMode at the config layer to avoid a
// config -> store import (config is loaded before the store opens).
type VacuumMode string

const (
	VacuumNever       VacuumMode = "never"
	VacuumConditional VacuumMode = "conditional"
	VacuumAlways      VacuumMode = "always"
)

// ScoringWeightsConfig is the YAML shape of queue.ScoringWeights.
type ScoringWeightsConfig struct {
	Base    float64 `yaml:"base"`
	Depth   float64 `yaml:"depth"`
	Urgency float64 `yaml:"urgency"`
	Block   float64 `yaml:"block"`
	Source  float64 `yaml:"source"`
}

func (w ScoringWeightsConfig) toQueue() queue.ScoringWeights {
	return queue.ScoringWeights{Base: w.Base, Depth: w.Depth, Urgency: w.Urgency, Block: w.Block, Source: w.Source}
}

func (w ScoringWeightsConfig) isZero() bool {
	return w == ScoringWeightsConfig{}
}

func (w ScoringWeightsConfig) sum() float64 {
	return w.Base + w.Depth + w.Urgency + w.Block + w.Source
}

// Config is the full recognized configuration surface (§6).
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath     string     `yaml:"db_path"`
	VacuumMode VacuumMode `yaml:"vacuum_mode"`

	ScoringWeights         ScoringWeightsConfig `yaml:"scoring_weights"`
	DeadlineHorizonSeconds int64                `yaml:"deadline_horizon_seconds"`

	RetryMax               int     `yaml:"retry_max"`
	RetryInitialBackoffMs  int     `yaml:"retry_initial_backoff_ms"`
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	LeaseTTLSeconds       int `yaml:"lease_ttl_seconds"`

	PriorityRecomputeIntervalSeconds int `yaml:"priority_recompute_interval_seconds"`

	RetentionTaskEventDays int `yaml:"retention_task_event_days"`
	RetentionAuditLogDays  int `yaml:"retention_audit_log_days"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter"`

	ConfigPath string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		VacuumMode:                       VacuumConditional,
		ScoringWeights:                   ScoringWeightsConfig{Base: 0.30, Depth: 0.25, Urgency: 0.25, Block: 0.15, Source: 0.05},
		DeadlineHorizonSeconds:           86400,
		RetryMax:                         2,
		RetryInitialBackoffMs:            50,
		RetryBackoffMultiplier:           4,
		RequestTimeoutSeconds:            30,
		LeaseTTLSeconds:                  300,
		PriorityRecomputeIntervalSeconds: 60,
		RetentionTaskEventDays:           30,
		RetentionAuditLogDays:            30,
		LogLevel:                         "info",
		LogFormat:                        "json",
		TracingEnabled:                   false,
		TracingExporter:                  "none",
	}
}

// HomeDir returns the default dotfile directory for the backing store,
// overridable via TASKQUEUE_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKQUEUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskqueue")
}

// Load reads config.yaml from homeDir (creating homeDir if missing),
// applies environment overrides, normalizes defaults, and validates the
// result.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	cfg.ConfigPath = filepath.Join(homeDir, "config.yaml")
	cfg.DBPath = filepath.Join(homeDir, "taskqueue.db")

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create config home %s: %w", homeDir, err)
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", cfg.ConfigPath, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", cfg.ConfigPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ScoringWeights.isZero() {
		cfg.ScoringWeights = defaultConfig().ScoringWeights
	}
	if cfg.DeadlineHorizonSeconds <= 0 {
		cfg.DeadlineHorizonSeconds = defaultConfig().DeadlineHorizonSeconds
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaultConfig().RequestTimeoutSeconds
	}
	if cfg.LeaseTTLSeconds <= 0 {
		cfg.LeaseTTLSeconds = defaultConfig().LeaseTTLSeconds
	}
	if cfg.VacuumMode == "" {
		cfg.VacuumMode = VacuumConditional
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.TracingExporter == "" {
		cfg.TracingExporter = "none"
	}
}

// Validate rejects a config that would make QueueService behave in an
// undefined way (§6 — "validated at startup").
func Validate(cfg Config) error {
	switch cfg.VacuumMode {
	case VacuumNever, VacuumConditional, VacuumAlways:
	default:
		return fmt.Errorf("vacuum_mode must be one of never|conditional|always, got %q", cfg.VacuumMode)
	}
	if sum := cfg.ScoringWeights.sum(); sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scoring_weights must sum to ~1.0, got %.4f", sum)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be one of json|text, got %q", cfg.LogFormat)
	}
	switch cfg.TracingExporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("tracing_exporter must be one of otlp-http|stdout|none, got %q", cfg.TracingExporter)
	}
	return nil
}

// ScoringWeights returns the effective queue.ScoringWeights.
func (c Config) QueueScoringWeights() queue.ScoringWeights {
	return c.ScoringWeights.toQueue()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKQUEUE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKQUEUE_VACUUM_MODE"); v != "" {
		cfg.VacuumMode = VacuumMode(v)
	}
	if v := os.Getenv("TASKQUEUE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKQUEUE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TASKQUEUE_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TASKQUEUE_LEASE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTTLSeconds = n
		}
	}
	if v := os.Getenv("TASKQUEUE_PRIORITY_RECOMPUTE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PriorityRecomputeIntervalSeconds = n
		}
	}
	if v := os.Getenv("TASKQUEUE_TRACING_ENABLED"); v != "" {
		cfg.TracingEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TASKQUEUE_TRACING_EXPORTER"); v != "" {
		cfg.TracingExporter = v
	}
}

// HotSwappable reports whether next's values differ only in the fields
// §9.7 allows reloading without a restart: scoring weights, deadline
// horizon, and log level. Any other diff means the caller must restart.
func HotSwappable(current, next Config) bool {
	restart := current
	restart.ScoringWeights = next.ScoringWeights
	restart.DeadlineHorizonSeconds = next.DeadlineHorizonSeconds
	restart.LogLevel = next.LogLevel
	return restart == next
}
