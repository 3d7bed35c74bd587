// Command taskqueued runs the Task Queue Core daemon: it opens the
// SQLite-backed store, recovers any leases orphaned by a prior crash,
// and then serves the stdio-framed tool protocol on stdin/stdout while
// the scheduled-enqueue and maintenance cron jobs run alongside it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/taskqueue/internal/config"
	"github.com/basket/taskqueue/internal/cron"
	"github.com/basket/taskqueue/internal/otel"
	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/shared"
	"github.com/basket/taskqueue/internal/store"
	"github.com/basket/taskqueue/internal/toolserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "config_load_failed", err)
	}

	logger, logFile, err := newLogger(homeDir, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatalStartup(nil, "logger_init_failed", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	logger.Info("config_loaded", "home_dir", homeDir, "db_path", cfg.DBPath)

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.TracingEnabled,
		Exporter:    cfg.TracingExporter,
		ServiceName: "taskqueued",
	})
	if err != nil {
		fatalStartup(logger, "otel_init_failed", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_shutdown_failed", "error", err)
		}
	}()

	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		fatalStartup(logger, "store_open_failed", err)
	}
	defer st.Close()
	logger.Info("schema_migrated", "db_path", cfg.DBPath)

	svc := service.New(st, service.Config{
		Weights:  cfg.QueueScoringWeights(),
		Horizon:  time.Duration(cfg.DeadlineHorizonSeconds) * time.Second,
		LeaseTTL: time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		RetryCfg: store.RetryConfig{
			MaxRetries: cfg.RetryMax,
			Base:       time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond,
			Multiplier: cfg.RetryBackoffMultiplier,
		},
	}, logger)

	recovered, err := svc.RecoverExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "lease_recovery_failed", err)
	}
	logger.Info("recovery_scan_completed", "requeued_tasks", len(recovered))

	srv, err := toolserver.New(svc, time.Duration(cfg.RequestTimeoutSeconds)*time.Second, logger)
	if err != nil {
		fatalStartup(logger, "toolserver_init_failed", err)
	}

	scheduler := cron.NewScheduler(cron.SchedulerConfig{
		Store:   st,
		Service: svc,
		Logger:  logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("scheduler_started")

	maintenance := cron.NewMaintenance(cron.MaintenanceConfig{
		Store:                 st,
		Weights:               cfg.QueueScoringWeights(),
		Horizon:               time.Duration(cfg.DeadlineHorizonSeconds) * time.Second,
		Logger:                logger,
		RecomputeInterval:     time.Duration(cfg.PriorityRecomputeIntervalSeconds) * time.Second,
		AgingMaxAge:           time.Duration(cfg.DeadlineHorizonSeconds) * time.Second,
		RetentionInterval:     24 * time.Hour,
		RetentionTaskEventAge: time.Duration(cfg.RetentionTaskEventDays) * 24 * time.Hour,
		VacuumMode:            store.VacuumMode(cfg.VacuumMode),
	})
	maintenance.Start(ctx)
	defer maintenance.Stop()
	logger.Info("maintenance_started")

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config_watcher_start_failed", "error", err)
	} else {
		go watchConfig(ctx, homeDir, &cfg, logger, watcher)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(ctx, toolserver.NewStdioTransport(os.Stdin, os.Stdout))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			logger.Error("toolserver_serve_failed", "error", err)
		}
	}
}

// watchConfig reloads the hot-swappable subset of configuration
// (scoring weights, deadline horizon, log level) whenever config.yaml
// changes on disk; any other diff is logged but left for a restart.
func watchConfig(ctx context.Context, homeDir string, current *config.Config, logger *slog.Logger, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Load(homeDir)
			if err != nil {
				logger.Warn("config_reload_failed", "error", err)
				continue
			}
			if config.HotSwappable(*current, next) {
				*current = next
				logger.Info("config_reloaded", "log_level", next.LogLevel)
			} else {
				logger.Warn("config_changed_restart_required")
			}
		}
	}
}

// newLogger builds the daemon's structured logger: JSON (or text) to
// stdout, mirrored to a rotating-by-restart log file under homeDir/logs.
func newLogger(homeDir, level, format string) (*slog.Logger, io.Closer, error) {
	logDir := homeDir + "/logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(logDir+"/taskqueued.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if a.Key != "" && shared.RedactEnvValue(a.Key, a.Value.String()) == "[REDACTED]" {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(file, opts)
	} else {
		handler = slog.NewJSONHandler(file, opts)
	}
	return slog.New(handler).With("component", "taskqueued"), file, nil
}

// fatalStartup logs a structured fatal event and exits. logger may be
// nil if the failure happened before logging was ready, in which case
// it falls back to a raw stderr line.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup_failed", "reason", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"fatal","reason":%q,"error":%q}`+"\n", reasonCode, err.Error())
	}
	os.Exit(1)
}
