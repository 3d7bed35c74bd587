package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/store"
)

// MaintenanceConfig holds the dependencies for the fixed-interval
// maintenance scheduler (priority recompute + retention pruning).
type MaintenanceConfig struct {
	Store    *store.Store
	Weights  queue.ScoringWeights
	Horizon  time.Duration
	Logger   *slog.Logger

	RecomputeInterval time.Duration // defaults to 60s
	AgingMaxAge       time.Duration // tasks ready longer than this accrue a bonus
	AgingCap          float64       // max aging bonus points; defaults to 10

	RetentionInterval       time.Duration // defaults to 24h
	RetentionTaskAge        time.Duration // prune terminal tasks older than this
	RetentionTaskEventAge   time.Duration // prune task_events older than this
	VacuumMode              store.VacuumMode
}

// Maintenance runs two independent time.Ticker loops: one recomputes
// calculated_priority (and applies the anti-starvation aging bonus) for
// every ready task, the other prunes terminal tasks and old task_events
// per the configured retention windows.
type Maintenance struct {
	store  *store.Store
	scorer *queue.PriorityScorer
	logger *slog.Logger
	cfg    MaintenanceConfig

	// recomputeDisabled is set when the caller passed
	// RecomputeInterval == 0 explicitly, per priority_recompute_interval_seconds: 0
	// disabling the periodic tick (state-change-triggered recompute still applies).
	recomputeDisabled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance builds a Maintenance scheduler with spec defaults filled in.
// Passing RecomputeInterval == 0 disables the periodic recompute tick
// entirely; a negative value falls back to the 60s default instead.
func NewMaintenance(cfg MaintenanceConfig) *Maintenance {
	disabled := cfg.RecomputeInterval == 0
	if cfg.RecomputeInterval < 0 {
		cfg.RecomputeInterval = 60 * time.Second
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = 24 * time.Hour
	}
	if cfg.AgingCap <= 0 {
		cfg.AgingCap = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	weights := cfg.Weights
	if weights == (queue.ScoringWeights{}) {
		weights = queue.DefaultScoringWeights()
	}
	return &Maintenance{
		store:             cfg.Store,
		scorer:            queue.NewPriorityScorer(weights, cfg.Horizon),
		logger:            logger,
		cfg:               cfg,
		recomputeDisabled: disabled,
	}
}

// Start launches the retention loop, and the recompute loop unless it
// was disabled via RecomputeInterval == 0.
func (m *Maintenance) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	if m.recomputeDisabled {
		m.wg.Add(1)
		go m.retentionLoop(ctx)
		m.logger.Info("maintenance scheduler started",
			"recompute_interval", "disabled", "retention_interval", m.cfg.RetentionInterval)
		return
	}
	m.wg.Add(2)
	go m.recomputeLoop(ctx)
	go m.retentionLoop(ctx)
	m.logger.Info("maintenance scheduler started",
		"recompute_interval", m.cfg.RecomputeInterval, "retention_interval", m.cfg.RetentionInterval)
}

// Stop cancels both loops and waits for them to exit.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("maintenance scheduler stopped")
}

func (m *Maintenance) recomputeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.recomputeTick(ctx); err != nil {
				m.logger.Error("priority recompute tick failed", "error", err)
			}
		}
	}
}

// recomputeTick re-scores every ready task, adding the anti-starvation
// aging bonus on top of the base formula (§4.3, §9.5). It runs the whole
// pass in one transaction so readers never see a half-updated ready set.
func (m *Maintenance) recomputeTick(ctx context.Context) error {
	now := time.Now().UTC()
	return m.store.WithTx(ctx, store.RetryConfig{}, func(t *store.Tx) error {
		ready := queue.StatusReady
		tasks, err := t.ListTasks(store.TaskFilter{Status: &ready}, 0)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			base := m.scorer.Score(queue.ScoreInput{
				BasePriority:            task.BasePriority,
				DependencyDepth:         task.DependencyDepth,
				Deadline:                task.Deadline,
				EstimatedDurationSec:    task.EstimatedDurationSec,
				Source:                  task.Source,
				BlockedDirectDependents: 0,
				Now:                     now,
			})
			bonus := queue.AgingBonus(task.UpdatedAt, now, m.cfg.AgingMaxAge, m.cfg.AgingCap)
			recomputed := base + bonus
			if recomputed > 100 {
				recomputed = 100
			}
			if recomputed == task.CalculatedPriority {
				continue
			}
			task.CalculatedPriority = recomputed
			if err := t.UpdateTask(task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Maintenance) retentionLoop(ctx context.Context) {
	defer m.wg.Done()

	// Fire once on startup so a long-idle process catches up immediately,
	// then on each subsequent tick.
	if err := m.retentionTick(ctx); err != nil {
		m.logger.Error("retention tick failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.retentionTick(ctx); err != nil {
				m.logger.Error("retention tick failed", "error", err)
			}
		}
	}
}

func (m *Maintenance) retentionTick(ctx context.Context) error {
	now := time.Now().UTC()
	if m.cfg.RetentionTaskAge > 0 {
		result, err := m.store.PruneTasks(ctx, store.PruneFilter{OlderThan: now.Add(-m.cfg.RetentionTaskAge)}, m.cfg.VacuumMode)
		if err != nil {
			return err
		}
		if result.PurgedTasks > 0 {
			m.logger.Info("retention: pruned terminal tasks",
				"purged_tasks", result.PurgedTasks, "purged_edges", result.PurgedEdges, "vacuumed", result.Vacuumed)
		}
	}
	if m.cfg.RetentionTaskEventAge > 0 {
		purged, err := m.store.PruneTaskEvents(ctx, now.Add(-m.cfg.RetentionTaskEventAge))
		if err != nil {
			return err
		}
		if purged > 0 {
			m.logger.Info("retention: pruned task_events", "purged", purged)
		}
	}
	return nil
}
