// Package cron drives two independent periodic jobs: a cron-expression
// scheduled-enqueue scheduler (robfig/cron/v3 expressions, arbitrary
// intervals) and a fixed-interval maintenance scheduler (priority
// recompute and retention pruning, time.Ticker). They are kept separate
// because scheduled-enqueue entries carry per-entry cron expressions
// while maintenance runs on one fixed cadence for the whole store.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// enqueueTemplate is the JSON shape stored in schedules.enqueue_template;
// it mirrors queue.EnqueueInput's exported fields that make sense to
// template ahead of time.
type enqueueTemplate struct {
	Description   string   `json:"description"`
	Source        string   `json:"source"`
	Summary       string   `json:"summary,omitempty"`
	AgentType     string   `json:"agent_type,omitempty"`
	BasePriority  float64  `json:"base_priority,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// SchedulerConfig holds the dependencies for the scheduled-enqueue scheduler.
type SchedulerConfig struct {
	Store    *store.Store
	Service  *service.QueueService
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due cron schedules and
// enqueues a task for each one.
type Scheduler struct {
	store    *store.Store
	svc      *service.QueueService
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		svc:      cfg.Service,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduled-enqueue scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduled-enqueue scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues a task from the schedule's template and advances its
// next_run_at. A malformed template or enqueue failure is logged and
// skipped rather than retried on a tight loop — the next tick will try
// again only once the schedule's cron expression next matches.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	var tmpl enqueueTemplate
	if err := json.Unmarshal([]byte(sched.EnqueueTemplate), &tmpl); err != nil {
		s.logger.Error("cron: invalid enqueue_template", "schedule_id", sched.ID, "error", err)
		return
	}

	result, err := s.svc.Enqueue(ctx, queue.EnqueueInput{
		Description:   tmpl.Description,
		Source:        queue.Source(tmpl.Source),
		Summary:       tmpl.Summary,
		AgentType:     tmpl.AgentType,
		BasePriority:  tmpl.BasePriority,
		Prerequisites: tmpl.Prerequisites,
		SessionID:     tmpl.SessionID,
	})
	if err != nil {
		s.logger.Error("cron: failed to enqueue from schedule",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID, "schedule_name", sched.Name,
		"task_id", result.TaskID, "next_run_at", nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}
