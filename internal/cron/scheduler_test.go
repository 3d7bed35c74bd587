package cron_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskqueue/internal/cron"
	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskqueue.db")
	s, err := store.Open(context.Background(), dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestSchedule(t *testing.T, st *store.Store, id, cronExpr, description string, enabled bool, nextRunAt *time.Time) {
	t.Helper()
	tmpl, err := json.Marshal(map[string]any{"description": description, "source": "human"})
	if err != nil {
		t.Fatalf("marshal template: %v", err)
	}
	now := time.Now().UTC()
	sched := store.Schedule{
		ID:              id,
		Name:            "test-" + id,
		CronExpr:        cronExpr,
		EnqueueTemplate: string(tmpl),
		Enabled:         enabled,
		NextRunAt:       nextRunAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.InsertSchedule(context.Background(), sched); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
}

func TestScheduler_FiresOnTime(t *testing.T) {
	st := openTestStore(t)
	svc := service.New(st, service.Config{}, nil)
	ctx := context.Background()

	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, st, "sched-fires", "*/5 * * * *", "run the daily digest", true, &past)

	sched := cron.NewScheduler(cron.SchedulerConfig{
		Store: st, Service: svc, Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		status, err := svc.Status(ctx)
		return err == nil && status.Total > 0
	})
}

func TestScheduler_DisabledSkipped(t *testing.T) {
	st := openTestStore(t)
	svc := service.New(st, service.Config{}, nil)
	ctx := context.Background()

	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, st, "sched-disabled", "*/5 * * * *", "should not run", false, &past)

	sched := cron.NewScheduler(cron.SchedulerConfig{
		Store: st, Service: svc, Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Total != 0 {
		t.Fatalf("expected 0 tasks for disabled schedule, got %d", status.Total)
	}
}

func TestScheduler_NextRunUpdated(t *testing.T) {
	st := openTestStore(t)
	svc := service.New(st, service.Config{}, nil)
	ctx := context.Background()

	past := time.Now().Add(-1 * time.Minute)
	insertTestSchedule(t, st, "sched-next-run", "*/10 * * * *", "tick", true, &past)

	sched := cron.NewScheduler(cron.SchedulerConfig{
		Store: st, Service: svc, Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	var schedules []store.Schedule
	waitFor(t, 3*time.Second, func() bool {
		var err error
		schedules, err = st.ListSchedules(ctx)
		if err != nil || len(schedules) == 0 {
			return false
		}
		return schedules[0].LastRunAt != nil
	})

	if schedules[0].NextRunAt == nil {
		t.Fatal("expected next_run_at to be set after firing")
	}
	if !schedules[0].NextRunAt.After(past) {
		t.Fatalf("expected next_run_at (%v) to be after original past time (%v)", schedules[0].NextRunAt, past)
	}
}

func TestNextRunTime_ParsesStandardExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 10 * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	if next.Hour() != 10 {
		t.Fatalf("expected next run at hour 10, got %v", next)
	}
}

func TestNextRunTime_RejectsMalformedExpression(t *testing.T) {
	if _, err := cron.NextRunTime("not-a-cron-expr", time.Now()); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}
