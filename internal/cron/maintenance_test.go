package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskqueue/internal/cron"
	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/store"
)

func TestMaintenance_RecomputeAppliesAgingBonus(t *testing.T) {
	st := openTestStore(t)
	svc := service.New(st, service.Config{}, nil)
	ctx := context.Background()

	enqueued, err := svc.Enqueue(ctx, queue.EnqueueInput{
		Description: "long-waiting task", Source: queue.SourceHuman, BasePriority: 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	before, err := svc.Get(ctx, enqueued.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	m := cron.NewMaintenance(cron.MaintenanceConfig{
		Store:             st,
		RecomputeInterval: 30 * time.Millisecond,
		AgingMaxAge:       1 * time.Nanosecond, // any wait at all counts as "stale"
		AgingCap:          10,
	})
	m.Start(ctx)
	defer m.Stop()

	var after *queue.Task
	waitFor(t, 2*time.Second, func() bool {
		var err error
		after, err = svc.Get(ctx, enqueued.TaskID)
		return err == nil && after.CalculatedPriority > before.CalculatedPriority
	})
	if after.CalculatedPriority <= before.CalculatedPriority {
		t.Fatalf("expected aging bonus to raise priority above %v, got %v", before.CalculatedPriority, after.CalculatedPriority)
	}
}

func TestMaintenance_RetentionPrunesOldTerminalTasks(t *testing.T) {
	st := openTestStore(t)
	svc := service.New(st, service.Config{}, nil)
	ctx := context.Background()

	enqueued, err := svc.Enqueue(ctx, queue.EnqueueInput{
		Description: "will be cancelled then pruned", Source: queue.SourceHuman,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Cancel(ctx, enqueued.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	m := cron.NewMaintenance(cron.MaintenanceConfig{
		Store:                 st,
		RetentionInterval:     30 * time.Millisecond,
		RetentionTaskAge:      -1 * time.Second, // everything terminal is immediately "old"
		RetentionTaskEventAge: -1 * time.Second,
		VacuumMode:            store.VacuumNever,
	})
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool {
		_, err := svc.Get(ctx, enqueued.TaskID)
		return err != nil
	})
}
