package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/store"
)

func newTestService(t *testing.T) *QueueService {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, Config{}, nil)
}

func enqueue(t *testing.T, svc *QueueService, desc string, prereqs ...string) queue.EnqueueResult {
	t.Helper()
	res, err := svc.Enqueue(context.Background(), queue.EnqueueInput{
		Description:   desc,
		Source:        queue.SourceHuman,
		Prerequisites: prereqs,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", desc, err)
	}
	return res
}

func TestEnqueue_LinearChainBlocksUntilPrerequisiteCompletes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, "a")
	if a.Status != queue.StatusReady {
		t.Fatalf("root task a status = %s, want ready", a.Status)
	}
	b := enqueue(t, svc, "b", a.TaskID)
	if b.Status != queue.StatusBlocked {
		t.Fatalf("dependent task b status = %s, want blocked", b.Status)
	}

	if _, err := svc.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := svc.Complete(ctx, a.TaskID); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}

	got, err := svc.Get(ctx, b.TaskID)
	if err != nil {
		t.Fatalf("Get(b): %v", err)
	}
	if got.Status != queue.StatusReady {
		t.Fatalf("b status after a completes = %s, want ready", got.Status)
	}
}

func TestEnqueue_DiamondBecomesReadyOnlyAfterBothBranchesComplete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, "a")
	b := enqueue(t, svc, "b", a.TaskID)
	c := enqueue(t, svc, "c", a.TaskID)
	d := enqueue(t, svc, "d", b.TaskID, c.TaskID)
	if d.Status != queue.StatusBlocked {
		t.Fatalf("d status = %s, want blocked", d.Status)
	}

	task, _ := svc.Dequeue(ctx, "worker-1")
	if task.ID != a.TaskID {
		t.Fatalf("expected a to dequeue first (only ready task), got %s", task.ID)
	}
	if _, err := svc.Complete(ctx, a.TaskID); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}

	// Both b and c are now ready; complete only b.
	for {
		task, err := svc.Dequeue(ctx, "worker-1")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task == nil {
			break
		}
		if task.ID == b.TaskID {
			if _, err := svc.Complete(ctx, b.TaskID); err != nil {
				t.Fatalf("Complete(b): %v", err)
			}
			break
		}
		if task.ID == c.TaskID {
			t.Skip("nondeterministic pick order; rerun")
		}
	}

	got, err := svc.Get(ctx, d.TaskID)
	if err != nil {
		t.Fatalf("Get(d): %v", err)
	}
	if got.Status != queue.StatusBlocked {
		t.Fatalf("d status after only b completes = %s, want still blocked (c unresolved)", got.Status)
	}

	if _, err := svc.Complete(ctx, c.TaskID); err != nil {
		t.Fatalf("Complete(c): %v", err)
	}
	got, err = svc.Get(ctx, d.TaskID)
	if err != nil {
		t.Fatalf("Get(d): %v", err)
	}
	if got.Status != queue.StatusReady {
		t.Fatalf("d status after both b and c complete = %s, want ready", got.Status)
	}
}

func TestEnqueue_RejectsUnknownPrerequisite(t *testing.T) {
	svc := newTestService(t)
	var qerr *queue.Error
	_, err := svc.Enqueue(context.Background(), queue.EnqueueInput{
		Description:   "depends on nothing real",
		Source:        queue.SourceHuman,
		Prerequisites: []string{"00000000-0000-0000-0000-000000000000"},
	})
	if err == nil {
		t.Fatal("expected an error enqueueing against a nonexistent prerequisite")
	}
	if asQueueError(err, &qerr) && qerr.Kind != queue.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", qerr.Kind)
	}
}

func TestEnqueue_RejectsInvalidSource(t *testing.T) {
	svc := newTestService(t)
	var qerr *queue.Error
	_, err := svc.Enqueue(context.Background(), queue.EnqueueInput{
		Description: "bad source",
		Source:      "not-a-real-source",
	})
	if err == nil {
		t.Fatal("expected a validation error for an unknown source")
	}
	if asQueueError(err, &qerr) && qerr.Kind != queue.KindValidation {
		t.Fatalf("expected KindValidation, got %v", qerr.Kind)
	}
}

func asQueueError(err error, target **queue.Error) bool {
	qe, ok := err.(*queue.Error)
	if !ok {
		return false
	}
	*target = qe
	return true
}

func TestFail_CascadesToTransitiveDependents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, "a")
	b := enqueue(t, svc, "b", a.TaskID)
	c := enqueue(t, svc, "c", b.TaskID)

	if _, err := svc.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	result, err := svc.Fail(ctx, a.TaskID, "boom")
	if err != nil {
		t.Fatalf("Fail(a): %v", err)
	}
	if len(result.CascadedTaskIDs) != 2 {
		t.Fatalf("expected b and c cascaded, got %v", result.CascadedTaskIDs)
	}

	for _, id := range []string{b.TaskID, c.TaskID} {
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if got.Status != queue.StatusCancelled {
			t.Fatalf("task %s status = %s, want cancelled after cascade", id, got.Status)
		}
	}
}

func TestCancel_LeavesTerminalDescendantsUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, "a")
	b := enqueue(t, svc, "b", a.TaskID)

	if _, err := svc.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := svc.Complete(ctx, a.TaskID); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}
	// b is now ready (not running), dequeue and complete it so it's terminal.
	task, err := svc.Dequeue(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("Dequeue(b): task=%v err=%v", task, err)
	}
	if _, err := svc.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete(b): %v", err)
	}

	// Cancelling 'a' after the fact must not touch already-terminal b.
	_, err = svc.Cancel(ctx, a.TaskID)
	var qerr *queue.Error
	if err == nil {
		t.Fatal("expected cancelling an already-completed task to fail")
	}
	if asQueueError(err, &qerr) && qerr.Kind != queue.KindInvalidState {
		t.Fatalf("expected InvalidState cancelling a completed task, got %v", qerr.Kind)
	}
}

func TestDequeue_PicksHighestCalculatedPriorityFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, queue.EnqueueInput{Description: "low", Source: queue.SourceHuman, BasePriority: 1})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	high, err := svc.Enqueue(ctx, queue.EnqueueInput{Description: "high", Source: queue.SourceHuman, BasePriority: 9})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	picked, err := svc.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if picked == nil || picked.ID != high.TaskID {
		t.Fatalf("expected the high base_priority task to dequeue first, got %v (want %s, low was %s)", picked, high.TaskID, low.TaskID)
	}
}

func TestExecutionPlan_DiamondIsThreeBatches(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := enqueue(t, svc, "a")
	b := enqueue(t, svc, "b", a.TaskID)
	c := enqueue(t, svc, "c", a.TaskID)
	d := enqueue(t, svc, "d", b.TaskID, c.TaskID)

	plan, err := svc.ExecutionPlan(ctx, []string{a.TaskID, b.TaskID, c.TaskID, d.TaskID})
	if err != nil {
		t.Fatalf("ExecutionPlan: %v", err)
	}
	if plan.TotalBatches != 3 {
		t.Fatalf("TotalBatches = %d, want 3", plan.TotalBatches)
	}
	if plan.MaxParallelism != 2 {
		t.Fatalf("MaxParallelism = %d, want 2 (b and c in parallel)", plan.MaxParallelism)
	}
}

func TestRecoverExpiredLeases_RequeuesOrphanedRunningTask(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := New(st, Config{LeaseTTL: 1}, nil)
	a := enqueue(t, svc, "a")
	if _, err := svc.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	recovered, err := svc.RecoverExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("RecoverExpiredLeases: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != a.TaskID {
		t.Fatalf("RecoverExpiredLeases = %v, want [%s]", recovered, a.TaskID)
	}

	got, err := svc.Get(ctx, a.TaskID)
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if got.Status != queue.StatusReady {
		t.Fatalf("a status after lease recovery = %s, want ready", got.Status)
	}
	if got.LeaseOwner != "" {
		t.Fatalf("a lease owner after recovery = %q, want cleared", got.LeaseOwner)
	}
	if got.CalculatedPriority != a.CalculatedPriority {
		t.Fatalf("a calculated_priority after recovery = %v, want recomputed to %v", got.CalculatedPriority, a.CalculatedPriority)
	}
	if got.CalculatedPriority == 0 {
		t.Fatalf("a calculated_priority after recovery is zero, want a recomputed score")
	}
}

func TestGet_UnknownTaskIsNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "does-not-exist")
	var qerr *queue.Error
	if err == nil {
		t.Fatal("expected NotFound for an unknown task id")
	}
	if asQueueError(err, &qerr) && qerr.Kind != queue.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", qerr.Kind)
	}
}
