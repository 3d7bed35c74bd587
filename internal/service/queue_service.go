// Package service wires DependencyResolver and PriorityScorer to the
// persisted Store, implementing the enqueue/dequeue/complete/fail/cancel
// state machine as a set of single-transaction operations. It lives
// outside internal/queue because internal/store already depends on
// internal/queue for its record types; QueueService needs both.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/shared"
	"github.com/basket/taskqueue/internal/store"
)

const (
	maxDescriptionLen = 10000
	maxSummaryLen     = 500
	maxPrerequisites  = 100
	defaultAgentType  = "requirements-gatherer"
)

// Config tunes the scoring/leasing behavior of QueueService; zero values
// fall back to spec defaults.
type Config struct {
	Weights   queue.ScoringWeights
	Horizon   time.Duration
	LeaseTTL  time.Duration
	RetryCfg  store.RetryConfig
}

// QueueService is the stateful orchestrator described by the task
// lifecycle: every exported method runs inside exactly one Store
// transaction (§4.4 — at-most-one write in flight at a time, enforced
// structurally by the Store's single-connection pool).
type QueueService struct {
	store    *store.Store
	resolver *queue.DependencyResolver
	scorer   *queue.PriorityScorer
	leaseTTL time.Duration
	retry    store.RetryConfig
	log      *slog.Logger
}

// New builds a QueueService over an already-open Store.
func New(st *store.Store, cfg Config, logger *slog.Logger) *QueueService {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	weights := cfg.Weights
	if weights == (queue.ScoringWeights{}) {
		weights = queue.DefaultScoringWeights()
	}
	return &QueueService{
		store:    st,
		resolver: queue.NewDependencyResolver(),
		scorer:   queue.NewPriorityScorer(weights, cfg.Horizon),
		leaseTTL: cfg.LeaseTTL,
		retry:    cfg.RetryCfg,
		log:      logger,
	}
}

func validationErr(format string, args ...any) error {
	return &queue.Error{Kind: queue.KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) error {
	return &queue.Error{Kind: queue.KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidStateErr(format string, args ...any) error {
	return &queue.Error{Kind: queue.KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func storeErr(cause error, format string, args ...any) error {
	return &queue.Error{Kind: queue.KindStoreError, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func validateEnqueueInput(in queue.EnqueueInput) error {
	if len(in.Description) == 0 || len(in.Description) > maxDescriptionLen {
		return validationErr("description must be 1..%d characters", maxDescriptionLen)
	}
	if !in.Source.Valid() {
		return validationErr("unknown source %q", in.Source)
	}
	if len(in.Summary) > maxSummaryLen {
		return validationErr("summary must be at most %d characters", maxSummaryLen)
	}
	if in.BasePriority < 0 || in.BasePriority > 10 {
		return validationErr("base_priority must be in [0,10]")
	}
	if len(in.Prerequisites) > maxPrerequisites {
		return validationErr("at most %d prerequisites allowed", maxPrerequisites)
	}
	for _, p := range in.Prerequisites {
		if _, err := uuid.Parse(p); err != nil {
			return validationErr("prerequisite %q is not a valid task id", p)
		}
	}
	return nil
}

// Enqueue validates input, inserts the task and its prerequisite edges,
// and resolves its initial status and priority — all inside one
// transaction (§4.4.2).
func (qs *QueueService) Enqueue(ctx context.Context, in queue.EnqueueInput) (queue.EnqueueResult, error) {
	if err := validateEnqueueInput(in); err != nil {
		return queue.EnqueueResult{}, err
	}
	if in.AgentType == "" {
		in.AgentType = defaultAgentType
	}
	if in.BasePriority == 0 {
		in.BasePriority = 5
	}

	var result queue.EnqueueResult
	now := time.Now().UTC()
	taskID := uuid.New().String()

	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		statusByID := make(map[string]queue.Status, len(in.Prerequisites))
		for _, p := range in.Prerequisites {
			task, err := t.GetTask(p)
			if err != nil {
				return storeErr(err, "load prerequisite %s", p)
			}
			if task == nil {
				return notFoundErr("prerequisite task %s does not exist", p)
			}
			statusByID[p] = task.Status
		}

		allEdges, err := t.AllEdges()
		if err != nil {
			return storeErr(err, "load edges")
		}
		existing := make([]queue.EdgeView, 0, len(allEdges))
		for _, e := range allEdges {
			existing = append(existing, queue.EdgeView{
				DependentID:    e.DependentID,
				PrerequisiteID: e.PrerequisiteID,
				Resolved:       e.ResolvedAt != nil,
			})
		}
		proposed := make([]queue.EdgeView, 0, len(in.Prerequisites))
		for _, p := range in.Prerequisites {
			proposed = append(proposed, queue.EdgeView{DependentID: taskID, PrerequisiteID: p})
		}
		if cyclePath, has := qs.resolver.DetectCyclesOnAdd(existing, proposed); has {
			return &queue.Error{Kind: queue.KindCircularDependency, Message: "enqueue would introduce a dependency cycle", CyclePath: cyclePath}
		}

		edgesByDependent := make(map[string][]string)
		for _, e := range allEdges {
			edgesByDependent[e.DependentID] = append(edgesByDependent[e.DependentID], e.PrerequisiteID)
		}
		edgesByDependent[taskID] = append([]string{}, in.Prerequisites...)
		depth := qs.resolver.CalculateDepth(taskID, edgesByDependent)

		unmet := qs.resolver.UnmetPrerequisites(in.Prerequisites, func(id string) (queue.Status, bool) {
			s, ok := statusByID[id]
			return s, ok
		})
		status := queue.StatusReady
		if len(unmet) > 0 {
			status = queue.StatusBlocked
		}

		priority := qs.scorer.Score(queue.ScoreInput{
			BasePriority:            in.BasePriority,
			DependencyDepth:         depth,
			Deadline:                in.Deadline,
			EstimatedDurationSec:    in.EstimatedDurationSec,
			Source:                  in.Source,
			BlockedDirectDependents: 0,
			Now:                     now,
		})

		task := &queue.Task{
			ID:                  taskID,
			Description:         in.Description,
			Summary:             in.Summary,
			AgentType:           in.AgentType,
			BasePriority:        in.BasePriority,
			CalculatedPriority:  priority,
			DependencyDepth:     depth,
			Status:              status,
			Source:              in.Source,
			ParentTaskID:        in.ParentTaskID,
			SessionID:           in.SessionID,
			SubmittedAt:         now,
			UpdatedAt:           now,
			Deadline:            in.Deadline,
			EstimatedDurationSec: in.EstimatedDurationSec,
			InputData:           in.InputData,
			MaxRetries:          in.MaxRetries,
			ExecutionTimeoutSec: in.ExecutionTimeoutSec,
		}
		if err := t.InsertTask(task); err != nil {
			return storeErr(err, "insert task")
		}
		for _, p := range in.Prerequisites {
			edge := &queue.Edge{
				ID:             uuid.New().String(),
				DependentID:    taskID,
				PrerequisiteID: p,
				Kind:           queue.DependencySequential,
				CreatedAt:      now,
			}
			if err := t.InsertEdge(edge); err != nil {
				return storeErr(err, "insert edge %s->%s", taskID, p)
			}
		}
		if err := t.AppendTaskEvent(taskID, "enqueued", shared.TraceID(ctx), map[string]any{"status": status}); err != nil {
			return storeErr(err, "append enqueue event")
		}

		result = queue.EnqueueResult{
			TaskID:             taskID,
			Status:             status,
			CalculatedPriority: priority,
			DependencyDepth:    depth,
			SubmittedAt:        now,
		}
		return nil
	})
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	qs.log.Info("task enqueued", "task_id", taskID, "status", result.Status, "priority", result.CalculatedPriority)
	return result, nil
}

// Dequeue selects the highest-priority ready task (FIFO tiebreak on
// submitted_at), transitions it to running, and grants owner a lease.
func (qs *QueueService) Dequeue(ctx context.Context, owner string) (*queue.Task, error) {
	if owner == "" {
		return nil, validationErr("owner token is required")
	}
	var picked *queue.Task
	now := time.Now().UTC()
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		ready := queue.StatusReady
		candidates, err := t.ListTasks(store.TaskFilter{Status: &ready}, 0)
		if err != nil {
			return storeErr(err, "list ready tasks")
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].CalculatedPriority != candidates[j].CalculatedPriority {
				return candidates[i].CalculatedPriority > candidates[j].CalculatedPriority
			}
			return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
		})
		best := candidates[0]

		ok, err := t.TransitionTask(best.ID, []queue.Status{queue.StatusReady}, queue.StatusRunning, now)
		if err != nil {
			return storeErr(err, "transition task %s to running", best.ID)
		}
		if !ok {
			return nil
		}
		if err := t.ClaimLease(best.ID, owner, now, qs.leaseTTL); err != nil {
			return storeErr(err, "claim lease for %s", best.ID)
		}
		best.Status = queue.StatusRunning
		best.StartedAt = &now
		best.UpdatedAt = now
		best.LeaseOwner = owner
		expires := now.Add(qs.leaseTTL)
		best.LeaseExpiresAt = &expires
		if err := t.AppendTaskEvent(best.ID, "dequeued", shared.TraceID(ctx), map[string]any{"owner": owner}); err != nil {
			return storeErr(err, "append dequeue event")
		}
		picked = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// Complete transitions a running task to completed, resolves its outgoing
// prerequisite edges, and promotes any dependents whose last unmet
// prerequisite was this task.
func (qs *QueueService) Complete(ctx context.Context, id string) (queue.CompleteResult, error) {
	var result queue.CompleteResult
	now := time.Now().UTC()
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		task, err := t.GetTask(id)
		if err != nil {
			return storeErr(err, "load task %s", id)
		}
		if task == nil {
			return notFoundErr("task %s does not exist", id)
		}
		if task.Status != queue.StatusRunning {
			return invalidStateErr("task %s is %s, not running", id, task.Status)
		}

		ok, err := t.TransitionTask(id, []queue.Status{queue.StatusRunning}, queue.StatusCompleted, now)
		if err != nil {
			return storeErr(err, "transition task %s to completed", id)
		}
		if !ok {
			return invalidStateErr("task %s changed status concurrently", id)
		}
		if err := t.ClearLease(id); err != nil {
			return storeErr(err, "clear lease for %s", id)
		}
		task.Status = queue.StatusCompleted
		task.CompletedAt = &now
		task.UpdatedAt = now
		if err := t.UpdateTask(task); err != nil {
			return storeErr(err, "update completed task %s", id)
		}
		if err := t.ResolveEdgesOfPrerequisite(id, now); err != nil {
			return storeErr(err, "resolve edges of %s", id)
		}
		if err := t.AppendTaskEvent(id, "completed", shared.TraceID(ctx), nil); err != nil {
			return storeErr(err, "append completed event")
		}

		candidateEdges, err := t.EdgesByPrerequisite(id)
		if err != nil {
			return storeErr(err, "edges by prerequisite %s", id)
		}
		for _, edge := range candidateEdges {
			dependent, err := t.GetTask(edge.DependentID)
			if err != nil {
				return storeErr(err, "load dependent %s", edge.DependentID)
			}
			if dependent == nil || dependent.Status != queue.StatusBlocked {
				continue
			}
			unresolved, err := t.UnresolvedEdgesOfDependent(dependent.ID)
			if err != nil {
				return storeErr(err, "unresolved edges of %s", dependent.ID)
			}
			if len(unresolved) > 0 {
				continue
			}
			ok, err := t.TransitionTask(dependent.ID, []queue.Status{queue.StatusBlocked}, queue.StatusReady, now)
			if err != nil {
				return storeErr(err, "transition dependent %s to ready", dependent.ID)
			}
			if !ok {
				continue
			}
			dependent.Status = queue.StatusReady
			dependent.UpdatedAt = now
			dependent.CalculatedPriority = qs.scorer.Score(queue.ScoreInput{
				BasePriority:            dependent.BasePriority,
				DependencyDepth:         dependent.DependencyDepth,
				Deadline:                dependent.Deadline,
				EstimatedDurationSec:    dependent.EstimatedDurationSec,
				Source:                  dependent.Source,
				BlockedDirectDependents: 0,
				Now:                     now,
			})
			if err := t.UpdateTask(dependent); err != nil {
				return storeErr(err, "update newly ready dependent %s", dependent.ID)
			}
			if err := t.AppendTaskEvent(dependent.ID, "ready", shared.TraceID(ctx), nil); err != nil {
				return storeErr(err, "append ready event for %s", dependent.ID)
			}
			result.NewlyReadyTaskIDs = append(result.NewlyReadyTaskIDs, dependent.ID)
		}
		return nil
	})
	if err != nil {
		return queue.CompleteResult{}, err
	}
	return result, nil
}

// cascadeCancel transitions every non-terminal transitive dependent of id
// to cancelled, per §4.4.3: terminal descendants are left untouched.
func (qs *QueueService) cascadeCancel(ctx context.Context, t *store.Tx, id string, now time.Time) ([]string, error) {
	allEdges, err := t.AllEdges()
	if err != nil {
		return nil, storeErr(err, "load edges for cascade")
	}
	dependentsByPrerequisite := make(map[string][]string)
	for _, e := range allEdges {
		dependentsByPrerequisite[e.PrerequisiteID] = append(dependentsByPrerequisite[e.PrerequisiteID], e.DependentID)
	}
	descendants := qs.resolver.TransitiveDependents(id, dependentsByPrerequisite)

	var cascaded []string
	for _, descID := range descendants {
		desc, err := t.GetTask(descID)
		if err != nil {
			return nil, storeErr(err, "load descendant %s", descID)
		}
		if desc == nil || desc.Status.Terminal() {
			continue
		}
		ok, err := t.TransitionTask(descID, []queue.Status{desc.Status}, queue.StatusCancelled, now)
		if err != nil {
			return nil, storeErr(err, "cascade-cancel %s", descID)
		}
		if !ok {
			continue
		}
		if err := t.ClearLease(descID); err != nil {
			return nil, storeErr(err, "clear lease during cascade for %s", descID)
		}
		if err := t.AppendTaskEvent(descID, "cascaded_cancel", shared.TraceID(ctx), map[string]any{"root": id}); err != nil {
			return nil, storeErr(err, "append cascade event for %s", descID)
		}
		cascaded = append(cascaded, descID)
	}
	return cascaded, nil
}

// Fail transitions a running task to failed and cascade-cancels its
// transitive dependents.
func (qs *QueueService) Fail(ctx context.Context, id string, errorMessage string) (queue.CascadeResult, error) {
	errorMessage = shared.Redact(errorMessage)
	var result queue.CascadeResult
	now := time.Now().UTC()
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		task, err := t.GetTask(id)
		if err != nil {
			return storeErr(err, "load task %s", id)
		}
		if task == nil {
			return notFoundErr("task %s does not exist", id)
		}
		if task.Status != queue.StatusRunning {
			return invalidStateErr("task %s is %s, not running", id, task.Status)
		}
		ok, err := t.TransitionTask(id, []queue.Status{queue.StatusRunning}, queue.StatusFailed, now)
		if err != nil {
			return storeErr(err, "transition task %s to failed", id)
		}
		if !ok {
			return invalidStateErr("task %s changed status concurrently", id)
		}
		if err := t.ClearLease(id); err != nil {
			return storeErr(err, "clear lease for %s", id)
		}
		task.Status = queue.StatusFailed
		task.ErrorMessage = errorMessage
		task.UpdatedAt = now
		if err := t.UpdateTask(task); err != nil {
			return storeErr(err, "update failed task %s", id)
		}
		if err := t.AppendTaskEvent(id, "failed", shared.TraceID(ctx), map[string]any{"error": errorMessage}); err != nil {
			return storeErr(err, "append failed event")
		}

		cascaded, err := qs.cascadeCancel(ctx, t, id, now)
		if err != nil {
			return err
		}
		result = queue.CascadeResult{PrimaryTaskID: id, CascadedTaskIDs: cascaded}
		return nil
	})
	if err != nil {
		return queue.CascadeResult{}, err
	}
	return result, nil
}

// Cancel transitions a non-terminal task to cancelled and cascade-cancels
// its transitive dependents.
func (qs *QueueService) Cancel(ctx context.Context, id string) (queue.CascadeResult, error) {
	var result queue.CascadeResult
	now := time.Now().UTC()
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		task, err := t.GetTask(id)
		if err != nil {
			return storeErr(err, "load task %s", id)
		}
		if task == nil {
			return notFoundErr("task %s does not exist", id)
		}
		if task.Status.Terminal() {
			return invalidStateErr("task %s is already %s", id, task.Status)
		}
		ok, err := t.TransitionTask(id, []queue.Status{task.Status}, queue.StatusCancelled, now)
		if err != nil {
			return storeErr(err, "transition task %s to cancelled", id)
		}
		if !ok {
			return invalidStateErr("task %s changed status concurrently", id)
		}
		if err := t.ClearLease(id); err != nil {
			return storeErr(err, "clear lease for %s", id)
		}
		if err := t.AppendTaskEvent(id, "cancelled", shared.TraceID(ctx), nil); err != nil {
			return storeErr(err, "append cancelled event")
		}

		cascaded, err := qs.cascadeCancel(ctx, t, id, now)
		if err != nil {
			return err
		}
		result = queue.CascadeResult{PrimaryTaskID: id, CascadedTaskIDs: cascaded}
		return nil
	})
	if err != nil {
		return queue.CascadeResult{}, err
	}
	return result, nil
}

// Heartbeat extends a running task's lease if owner still holds it.
func (qs *QueueService) Heartbeat(ctx context.Context, id, owner string) error {
	if owner == "" {
		return validationErr("owner token is required")
	}
	now := time.Now().UTC()
	return qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		task, err := t.GetTask(id)
		if err != nil {
			return storeErr(err, "load task %s", id)
		}
		if task == nil {
			return notFoundErr("task %s does not exist", id)
		}
		if task.Status != queue.StatusRunning {
			return invalidStateErr("task %s is %s, not running", id, task.Status)
		}
		ok, err := t.HeartbeatLease(id, owner, now, qs.leaseTTL)
		if err != nil {
			return storeErr(err, "heartbeat lease for %s", id)
		}
		if !ok {
			return validationErr("owner %q does not hold the current lease for %s", owner, id)
		}
		return nil
	})
}

// Status returns the §4.4.2 aggregate snapshot.
func (qs *QueueService) Status(ctx context.Context) (queue.QueueStatus, error) {
	var out queue.QueueStatus
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		agg, err := t.Aggregate()
		if err != nil {
			return storeErr(err, "aggregate queue status")
		}
		out = agg
		return nil
	})
	return out, err
}

// Get returns a single task by id, or NotFound.
func (qs *QueueService) Get(ctx context.Context, id string) (*queue.Task, error) {
	var task *queue.Task
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		got, err := t.GetTask(id)
		if err != nil {
			return storeErr(err, "load task %s", id)
		}
		if got == nil {
			return notFoundErr("task %s does not exist", id)
		}
		task = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List returns tasks matching filter, newest-submitted-first.
func (qs *QueueService) List(ctx context.Context, filter store.TaskFilter, limit int) ([]*queue.Task, error) {
	var tasks []*queue.Task
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		got, err := t.ListTasks(filter, limit)
		if err != nil {
			return storeErr(err, "list tasks")
		}
		tasks = got
		return nil
	})
	return tasks, err
}

// ExecutionPlan computes a layered topological sort restricted to ids.
func (qs *QueueService) ExecutionPlan(ctx context.Context, ids []string) (queue.ExecutionPlan, error) {
	if len(ids) == 0 {
		return queue.ExecutionPlan{}, validationErr("at least one task id is required")
	}
	var plan queue.ExecutionPlan
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		for _, id := range ids {
			task, err := t.GetTask(id)
			if err != nil {
				return storeErr(err, "load task %s", id)
			}
			if task == nil {
				return notFoundErr("task %s does not exist", id)
			}
		}
		allEdges, err := t.AllEdges()
		if err != nil {
			return storeErr(err, "load edges")
		}
		prereqsByID := make(map[string][]string)
		for _, e := range allEdges {
			prereqsByID[e.DependentID] = append(prereqsByID[e.DependentID], e.PrerequisiteID)
		}
		batches, ok := qs.resolver.LayeredPlan(ids, prereqsByID)
		if !ok {
			return &queue.Error{Kind: queue.KindCircularDependency, Message: "task set restricted to ids contains a cycle"}
		}
		maxParallel := 0
		for _, b := range batches {
			if len(b) > maxParallel {
				maxParallel = len(b)
			}
		}
		plan = queue.ExecutionPlan{Batches: batches, TotalBatches: len(batches), MaxParallelism: maxParallel}
		return nil
	})
	if err != nil {
		return queue.ExecutionPlan{}, err
	}
	return plan, nil
}

// RecoverExpiredLeases requeues running tasks whose lease has already
// expired back to ready, the crash-recovery half of §9.6. Call once at
// startup and optionally on a periodic tick.
func (qs *QueueService) RecoverExpiredLeases(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	var recovered []string
	err := qs.store.WithTx(ctx, qs.retry, func(t *store.Tx) error {
		expired, err := t.ListExpiredLeases(now)
		if err != nil {
			return storeErr(err, "list expired leases")
		}
		for _, id := range expired {
			task, err := t.GetTask(id)
			if err != nil {
				return storeErr(err, "load expired-lease task %s", id)
			}
			if task == nil {
				continue
			}
			ok, err := t.TransitionTask(id, []queue.Status{queue.StatusRunning}, queue.StatusReady, now)
			if err != nil {
				return storeErr(err, "requeue expired lease %s", id)
			}
			if !ok {
				continue
			}
			if err := t.ClearLease(id); err != nil {
				return storeErr(err, "clear expired lease %s", id)
			}
			task.Status = queue.StatusReady
			task.UpdatedAt = now
			task.LeaseOwner = ""
			task.LeaseExpiresAt = nil
			task.CalculatedPriority = qs.scorer.Score(queue.ScoreInput{
				BasePriority:            task.BasePriority,
				DependencyDepth:         task.DependencyDepth,
				Deadline:                task.Deadline,
				EstimatedDurationSec:    task.EstimatedDurationSec,
				Source:                  task.Source,
				BlockedDirectDependents: 0,
				Now:                     now,
			})
			if err := t.UpdateTask(task); err != nil {
				return storeErr(err, "update recovered task %s", id)
			}
			if err := t.AppendTaskEvent(id, "lease_expired_requeued", shared.TraceID(ctx), nil); err != nil {
				return storeErr(err, "append lease-expired event for %s", id)
			}
			recovered = append(recovered, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		qs.log.Warn("recovered expired leases at startup", "count", len(recovered), "task_ids", recovered)
	}
	return recovered, nil
}
