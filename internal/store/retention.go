package store

import (
	"context"
	"fmt"
	"time"
)

// VacuumMode controls post-prune space reclamation policy (§6).
type VacuumMode string

const (
	VacuumNever       VacuumMode = "never"
	VacuumConditional VacuumMode = "conditional"
	VacuumAlways      VacuumMode = "always"
)

// vacuumConditionalThreshold and vacuumDowngradeThreshold implement the
// conditional vacuum_mode policy: reclaim when pruned count crosses the
// first, but skip an expensive exclusive-lock VACUUM on very large prunes.
const (
	vacuumConditionalThreshold = 100
	vacuumDowngradeThreshold   = 10_000
)

// PruneFilter selects which terminal tasks are eligible for pruning.
// Pruning never mutates non-terminal tasks (§6) — callers must restrict
// Statuses to a subset of {completed, failed, cancelled}; this is
// enforced by PruneTasks, not by the caller's discipline alone.
type PruneFilter struct {
	OlderThan time.Time
	Statuses  []string
}

// PruneResult reports how many task/edge rows a prune pass removed.
type PruneResult struct {
	PurgedTasks int64
	PurgedEdges int64
	Vacuumed    bool
}

// PruneTasks deletes tasks matching filter (and their edges), then applies
// vacuumMode's reclamation policy. It runs in its own transaction since it
// is a maintenance operation, not a QueueService state-machine operation.
func (s *Store) PruneTasks(ctx context.Context, filter PruneFilter, vacuumMode VacuumMode) (PruneResult, error) {
	var result PruneResult
	allowed := map[string]bool{"completed": true, "failed": true, "cancelled": true}
	for _, st := range filter.Statuses {
		if !allowed[st] {
			return result, fmt.Errorf("prune: status %q is not terminal, refusing to mutate non-terminal tasks", st)
		}
	}
	if len(filter.Statuses) == 0 {
		filter.Statuses = []string{"completed", "failed", "cancelled"}
	}

	err := s.WithTx(ctx, RetryConfig{}, func(t *Tx) error {
		placeholders := make([]any, 0, len(filter.Statuses)+1)
		inClause := ""
		for i, st := range filter.Statuses {
			if i > 0 {
				inClause += ","
			}
			inClause += "?"
			placeholders = append(placeholders, st)
		}
		placeholders = append(placeholders, filter.OlderThan)

		edgeRes, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`
			DELETE FROM task_dependencies WHERE dependent_task_id IN (
				SELECT id FROM tasks WHERE status IN (%s) AND submitted_at < ?
			) OR prerequisite_task_id IN (
				SELECT id FROM tasks WHERE status IN (%s) AND submitted_at < ?
			);`, inClause, inClause), append(append([]any{}, placeholders...), placeholders...)...)
		if err != nil {
			return fmt.Errorf("prune edges: %w", err)
		}
		result.PurgedEdges, _ = edgeRes.RowsAffected()

		taskRes, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(
			`DELETE FROM tasks WHERE status IN (%s) AND submitted_at < ?;`, inClause), placeholders...)
		if err != nil {
			return fmt.Errorf("prune tasks: %w", err)
		}
		result.PurgedTasks, _ = taskRes.RowsAffected()
		return nil
	})
	if err != nil {
		return result, err
	}

	switch vacuumMode {
	case VacuumAlways:
		result.Vacuumed = true
	case VacuumConditional:
		result.Vacuumed = result.PurgedTasks >= vacuumConditionalThreshold && result.PurgedTasks < vacuumDowngradeThreshold
	case VacuumNever, "":
		result.Vacuumed = false
	}
	if result.Vacuumed {
		if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
			return result, fmt.Errorf("vacuum: %w", err)
		}
	}

	// Task-event retention purges independently of task pruning: events
	// are an audit trail, not scheduling state, so their window is
	// configured separately (§6 retention_task_event_days).
	return result, nil
}

// PruneTaskEvents deletes task_events rows older than cutoff, applied
// independently from task pruning since audit-trail retention and task
// retention have separate configured windows.
func (s *Store) PruneTaskEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.WithTx(ctx, RetryConfig{}, func(t *Tx) error {
		res, err := t.tx.ExecContext(t.ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge task_events: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

// Backup writes a consistent online snapshot to destPath using SQLite's
// VACUUM INTO, allowing a hot backup without stopping the writer.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}
