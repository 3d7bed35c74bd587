package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskqueue/internal/queue"
)

// Tx is a single Store transaction. All mutating QueueService operations
// run their whole sequence of reads/writes against one Tx.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// TaskFilter restricts ListTasks to a conjunction of optional equality
// predicates, matching §4.1's filter contract.
type TaskFilter struct {
	Status    *queue.Status
	Source    *queue.Source
	AgentType *string
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// InsertTask writes a new task row. Callers must have already computed
// DependencyDepth and CalculatedPriority (or accept the zero values for a
// task that is about to be updated again before commit).
func (t *Tx) InsertTask(task *queue.Task) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO tasks (
			id, description, summary, agent_type, base_priority, calculated_priority,
			dependency_depth, status, source, parent_task_id, session_id,
			submitted_at, started_at, completed_at, updated_at, deadline,
			estimated_duration_seconds, input_data, result, error_message,
			retry_count, max_retries, execution_timeout_seconds, policy_version,
			lease_owner, lease_expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		task.ID, task.Description, nullString(task.Summary), task.AgentType, task.BasePriority, task.CalculatedPriority,
		task.DependencyDepth, string(task.Status), string(task.Source), nullString(task.ParentTaskID), nullString(task.SessionID),
		task.SubmittedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt, nullTime(task.Deadline),
		nullInt64(task.EstimatedDurationSec), nullBytes(task.InputData), nullBytes(task.Result), nullString(task.ErrorMessage),
		task.RetryCount, task.MaxRetries, task.ExecutionTimeoutSec, task.PolicyVersion,
		nullString(task.LeaseOwner), nullTime(task.LeaseExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const taskColumns = `
	id, description, summary, agent_type, base_priority, calculated_priority,
	dependency_depth, status, source, parent_task_id, session_id,
	submitted_at, started_at, completed_at, updated_at, deadline,
	estimated_duration_seconds, input_data, result, error_message,
	retry_count, max_retries, execution_timeout_seconds, policy_version,
	lease_owner, lease_expires_at`

func scanTask(row interface {
	Scan(dest ...any) error
}) (*queue.Task, error) {
	var task queue.Task
	var summary, parentID, sessionID, errMsg, inputData, result, leaseOwner sql.NullString
	var status, source string
	var startedAt, completedAt, deadline, leaseExpiresAt sql.NullTime
	var estimatedDuration sql.NullInt64

	err := row.Scan(
		&task.ID, &task.Description, &summary, &task.AgentType, &task.BasePriority, &task.CalculatedPriority,
		&task.DependencyDepth, &status, &source, &parentID, &sessionID,
		&task.SubmittedAt, &startedAt, &completedAt, &task.UpdatedAt, &deadline,
		&estimatedDuration, &inputData, &result, &errMsg,
		&task.RetryCount, &task.MaxRetries, &task.ExecutionTimeoutSec, &task.PolicyVersion,
		&leaseOwner, &leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = queue.Status(status)
	task.Source = queue.Source(source)
	if summary.Valid {
		task.Summary = summary.String
	}
	if parentID.Valid {
		task.ParentTaskID = parentID.String
	}
	if sessionID.Valid {
		task.SessionID = sessionID.String
	}
	if errMsg.Valid {
		task.ErrorMessage = errMsg.String
	}
	if inputData.Valid {
		task.InputData = []byte(inputData.String)
	}
	if result.Valid {
		task.Result = []byte(result.String)
	}
	if leaseOwner.Valid {
		task.LeaseOwner = leaseOwner.String
	}
	if startedAt.Valid {
		tm := startedAt.Time
		task.StartedAt = &tm
	}
	if completedAt.Valid {
		tm := completedAt.Time
		task.CompletedAt = &tm
	}
	if deadline.Valid {
		tm := deadline.Time
		task.Deadline = &tm
	}
	if leaseExpiresAt.Valid {
		tm := leaseExpiresAt.Time
		task.LeaseExpiresAt = &tm
	}
	if estimatedDuration.Valid {
		v := estimatedDuration.Int64
		task.EstimatedDurationSec = &v
	}
	return &task, nil
}

// GetTask returns the task, or (nil, nil) if no row with that id exists.
func (t *Tx) GetTask(id string) (*queue.Task, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest-submitted-first, capped
// at limit (0 means unlimited).
func (t *Tx) ListTasks(filter TaskFilter, limit int) ([]*queue.Task, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Source != nil {
		where = append(where, "source = ?")
		args = append(args, string(*filter.Source))
	}
	if filter.AgentType != nil {
		where = append(where, "agent_type = ?")
		args = append(args, *filter.AgentType)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*queue.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask overwrites the mutable fields of an existing task row by id.
func (t *Tx) UpdateTask(task *queue.Task) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET
			summary = ?, calculated_priority = ?, dependency_depth = ?, status = ?,
			started_at = ?, completed_at = ?, updated_at = ?, result = ?, error_message = ?,
			retry_count = ?, policy_version = ?, lease_owner = ?, lease_expires_at = ?
		WHERE id = ?;`,
		nullString(task.Summary), task.CalculatedPriority, task.DependencyDepth, string(task.Status),
		nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt, nullBytes(task.Result), nullString(task.ErrorMessage),
		task.RetryCount, task.PolicyVersion, nullString(task.LeaseOwner), nullTime(task.LeaseExpiresAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update task %s: no such row", task.ID)
	}
	return nil
}

// TransitionTask performs the guarded "UPDATE ... WHERE id = ? AND status = ?"
// conditional write: it only applies if the row is still in one of
// allowedFrom, returning false (no error) if another writer already moved
// it. Since this Store enforces single-writer at the pool level this is a
// belt-and-braces invariant check rather than a true optimistic-concurrency
// race guard.
func (t *Tx) TransitionTask(id string, allowedFrom []queue.Status, to queue.Status, now time.Time) (bool, error) {
	placeholders := make([]string, len(allowedFrom))
	args := make([]any, 0, len(allowedFrom)+3)
	args = append(args, string(to), now)
	for i, s := range allowedFrom {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tasks SET status = ?, updated_at = ? WHERE status IN (%s) AND id = ?;`, strings.Join(placeholders, ","))
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task rows affected: %w", err)
	}
	return affected == 1, nil
}
