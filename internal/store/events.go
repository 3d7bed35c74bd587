package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskqueue/internal/queue"
)

// TaskEvent is an append-only audit row per state transition (§3.1),
// grounded on the append-only task_events table pattern this codebase
// uses elsewhere for audit trails.
type TaskEvent struct {
	EventID   int64
	TaskID    string
	EventType string
	Payload   string
	TraceID   string
	CreatedAt time.Time
}

// AppendTaskEvent records one audit row for a task state transition.
func (t *Tx) AppendTaskEvent(taskID, eventType, traceID string, payload any) error {
	var payloadStr string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task event payload: %w", err)
		}
		payloadStr = string(b)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO task_events (task_id, event_type, payload, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?);`,
		taskID, eventType, nullString(payloadStr), nullString(traceID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for one task, oldest first.
func (t *Tx) ListTaskEvents(taskID string) ([]TaskEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT event_id, task_id, event_type, COALESCE(payload, ''), COALESCE(trace_id, ''), created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.EventType, &e.Payload, &e.TraceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordPolicyVersion inserts a new policy version row and returns its
// version number, bumped whenever scoring-relevant configuration changes
// (§3.1, §9.7).
func (t *Tx) RecordPolicyVersion(weights queue.ScoringWeights, horizonSeconds int64) (int64, error) {
	b, err := json.Marshal(weights)
	if err != nil {
		return 0, fmt.Errorf("marshal scoring weights: %w", err)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO policy_versions (weights, horizon_seconds, created_at) VALUES (?, ?, ?);`,
		string(b), horizonSeconds, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("record policy version: %w", err)
	}
	return res.LastInsertId()
}

// CurrentPolicyVersion returns the most recently recorded policy version,
// or 0 if none has been recorded yet.
func (t *Tx) CurrentPolicyVersion() (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_versions;`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("current policy version: %w", err)
	}
	return version, nil
}

// KVGet reads an internal scratch value (§3.1), e.g. the last-recompute-tick
// timestamp. Returns ("", false, nil) if absent.
func (t *Tx) KVGet(key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

// KVSet upserts an internal scratch value.
func (t *Tx) KVSet(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}
