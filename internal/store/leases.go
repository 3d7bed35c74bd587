package store

import (
	"fmt"
	"time"
)

// ClaimLease grants owner a lease on taskID expiring after ttl, stamped
// alongside the ready->running transition performed by the caller in the
// same Tx (§3.1).
func (t *Tx) ClaimLease(taskID, owner string, now time.Time, ttl time.Duration) error {
	expiresAt := now.Add(ttl)
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET lease_owner = ?, lease_expires_at = ? WHERE id = ?;`,
		owner, expiresAt, taskID,
	)
	if err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	return nil
}

// HeartbeatLease extends an existing lease if owner still matches. Returns
// false (no error) if the task isn't running under that owner's lease.
func (t *Tx) HeartbeatLease(taskID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.Add(ttl)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tasks SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?;`,
		expiresAt, taskID, owner,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat lease rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListExpiredLeases returns the ids of `running` tasks whose lease has
// already expired as of now — the signature of a crashed worker,
// consumed by startup recovery (§9.6).
func (t *Tx) ListExpiredLeases(now time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id FROM tasks WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearLease releases the lease fields, used when a task leaves `running`.
func (t *Tx) ClearLease(taskID string) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE tasks SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("clear lease: %w", err)
	}
	return nil
}
