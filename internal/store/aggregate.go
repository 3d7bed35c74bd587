package store

import (
	"fmt"
	"time"

	"github.com/basket/taskqueue/internal/queue"
)

// Aggregate computes the §4.4.2 queue-status summary in one pass.
func (t *Tx) Aggregate() (queue.QueueStatus, error) {
	var status queue.QueueStatus
	status.CountsByStatus = make(map[queue.Status]int)

	rows, err := t.tx.QueryContext(t.ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return status, fmt.Errorf("aggregate counts: %w", err)
	}
	total := 0
	for rows.Next() {
		var s string
		var count int
		if err := rows.Scan(&s, &count); err != nil {
			rows.Close()
			return status, fmt.Errorf("scan aggregate count: %w", err)
		}
		status.CountsByStatus[queue.Status(s)] = count
		total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return status, err
	}
	status.Total = total

	row := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(AVG(calculated_priority), 0), COALESCE(MAX(dependency_depth), 0) FROM tasks;`)
	if err := row.Scan(&status.AverageCalculated, &status.MaxDepth); err != nil {
		return status, fmt.Errorf("aggregate priority/depth: %w", err)
	}

	var oldestNonTerminal, newestSubmitted time.Time
	var oldestValid, newestValid bool
	err = t.tx.QueryRowContext(t.ctx, `
		SELECT MIN(submitted_at) FROM tasks WHERE status NOT IN ('completed','failed','cancelled');`).Scan(scanOrZero(&oldestNonTerminal, &oldestValid))
	if err != nil {
		return status, fmt.Errorf("aggregate oldest non-terminal: %w", err)
	}
	if oldestValid {
		status.OldestNonTerminal = &oldestNonTerminal
	}

	err = t.tx.QueryRowContext(t.ctx, `SELECT MAX(submitted_at) FROM tasks;`).Scan(scanOrZero(&newestSubmitted, &newestValid))
	if err != nil {
		return status, fmt.Errorf("aggregate newest submitted: %w", err)
	}
	if newestValid {
		status.NewestSubmittedAt = &newestSubmitted
	}

	return status, nil
}

// scanOrZero adapts a nullable-time scan target so a NULL aggregate
// (empty table) doesn't error Scan; it reports validity via *ok.
func scanOrZero(dst *time.Time, ok *bool) any {
	return &nullTimeScanner{dst: dst, ok: ok}
}

type nullTimeScanner struct {
	dst *time.Time
	ok  *bool
}

func (n *nullTimeScanner) Scan(src any) error {
	if src == nil {
		*n.ok = false
		return nil
	}
	switch v := src.(type) {
	case time.Time:
		*n.dst = v
		*n.ok = true
		return nil
	default:
		return fmt.Errorf("unsupported time scan source %T", src)
	}
}
