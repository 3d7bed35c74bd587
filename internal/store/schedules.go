package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron-triggered enqueue template (§9.5/§10): when its
// cron expression next fires, EnqueueTemplate (a serialized
// queue.EnqueueInput) is submitted to QueueService.Enqueue as-is.
type Schedule struct {
	ID              string
	Name            string
	CronExpr        string
	EnqueueTemplate string
	Enabled         bool
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const scheduleColumns = `id, name, cron_expr, enqueue_template, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(row interface {
	Scan(dest ...any) error
}) (Schedule, error) {
	var sc Schedule
	var enabled int
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.EnqueueTemplate, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sc.Enabled = enabled != 0
	if nextRun.Valid {
		tm := nextRun.Time
		sc.NextRunAt = &tm
	}
	if lastRun.Valid {
		tm := lastRun.Time
		sc.LastRunAt = &tm
	}
	return sc, nil
}

// InsertSchedule registers a new cron schedule.
func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, enqueue_template, enabled, next_run_at, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sched.ID, sched.Name, sched.CronExpr, sched.EnqueueTemplate, boolToInt(sched.Enabled),
		nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), sched.CreatedAt, sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// ListSchedules returns every configured schedule, ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun stamps last_run_at/next_run_at after a schedule fires.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;`,
		lastRun, nextRun, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
