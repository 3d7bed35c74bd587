package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskqueue/internal/queue"
)

const edgeColumns = `id, dependent_task_id, prerequisite_task_id, kind, created_at, resolved_at`

func scanEdge(row interface {
	Scan(dest ...any) error
}) (*queue.Edge, error) {
	var e queue.Edge
	var kind string
	var resolvedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.DependentID, &e.PrerequisiteID, &kind, &e.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.Kind = queue.DependencyKind(kind)
	if resolvedAt.Valid {
		tm := resolvedAt.Time
		e.ResolvedAt = &tm
	}
	return &e, nil
}

// InsertEdge adds a dependency edge. Caller is responsible for having
// already run cycle detection and self-reference/uniqueness checks.
func (t *Tx) InsertEdge(e *queue.Edge) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO task_dependencies (id, dependent_task_id, prerequisite_task_id, kind, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?);`,
		e.ID, e.DependentID, e.PrerequisiteID, string(e.Kind), e.CreatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// AllEdges returns every non-terminal-irrelevant edge in the store. Used
// by DependencyResolver to build the full adjacency for cycle detection,
// depth computation, and execution planning within one transaction.
func (t *Tx) AllEdges() ([]queue.Edge, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+edgeColumns+` FROM task_dependencies;`)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	var edges []queue.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

// EdgesByPrerequisite returns edges where id is the prerequisite
// (i.e. the tasks that depend on id).
func (t *Tx) EdgesByPrerequisite(id string) ([]queue.Edge, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+edgeColumns+` FROM task_dependencies WHERE prerequisite_task_id = ?;`, id)
	if err != nil {
		return nil, fmt.Errorf("edges by prerequisite: %w", err)
	}
	defer rows.Close()
	var edges []queue.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

// EdgesByDependent returns edges where id is the dependent
// (i.e. id's own prerequisites).
func (t *Tx) EdgesByDependent(id string) ([]queue.Edge, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+edgeColumns+` FROM task_dependencies WHERE dependent_task_id = ?;`, id)
	if err != nil {
		return nil, fmt.Errorf("edges by dependent: %w", err)
	}
	defer rows.Close()
	var edges []queue.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

// ResolveEdgesOfPrerequisite stamps resolved_at on every open edge where
// id is the prerequisite, marking them satisfied now that id completed.
func (t *Tx) ResolveEdgesOfPrerequisite(id string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE task_dependencies SET resolved_at = ? WHERE prerequisite_task_id = ? AND resolved_at IS NULL;`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("resolve edges of prerequisite: %w", err)
	}
	return nil
}

// UnresolvedEdgesOfDependent returns the still-open prerequisite edges for id.
func (t *Tx) UnresolvedEdgesOfDependent(id string) ([]queue.Edge, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+edgeColumns+` FROM task_dependencies WHERE dependent_task_id = ? AND resolved_at IS NULL;`, id)
	if err != nil {
		return nil, fmt.Errorf("unresolved edges of dependent: %w", err)
	}
	defer rows.Close()
	var edges []queue.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}
