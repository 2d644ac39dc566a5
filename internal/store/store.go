// Package store persists task records in SQLite for the task service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,description,completed,project_id,priority,status,due_date,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var (
		t         domain.Task
		id        []byte
		completed int
		projectID []byte
		due       sql.NullInt64
		created   int64
		updated   int64
	)
	err := scan(&id, &t.Title, &t.Description, &completed, &projectID, &t.Priority, &t.Status, &due, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	copy(t.ID[:], id)
	t.Completed = completed != 0
	if len(projectID) == 16 {
		var pid uuid.UUID
		copy(pid[:], projectID)
		t.ProjectID = &pid
	}
	if due.Valid {
		d := time.Unix(due.Int64, 0).UTC()
		t.DueDate = &d
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

func taskArgs(t domain.Task) []any {
	var projectID any
	if t.ProjectID != nil {
		projectID = t.ProjectID[:]
	}
	var due any
	if t.DueDate != nil {
		due = t.DueDate.Unix()
	}
	return []any{
		t.ID[:], t.Title, t.Description, boolInt(t.Completed), projectID,
		int(t.Priority), int(t.Status), due, t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s Store) InsertTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`, taskArgs(t)...)
	return err
}

func (s Store) Get(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id[:])
	return scanTask(row.Scan)
}

func (s Store) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id[:])
	return scanTask(row.Scan)
}

// UpdateTx replaces the mutable columns of an existing record. The id
// and created_at never change.
func (s Store) UpdateTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	var projectID any
	if t.ProjectID != nil {
		projectID = t.ProjectID[:]
	}
	var due any
	if t.DueDate != nil {
		due = t.DueDate.Unix()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title=?,description=?,completed=?,project_id=?,priority=?,status=?,due_date=?,updated_at=? WHERE id=?`,
		t.Title, t.Description, boolInt(t.Completed), projectID, int(t.Priority), int(t.Status), due, t.UpdatedAt.Unix(), t.ID[:])
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) DeleteTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id[:])
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func listQuery(filter domain.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != domain.StatusUnspecified {
		conds = append(conds, "status=?")
		args = append(args, int(filter.Status))
	}
	if filter.Priority != domain.PriorityUnspecified {
		conds = append(conds, "priority=?")
		args = append(args, int(filter.Priority))
	}
	if filter.Completed != nil {
		conds = append(conds, "completed=?")
		args = append(args, boolInt(*filter.Completed))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return q, args
}

func (s Store) List(ctx context.Context, filter domain.ListFilter) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.ListEach(ctx, filter, func(t domain.Task) error {
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

// ListEach streams matching rows to fn in a stable order, so a
// server-streaming response can start before the full set is read.
func (s Store) ListEach(ctx context.Context, filter domain.ListFilter, fn func(domain.Task) error) error {
	q, args := listQuery(filter)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var st int
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(st).String()] = n
	}
	return counts, rows.Err()
}
