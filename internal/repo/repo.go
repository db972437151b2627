package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trackerz/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx so reads can run inside
// or outside a mutation transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type kindSpec struct {
	table     string
	parentCol string
}

func specFor(kind domain.Kind) (kindSpec, error) {
	switch kind {
	case domain.KindProject:
		return kindSpec{table: "projects"}, nil
	case domain.KindTask:
		return kindSpec{table: "tasks", parentCol: "project_id"}, nil
	case domain.KindSubtask:
		return kindSpec{table: "subtasks", parentCol: "task_id"}, nil
	}
	return kindSpec{}, fmt.Errorf("unknown entity kind %q", kind)
}

func (s kindSpec) selectColumns() string {
	parent := "NULL"
	if s.parentCol != "" {
		parent = "w." + s.parentCol
	}
	return fmt.Sprintf(`w.id, %s, w.title, COALESCE(w.description,''), w.phase_id, ph.name, w.priority_id, pr.name, w.created_at_utc, w.updated_at_utc
FROM %s w
JOIN phases ph ON ph.id = w.phase_id
JOIN priorities pr ON pr.id = w.priority_id`, parent, s.table)
}

func scanWorkItem(kind domain.Kind, scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parent sql.NullInt64
	err := scan(&w.ID, &parent, &w.Title, &w.Description, &w.PhaseID, &w.Phase, &w.PriorityID, &w.Priority, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Kind = kind
	if parent.Valid {
		w.ParentID = &parent.Int64
	}
	return w, nil
}

// InsertWorkItem inserts a new entity row and returns its id.
func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (int64, error) {
	spec, err := specFor(w.Kind)
	if err != nil {
		return 0, err
	}
	cols := []string{"title", "description", "phase_id", "priority_id", "created_at_utc", "updated_at_utc"}
	args := []any{w.Title, nullable(w.Description), w.PhaseID, w.PriorityID, w.CreatedAt, w.UpdatedAt}
	if spec.parentCol != "" {
		if w.ParentID == nil {
			return 0, fmt.Errorf("%s requires a parent %s", w.Kind, w.Kind.Parent())
		}
		cols = append([]string{spec.parentCol}, cols...)
		args = append([]any{*w.ParentID}, args...)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, spec.table, strings.Join(cols, ","), placeholders)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", w.Kind, err)
	}
	return res.LastInsertId()
}

// GetWorkItem loads one entity by id.
func (r Repo) GetWorkItem(ctx context.Context, kind domain.Kind, id int64) (domain.WorkItem, error) {
	return getWorkItem(ctx, r.DB, kind, id)
}

// GetWorkItemTx loads one entity by id inside a transaction, so a
// mutation reads the state it will overwrite.
func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, id int64) (domain.WorkItem, error) {
	return getWorkItem(ctx, tx, kind, id)
}

func getWorkItem(ctx context.Context, q dbtx, kind domain.Kind, id int64) (domain.WorkItem, error) {
	spec, err := specFor(kind)
	if err != nil {
		return domain.WorkItem{}, err
	}
	query := fmt.Sprintf(`SELECT %s WHERE w.id=?`, spec.selectColumns())
	row := q.QueryRowContext(ctx, query, id)
	return scanWorkItem(kind, row.Scan)
}

// UpdateWorkItem persists the mutable fields of an entity.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	spec, err := specFor(w.Kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET title=?, description=?, phase_id=?, priority_id=?, updated_at_utc=? WHERE id=?`, spec.table)
	res, err := tx.ExecContext(ctx, query, w.Title, nullable(w.Description), w.PhaseID, w.PriorityID, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", w.Kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkItem removes an entity. Children and change rows go with it
// via the schema's cascading foreign keys.
func (r Repo) DeleteWorkItem(ctx context.Context, kind domain.Kind, id int64) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, spec.table), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildren returns the entities owned by a parent, most recently
// updated first (timeline order). For projects, parentID is ignored and
// all projects are returned.
func (r Repo) ListChildren(ctx context.Context, kind domain.Kind, parentID int64) ([]domain.WorkItem, error) {
	spec, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s`, spec.selectColumns())
	var args []any
	if spec.parentCol != "" {
		query += fmt.Sprintf(` WHERE w.%s=?`, spec.parentCol)
		args = append(args, parentID)
	}
	query += ` ORDER BY w.updated_at_utc DESC, w.id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %ss: %w", kind, err)
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(kind, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListChanges returns the audit trail for one entity, newest first.
// A limit of 0 means no limit.
func (r Repo) ListChanges(ctx context.Context, kind domain.Kind, entityID int64, limit int) ([]domain.ChangeRecord, error) {
	table, fk, err := updatesTableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT u.id, u.%s, u.changed_at_utc, COALESCE(u.actor,''), u.reason,
u.old_phase_id, u.new_phase_id,
(SELECT name FROM phases WHERE id = u.old_phase_id),
(SELECT name FROM phases WHERE id = u.new_phase_id),
u.old_priority_id, u.new_priority_id,
(SELECT name FROM priorities WHERE id = u.old_priority_id),
(SELECT name FROM priorities WHERE id = u.new_priority_id),
COALESCE(u.note,'')
FROM %s u WHERE u.%s=? ORDER BY u.changed_at_utc DESC, u.id DESC`, fk, table, fk)
	args := []any{entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s changes: %w", kind, err)
	}
	defer rows.Close()
	var out []domain.ChangeRecord
	for rows.Next() {
		var c domain.ChangeRecord
		if err := rows.Scan(&c.ID, &c.EntityID, &c.ChangedAt, &c.Actor, &c.Reason,
			&c.OldPhaseID, &c.NewPhaseID, &c.OldPhase, &c.NewPhase,
			&c.OldPriorityID, &c.NewPriorityID, &c.OldPriority, &c.NewPriority,
			&c.Note); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChanges returns the number of ledger rows for one entity.
func (r Repo) CountChanges(ctx context.Context, kind domain.Kind, entityID int64) (int, error) {
	table, fk, err := updatesTableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s=?`, table, fk), entityID).Scan(&n)
	return n, err
}

func updatesTableFor(kind domain.Kind) (table, fkColumn string, err error) {
	switch kind {
	case domain.KindProject:
		return "project_updates", "project_id", nil
	case domain.KindTask:
		return "task_updates", "task_id", nil
	case domain.KindSubtask:
		return "subtask_updates", "subtask_id", nil
	}
	return "", "", fmt.Errorf("unknown entity kind %q", kind)
}

// ListPriorities returns the priority reference set in ascending order.
func (r Repo) ListPriorities(ctx context.Context) ([]domain.Priority, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name FROM priorities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Priority
	for rows.Next() {
		var p domain.Priority
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PriorityByID resolves a priority by id.
func (r Repo) PriorityByID(ctx context.Context, id int64) (domain.Priority, error) {
	var p domain.Priority
	err := r.DB.QueryRowContext(ctx, `SELECT id, name FROM priorities WHERE id=?`, id).Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// PriorityByName resolves a priority by display name, case-insensitively.
func (r Repo) PriorityByName(ctx context.Context, name string) (domain.Priority, error) {
	var p domain.Priority
	err := r.DB.QueryRowContext(ctx, `SELECT id, name FROM priorities WHERE name=? COLLATE NOCASE`, strings.TrimSpace(name)).Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
