package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"allo/internal/domain"
)

const taskColumns = `t.id,t.bde_list_id,t.title,COALESCE(t.description,''),COALESCE(t.conditions_text,''),t.theme,t.opens_at,t.closes_at,t.status,t.created_by,t.assigned_to,t.published_at,t.created_at`

func scanTask(row rowScanner, extra ...any) (domain.Task, error) {
	var (
		t                        domain.Task
		opens, closes, published sql.NullString
		assigned                 sql.NullInt64
		theme, status            string
	)
	dest := []any{&t.ID, &t.BdeListID, &t.Title, &t.Description, &t.Conditions, &theme, &opens, &closes, &status, &t.CreatedBy, &assigned, &published, &t.CreatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Theme = domain.ParseTheme(theme)
	t.Status = domain.TaskStatus(status)
	t.OpensAt = stringPtr(opens)
	t.ClosesAt = stringPtr(closes)
	t.PublishedAt = stringPtr(published)
	t.AssignedTo = int64Ptr(assigned)
	return t, nil
}

// InsertTaskTx inserts the task row and returns its id.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(bde_list_id,title,description,conditions_text,theme,opens_at,closes_at,status,created_by,assigned_to,published_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.BdeListID, t.Title, nullable(t.Description), nullable(t.Conditions), string(t.Theme), nullableStringPtr(t.OpensAt), nullableStringPtr(t.ClosesAt),
		string(t.Status), t.CreatedBy, nullableInt64Ptr(t.AssignedTo), nullableStringPtr(t.PublishedAt), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id=?`, id))
}

// UpdateTaskDetails rewrites the editable fields of a task.
func (r Repo) UpdateTaskDetails(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, conditions_text=?, theme=?, opens_at=?, closes_at=? WHERE id=?`,
		t.Title, nullable(t.Description), nullable(t.Conditions), string(t.Theme), nullableStringPtr(t.OpensAt), nullableStringPtr(t.ClosesAt), t.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// SetTaskStatusTx flips the status; publishedAt is written only when non-nil.
func (r Repo) SetTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status domain.TaskStatus, publishedAt *string) error {
	fields := []string{"status=?"}
	args := []any{string(status)}
	if publishedAt != nil {
		fields = append(fields, "published_at=?")
		args = append(args, *publishedAt)
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) SetAssignee(ctx context.Context, id int64, assignee *int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET assigned_to=? WHERE id=?`, nullableInt64Ptr(assignee), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

type TaskOrder int

const (
	OrderCreated TaskOrder = iota
	OrderPublished
)

type TaskFilters struct {
	ID        int64
	Status    domain.TaskStatus
	BdeListID int64
	CreatedBy int64
	Order     TaskOrder
}

const summaryQuery = `SELECT ` + taskColumns + `,
  COALESCE(b.name,''),
  c.id, COALESCE(c.first_name,''), COALESCE(c.last_name,''), COALESCE(c.phone,''),
  a.id, COALESCE(a.first_name,''), COALESCE(a.last_name,''), COALESCE(a.phone,''),
  (SELECT COUNT(1) FROM slots s WHERE s.task_id=t.id),
  (SELECT COUNT(1) FROM slots s WHERE s.task_id=t.id AND s.claimed_by_phone IS NOT NULL)
FROM tasks t
LEFT JOIN bde_lists b ON b.id=t.bde_list_id
LEFT JOIN users c ON c.id=t.created_by
LEFT JOIN users a ON a.id=t.assigned_to`

func scanPerson(id sql.NullInt64, first, last, phone string) *domain.Person {
	if !id.Valid {
		return nil
	}
	return &domain.Person{ID: id.Int64, FirstName: first, LastName: last, Phone: phone}
}

func scanSummary(row rowScanner) (domain.TaskSummary, error) {
	var (
		s                     domain.TaskSummary
		cID, aID              sql.NullInt64
		cFirst, cLast, cPhone string
		aFirst, aLast, aPhone string
	)
	t, err := scanTask(row, &s.BdeListName,
		&cID, &cFirst, &cLast, &cPhone,
		&aID, &aFirst, &aLast, &aPhone,
		&s.TotalSlots, &s.ClaimedSlots)
	if err != nil {
		return s, err
	}
	s.Task = t
	s.Creator = scanPerson(cID, cFirst, cLast, cPhone)
	s.Assignee = scanPerson(aID, aFirst, aLast, aPhone)
	s.AvailableSlots = s.TotalSlots - s.ClaimedSlots
	return s, nil
}

// ListTaskSummaries returns tasks with slot counts and joined names.
func (r Repo) ListTaskSummaries(ctx context.Context, f TaskFilters) ([]domain.TaskSummary, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ID != 0 {
		clauses = append(clauses, "t.id=?")
		args = append(args, f.ID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, string(f.Status))
	}
	if f.BdeListID != 0 {
		clauses = append(clauses, "t.bde_list_id=?")
		args = append(args, f.BdeListID)
	}
	if f.CreatedBy != 0 {
		clauses = append(clauses, "t.created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := summaryQuery
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	switch f.Order {
	case OrderPublished:
		query += " ORDER BY t.published_at DESC, t.id DESC"
	default:
		query += " ORDER BY t.created_at DESC, t.id DESC"
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TaskSummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetTaskSummary(ctx context.Context, id int64) (domain.TaskSummary, error) {
	res, err := r.ListTaskSummaries(ctx, TaskFilters{ID: id})
	if err != nil {
		return domain.TaskSummary{}, err
	}
	if len(res) == 0 {
		return domain.TaskSummary{}, ErrNotFound
	}
	return res[0], nil
}
