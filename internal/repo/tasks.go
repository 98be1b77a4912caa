package repo

import (
	"context"
	"database/sql"
	"strings"

	"tracer/internal/domain"
)

const taskColumns = `id,project_id,title,description,status,assignee_id,created_by,estimate_minutes,time_spent_minutes,created_at,updated_at,completed_at`

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID), t.CreatedBy,
		t.EstimateMinutes, t.TimeSpentMinutes, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, assignee_id=?, estimate_minutes=?, time_spent_minutes=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID), t.EstimateMinutes, t.TimeSpentMinutes,
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &assigneeID, &t.CreatedBy,
		&t.EstimateMinutes, &t.TimeSpentMinutes, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	CreatedBy  string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListProjectTaskIDsTx returns ids of every task in the project, inside the
// caller's transaction. Used by cascading deletes.
func (r Repo) ListProjectTaskIDsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTaskTx removes a single task; its time logs, subtasks and comments
// go with it via ON DELETE CASCADE.
func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProjectTasksTx removes every task in the project. Child rows
// (time logs, subtasks, comments) go with them via ON DELETE CASCADE.
func (r Repo) DeleteProjectTasksTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, projectID)
	return err
}

// ReassignTasksTx moves every task assigned to fromUser onto toUser within
// the project.
func (r Repo) ReassignTasksTx(ctx context.Context, tx *sql.Tx, projectID, fromUser, toUser, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id=?, updated_at=? WHERE project_id=? AND assignee_id=?`,
		toUser, updatedAt, projectID, fromUser)
	return err
}

// ReassignUserTasksToOwnersTx moves every task still assigned to the user
// onto its own project's current owner. Run after ownership promotion so the
// successor, not the departing user, receives the work.
func (r Repo) ReassignUserTasksToOwnersTx(ctx context.Context, tx *sql.Tx, userID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks
SET assignee_id=(SELECT owner_id FROM projects WHERE projects.id=tasks.project_id), updated_at=?
WHERE assignee_id=?`, updatedAt, userID)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// Time logs.

func (r Repo) InsertTimeLogTx(ctx context.Context, tx *sql.Tx, l domain.TimeLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO time_logs(id,task_id,user_id,start_time,end_time,duration_minutes,description,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.UserID, l.StartTime, l.EndTime, l.DurationMinutes, nullable(l.Description), l.CreatedAt)
	return err
}

// SumTimeLogsTx recomputes the authoritative total from the log rows.
func (r Repo) SumTimeLogsTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var total int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(duration_minutes),0) FROM time_logs WHERE task_id=?`, taskID).Scan(&total)
	return total, err
}

func (r Repo) ListTimeLogs(ctx context.Context, taskID string) ([]domain.TimeLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,user_id,start_time,end_time,duration_minutes,description,created_at FROM time_logs WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeLog
	for rows.Next() {
		var l domain.TimeLog
		var desc sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.UserID, &l.StartTime, &l.EndTime, &l.DurationMinutes, &desc, &l.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			l.Description = desc.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// Subtasks.

func (r Repo) InsertSubtaskTx(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(id,task_id,title,completed,completed_at,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Title, boolToInt(s.Completed), nullableStringPtr(s.CompletedAt), s.CreatedAt)
	return err
}

func (r Repo) UpdateSubtaskTx(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	res, err := tx.ExecContext(ctx, `UPDATE subtasks SET title=?, completed=?, completed_at=? WHERE id=?`,
		s.Title, boolToInt(s.Completed), nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	var s domain.Subtask
	var completed int
	var completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,title,completed,completed_at,created_at FROM subtasks WHERE id=?`, id).
		Scan(&s.ID, &s.TaskID, &s.Title, &completed, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Completed = completed != 0
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,title,completed,completed_at,created_at FROM subtasks WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		var s domain.Subtask
		var completed int
		var completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Title, &completed, &completedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Completed = completed != 0
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Comments.

func (r Repo) InsertCommentTx(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,task_id,user_id,text,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.UserID, c.Text, c.CreatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	var c domain.Comment
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,user_id,text,created_at FROM comments WHERE id=?`, id).
		Scan(&c.ID, &c.TaskID, &c.UserID, &c.Text, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) DeleteCommentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,user_id,text,created_at FROM comments WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
