package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tracer/internal/domain"
)

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,owner_id,name,description,status,is_archived,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, nullable(p.Description), p.Status, boolToInt(p.IsArchived), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProjectRow(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	var archived int
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &desc, &p.Status, &archived, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.IsArchived = archived != 0
	return p, nil
}

const projectColumns = `id,owner_id,name,description,status,is_archived,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProjectRow(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProjectRow(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		var archived int
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &desc, &p.Status, &archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		p.IsArchived = archived != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProjectsForUser returns projects where the user is on the team.
func (r Repo) ListProjectsForUser(ctx context.Context, userID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.owner_id,p.name,p.description,p.status,p.is_archived,p.created_at,p.updated_at
FROM projects p JOIN project_members m ON m.project_id=p.id
WHERE m.user_id=? ORDER BY p.created_at DESC, p.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		var archived int
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &desc, &p.Status, &archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		p.IsArchived = archived != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, id string, status string, description *string, archived *bool, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if archived != nil {
		fields = append(fields, "is_archived=?")
		args = append(args, boolToInt(*archived))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectOwnerTx(ctx context.Context, tx *sql.Tx, projectID, ownerID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET owner_id=?, updated_at=? WHERE id=?`, ownerID, updatedAt, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Team membership.

// UpsertTeamMemberTx adds a member or, when the user is already on the team,
// updates their role in place. added_at is preserved on update.
func (r Repo) UpsertTeamMemberTx(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id,user_id,role,added_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,user_id) DO UPDATE SET role=excluded.role`,
		m.ProjectID, m.UserID, m.Role, m.AddedAt)
	return err
}

func (r Repo) RemoveTeamMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID)
	return err
}

func (r Repo) GetTeamMember(ctx context.Context, projectID, userID string) (domain.TeamMember, error) {
	var m domain.TeamMember
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,user_id,role,added_at FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&m.ProjectID, &m.UserID, &m.Role, &m.AddedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListTeam(ctx context.Context, projectID string) ([]domain.TeamMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,user_id,role,added_at FROM project_members WHERE project_id=? ORDER BY added_at ASC, user_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTeam(rows)
}

func (r Repo) ListTeamTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.TeamMember, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id,user_id,role,added_at FROM project_members WHERE project_id=? ORDER BY added_at ASC, user_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTeam(rows)
}

func scanTeam(rows *sql.Rows) ([]domain.TeamMember, error) {
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
