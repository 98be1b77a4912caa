package repo

import (
	"context"
	"database/sql"

	"tracer/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,role,is_active,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.Role, boolToInt(u.IsActive), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	var active int
	err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if email.Valid {
		u.Email = email.String
	}
	u.IsActive = active != 0
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,role,is_active,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT id,name,email,role,is_active,created_at FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,role,is_active,created_at FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.Role, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		u.IsActive = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET name=?, email=?, role=?, is_active=? WHERE id=?`,
		u.Name, nullable(u.Email), u.Role, boolToInt(u.IsActive), u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUserTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOwnedProjects returns how many projects the user currently owns.
func (r Repo) CountOwnedProjects(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE owner_id=?`, userID).Scan(&n)
	return n, err
}

// ListOwnedProjectIDsTx returns ids of projects owned by the user, oldest
// first, inside the caller's transaction.
func (r Repo) ListOwnedProjectIDsTx(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM projects WHERE owner_id=? ORDER BY created_at ASC, id ASC`, userID)
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

// ListMemberProjectIDsTx returns ids of projects where the user appears in the
// team, regardless of role.
func (r Repo) ListMemberProjectIDsTx(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id FROM project_members WHERE user_id=? ORDER BY added_at ASC`, userID)
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
