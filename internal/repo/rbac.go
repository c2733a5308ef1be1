package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, rol string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO usuario_roles(id_usuario, rol) VALUES (?,?)`, userID, rol)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, rol string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM usuario_roles WHERE id_usuario=? AND rol=?`, userID, rol)
	return err
}

// UserRoles returns the role codes held by a user, sorted.
func (r Repo) UserRoles(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT rol FROM usuario_roles WHERE id_usuario=? ORDER BY rol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var rol string
		if err := rows.Scan(&rol); err != nil {
			return nil, err
		}
		roles = append(roles, rol)
	}
	return roles, rows.Err()
}
