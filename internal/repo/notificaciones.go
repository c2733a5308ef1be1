package repo

import (
	"context"
	"database/sql"

	"tramiteline/internal/domain"
)

func (r Repo) InsertNotificacion(ctx context.Context, n domain.Notificacion) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notificaciones(id_usuario, id_tramite, tipo, titulo, mensaje, leida, fecha_creacion) VALUES (?,?,?,?,?,0,?)`,
		n.UsuarioID, nullablePtr(n.TramiteID), n.Tipo, n.Titulo, n.Mensaje, n.FechaCreacion)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListNotificaciones returns a user's inbox, newest first.
func (r Repo) ListNotificaciones(ctx context.Context, userID string, soloNoLeidas bool, limit int) ([]domain.Notificacion, error) {
	query := `SELECT id, id_usuario, id_tramite, tipo, titulo, mensaje, leida, fecha_creacion, fecha_leida FROM notificaciones WHERE id_usuario=?`
	args := []any{userID}
	if soloNoLeidas {
		query += ` AND leida=0`
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notificacion
	for rows.Next() {
		var n domain.Notificacion
		var tramite, leida sql.NullString
		if err := rows.Scan(&n.ID, &n.UsuarioID, &tramite, &n.Tipo, &n.Titulo, &n.Mensaje, &n.Leida, &n.FechaCreacion, &leida); err != nil {
			return nil, err
		}
		n.TramiteID = nullableStringPtr(tramite)
		n.FechaLeida = nullableStringPtr(leida)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) CountNoLeidas(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notificaciones WHERE id_usuario=? AND leida=0`, userID).Scan(&n)
	return n, err
}

// MarkNotificacionLeida marks one notification of the user as read. ErrStale means it does not
// belong to the user or was already read.
func (r Repo) MarkNotificacionLeida(ctx context.Context, userID string, id int64, at string) error {
	return expectOne(r.DB.ExecContext(ctx, `UPDATE notificaciones SET leida=1, fecha_leida=? WHERE id=? AND id_usuario=? AND leida=0`, at, id, userID))
}

func (r Repo) MarkTodasLeidas(ctx context.Context, userID, at string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notificaciones SET leida=1, fecha_leida=? WHERE id_usuario=? AND leida=0`, at, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
