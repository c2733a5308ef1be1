package repo

import (
	"context"
	"database/sql"
	"errors"

	"tramiteline/internal/domain"
)

const codigoColumns = `id,id_tramite,id_usuario,codigo,email_destino,expira_en,usado,intentos_fallidos,bloqueado_hasta,
COALESCE(ip_address,''),COALESCE(user_agent,''),fecha_creacion,fecha_uso,version`

func scanCodigo(row scanner) (domain.CodigoVerificacion, error) {
	var c domain.CodigoVerificacion
	var bloqueado, uso sql.NullString
	err := row.Scan(&c.ID, &c.TramiteID, &c.UsuarioID, &c.Codigo, &c.EmailDestino, &c.ExpiraEn, &c.Usado, &c.IntentosFallidos, &bloqueado,
		&c.IPAddress, &c.UserAgent, &c.FechaCreacion, &uso, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.BloqueadoHasta = nullableStringPtr(bloqueado)
	c.FechaUso = nullableStringPtr(uso)
	return c, nil
}

// ActiveLockout returns the furthest lockout timestamp later than now across every code of
// the user, or ErrNotFound when the user is not locked out.
func (r Repo) ActiveLockout(ctx context.Context, tx *sql.Tx, userID, now string) (string, error) {
	var until sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT MAX(bloqueado_hasta) FROM codigos_verificacion WHERE id_usuario=? AND bloqueado_hasta > ?`,
		userID, now).Scan(&until)
	if err != nil {
		return "", err
	}
	if !until.Valid {
		return "", ErrNotFound
	}
	return until.String, nil
}

// InvalidateCodigos marks every unused code of the pair as used.
func (r Repo) InvalidateCodigos(ctx context.Context, tx *sql.Tx, tramiteID, userID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE codigos_verificacion SET usado=1, version=version+1 WHERE id_tramite=? AND id_usuario=? AND usado=0`,
		tramiteID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertCodigo(ctx context.Context, tx *sql.Tx, c domain.CodigoVerificacion) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO codigos_verificacion(id,id_tramite,id_usuario,codigo,email_destino,expira_en,usado,intentos_fallidos,ip_address,user_agent,fecha_creacion,version)
VALUES (?,?,?,?,?,?,0,0,?,?,?,1)`,
		c.ID, c.TramiteID, c.UsuarioID, c.Codigo, c.EmailDestino, c.ExpiraEn, nullable(c.IPAddress), nullable(c.UserAgent), c.FechaCreacion)
	return err
}

// LatestUnusedCodigo returns the most recent unused code of the pair.
func (r Repo) LatestUnusedCodigo(ctx context.Context, tx *sql.Tx, tramiteID, userID string) (domain.CodigoVerificacion, error) {
	return scanCodigo(r.q(tx).QueryRowContext(ctx, `SELECT `+codigoColumns+` FROM codigos_verificacion
WHERE id_tramite=? AND id_usuario=? AND usado=0 ORDER BY fecha_creacion DESC, rowid DESC LIMIT 1`, tramiteID, userID))
}

func (r Repo) ListCodigos(ctx context.Context, tramiteID, userID string) ([]domain.CodigoVerificacion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+codigoColumns+` FROM codigos_verificacion WHERE id_tramite=? AND id_usuario=? ORDER BY rowid ASC`,
		tramiteID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CodigoVerificacion
	for rows.Next() {
		c, err := scanCodigo(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ExpireCodigo retires an expired code. The update is guarded by the row version.
func (r Repo) ExpireCodigo(ctx context.Context, tx *sql.Tx, id string, version int64) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE codigos_verificacion SET usado=1, version=version+1 WHERE id=? AND version=? AND usado=0`,
		id, version))
}

// MarkCodigoUsado consumes a code after a successful match.
func (r Repo) MarkCodigoUsado(ctx context.Context, tx *sql.Tx, id string, version int64, at string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE codigos_verificacion SET usado=1, fecha_uso=?, version=version+1 WHERE id=? AND version=? AND usado=0`,
		at, id, version))
}

// CodigoFailure is the row state after a failed attempt was recorded.
type CodigoFailure struct {
	Intentos       int
	Bloqueado      bool
	BloqueadoHasta string
}

// RecordCodigoFailure increments the failed-attempt counter in a single check-and-set
// statement. When the counter reaches maxAttempts the row is retired and lockUntil is
// stored. ErrStale means another attempt changed the row first.
func (r Repo) RecordCodigoFailure(ctx context.Context, tx *sql.Tx, id string, version int64, maxAttempts int, lockUntil string) (CodigoFailure, error) {
	var (
		res   CodigoFailure
		usado bool
		hasta sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `UPDATE codigos_verificacion SET
intentos_fallidos=intentos_fallidos+1,
usado=CASE WHEN intentos_fallidos+1 >= ? THEN 1 ELSE usado END,
bloqueado_hasta=CASE WHEN intentos_fallidos+1 >= ? THEN ? ELSE bloqueado_hasta END,
version=version+1
WHERE id=? AND version=? AND usado=0
RETURNING intentos_fallidos, usado, bloqueado_hasta`,
		maxAttempts, maxAttempts, lockUntil, id, version).Scan(&res.Intentos, &usado, &hasta)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrStale
	}
	if err != nil {
		return res, err
	}
	res.Bloqueado = usado && hasta.Valid
	res.BloqueadoHasta = hasta.String
	return res, nil
}

type CodigoCounts struct {
	Total     int     `json:"total"`
	Usados    int     `json:"usados"`
	Exitosos  int     `json:"exitosos"`
	Expirados int     `json:"expirados"`
	Activos   int     `json:"activos"`
	Bloqueos  int     `json:"usuarios_bloqueados"`
	TasaExito float64 `json:"tasa_exito"`
}

func (r Repo) CountCodigos(ctx context.Context, now string) (CodigoCounts, error) {
	var c CodigoCounts
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(usado),0),
COALESCE(SUM(CASE WHEN fecha_uso IS NOT NULL THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN usado=0 AND expira_en <= ? THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN usado=0 AND expira_en > ? THEN 1 ELSE 0 END),0),
COUNT(DISTINCT CASE WHEN bloqueado_hasta > ? THEN id_usuario END)
FROM codigos_verificacion`, now, now, now).Scan(&c.Total, &c.Usados, &c.Exitosos, &c.Expirados, &c.Activos, &c.Bloqueos)
	if err != nil {
		return c, err
	}
	if c.Total > 0 {
		c.TasaExito = float64(c.Exitosos) / float64(c.Total)
	}
	return c, nil
}
