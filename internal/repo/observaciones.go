package repo

import (
	"context"
	"database/sql"
	"errors"

	"tramiteline/internal/domain"
)

const observacionColumns = `id,id_tramite,creado_por,tipo,descripcion,resuelta,fecha_creacion,fecha_resolucion,resuelto_por,respuesta`

func scanObservacion(row scanner) (domain.Observacion, error) {
	var o domain.Observacion
	var fecha, por, resp sql.NullString
	err := row.Scan(&o.ID, &o.TramiteID, &o.CreadoPor, &o.Tipo, &o.Descripcion, &o.Resuelta, &o.FechaCreacion, &fecha, &por, &resp)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.FechaResolucion = nullableStringPtr(fecha)
	o.ResueltoPor = nullableStringPtr(por)
	o.Respuesta = nullableStringPtr(resp)
	return o, nil
}

func (r Repo) InsertObservacion(ctx context.Context, tx *sql.Tx, o domain.Observacion) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO observaciones(id,id_tramite,creado_por,tipo,descripcion,resuelta,fecha_creacion) VALUES (?,?,?,?,?,0,?)`,
		o.ID, o.TramiteID, o.CreadoPor, o.Tipo, o.Descripcion, o.FechaCreacion)
	return err
}

func (r Repo) GetObservacion(ctx context.Context, id string) (domain.Observacion, error) {
	return r.GetObservacionTx(ctx, nil, id)
}

func (r Repo) GetObservacionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Observacion, error) {
	return scanObservacion(r.q(tx).QueryRowContext(ctx, `SELECT `+observacionColumns+` FROM observaciones WHERE id=?`, id))
}

// ResolveObservacion marks an unresolved observation as resolved. ErrStale means it was
// already resolved.
func (r Repo) ResolveObservacion(ctx context.Context, tx *sql.Tx, id, actorID, respuesta, at string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE observaciones SET resuelta=1, resuelto_por=?, respuesta=?, fecha_resolucion=? WHERE id=? AND resuelta=0`,
		actorID, respuesta, at, id))
}

func (r Repo) ListObservaciones(ctx context.Context, tramiteID string) ([]domain.Observacion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+observacionColumns+` FROM observaciones WHERE id_tramite=? ORDER BY fecha_creacion ASC, id ASC`, tramiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservacionRows(rows)
}

// ListObservacionesPendientes returns unresolved observations on trámites sent by remitenteID,
// or every unresolved observation when remitenteID is empty.
func (r Repo) ListObservacionesPendientes(ctx context.Context, remitenteID string) ([]domain.Observacion, error) {
	query := `SELECT o.id,o.id_tramite,o.creado_por,o.tipo,o.descripcion,o.resuelta,o.fecha_creacion,o.fecha_resolucion,o.resuelto_por,o.respuesta
FROM observaciones o JOIN tramites t ON t.id=o.id_tramite WHERE o.resuelta=0`
	var args []any
	if remitenteID != "" {
		query += ` AND t.id_remitente=?`
		args = append(args, remitenteID)
	}
	query += ` ORDER BY o.fecha_creacion ASC, o.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservacionRows(rows)
}

type ObservacionCounts struct {
	Total      int            `json:"total"`
	Pendientes int            `json:"pendientes"`
	Resueltas  int            `json:"resueltas"`
	PorTipo    map[string]int `json:"por_tipo"`
}

func (r Repo) CountObservaciones(ctx context.Context) (ObservacionCounts, error) {
	counts := ObservacionCounts{PorTipo: map[string]int{
		domain.ObservacionConsulta:             0,
		domain.ObservacionCorreccionRequerida:  0,
		domain.ObservacionInformacionAdicional: 0,
	}}
	rows, err := r.DB.QueryContext(ctx, `SELECT tipo, resuelta, COUNT(*) FROM observaciones GROUP BY tipo, resuelta`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var tipo string
		var resuelta bool
		var n int
		if err := rows.Scan(&tipo, &resuelta, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		counts.PorTipo[tipo] += n
		if resuelta {
			counts.Resueltas += n
		} else {
			counts.Pendientes += n
		}
	}
	return counts, rows.Err()
}

func scanObservacionRows(rows *sql.Rows) ([]domain.Observacion, error) {
	var res []domain.Observacion
	for rows.Next() {
		o, err := scanObservacion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
