package repo

import (
	"context"
	"database/sql"
	"errors"

	"tramiteline/internal/domain"
)

func (r Repo) InsertFirma(ctx context.Context, tx *sql.Tx, f domain.FirmaElectronica) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO firmas(id,id_tramite,acepta_terminos,ip_address,navegador,dispositivo,fecha_firma) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.TramiteID, boolInt(f.AceptaTerminos), f.IPAddress, f.Navegador, f.Dispositivo, f.FechaFirma)
	return err
}

func (r Repo) GetFirma(ctx context.Context, tx *sql.Tx, tramiteID string) (domain.FirmaElectronica, error) {
	var f domain.FirmaElectronica
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,id_tramite,acepta_terminos,ip_address,navegador,dispositivo,fecha_firma FROM firmas WHERE id_tramite=?`, tramiteID).
		Scan(&f.ID, &f.TramiteID, &f.AceptaTerminos, &f.IPAddress, &f.Navegador, &f.Dispositivo, &f.FechaFirma)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) FirmaExists(ctx context.Context, tx *sql.Tx, tramiteID string) (bool, error) {
	return r.exists(ctx, tx, `SELECT 1 FROM firmas WHERE id_tramite=?`, tramiteID)
}

func (r Repo) InsertRespuesta(ctx context.Context, tx *sql.Tx, resp domain.RespuestaTramite) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO respuestas(id,id_tramite,texto_respuesta,esta_conforme,ip_address,navegador,dispositivo,fecha_respuesta) VALUES (?,?,?,?,?,?,?,?)`,
		resp.ID, resp.TramiteID, resp.TextoRespuesta, boolInt(resp.EstaConforme), resp.IPAddress, resp.Navegador, resp.Dispositivo, resp.FechaRespuesta)
	return err
}

func (r Repo) GetRespuesta(ctx context.Context, tx *sql.Tx, tramiteID string) (domain.RespuestaTramite, error) {
	var resp domain.RespuestaTramite
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,id_tramite,texto_respuesta,esta_conforme,ip_address,navegador,dispositivo,fecha_respuesta FROM respuestas WHERE id_tramite=?`, tramiteID).
		Scan(&resp.ID, &resp.TramiteID, &resp.TextoRespuesta, &resp.EstaConforme, &resp.IPAddress, &resp.Navegador, &resp.Dispositivo, &resp.FechaRespuesta)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, ErrNotFound
	}
	return resp, err
}

func (r Repo) RespuestaExists(ctx context.Context, tx *sql.Tx, tramiteID string) (bool, error) {
	return r.exists(ctx, tx, `SELECT 1 FROM respuestas WHERE id_tramite=?`, tramiteID)
}

func (r Repo) exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
