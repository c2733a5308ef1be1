package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tramiteline/internal/domain"
)

const tramiteColumns = `id,codigo,estado,id_documento,id_remitente,id_area_remitente,id_receptor,asunto,COALESCE(mensaje,''),
requiere_firma,requiere_respuesta,fecha_envio,fecha_abierto,fecha_leido,fecha_firmado,fecha_respondido,fecha_anulado,
es_reenvio,id_tramite_original,numero_version,motivo_reenvio,anulado_por,motivo_anulacion`

func scanTramite(row scanner) (domain.Tramite, error) {
	var t domain.Tramite
	var abierto, leido, firmado, respondido, anulado sql.NullString
	var original, motivoReenvio, anuladoPor, motivoAnular sql.NullString
	err := row.Scan(&t.ID, &t.Codigo, &t.Estado, &t.DocumentoID, &t.RemitenteID, &t.AreaRemitenteID, &t.ReceptorID, &t.Asunto, &t.Mensaje,
		&t.RequiereFirma, &t.RequiereRespuesta, &t.FechaEnvio, &abierto, &leido, &firmado, &respondido, &anulado,
		&t.EsReenvio, &original, &t.NumeroVersion, &motivoReenvio, &anuladoPor, &motivoAnular)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.FechaAbierto = nullableStringPtr(abierto)
	t.FechaLeido = nullableStringPtr(leido)
	t.FechaFirmado = nullableStringPtr(firmado)
	t.FechaRespondido = nullableStringPtr(respondido)
	t.FechaAnulado = nullableStringPtr(anulado)
	t.TramiteOriginalID = nullableStringPtr(original)
	t.MotivoReenvio = nullableStringPtr(motivoReenvio)
	t.AnuladoPor = nullableStringPtr(anuladoPor)
	t.MotivoAnulacion = nullableStringPtr(motivoAnular)
	return t, nil
}

func (r Repo) InsertTramite(ctx context.Context, tx *sql.Tx, t domain.Tramite) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tramites(id,codigo,estado,id_documento,id_remitente,id_area_remitente,id_receptor,asunto,mensaje,
requiere_firma,requiere_respuesta,fecha_envio,es_reenvio,id_tramite_original,numero_version,motivo_reenvio)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Codigo, t.Estado, t.DocumentoID, t.RemitenteID, t.AreaRemitenteID, t.ReceptorID, t.Asunto, nullable(t.Mensaje),
		boolInt(t.RequiereFirma), boolInt(t.RequiereRespuesta), t.FechaEnvio, boolInt(t.EsReenvio),
		nullablePtr(t.TramiteOriginalID), t.NumeroVersion, nullablePtr(t.MotivoReenvio))
	return err
}

func (r Repo) GetTramite(ctx context.Context, id string) (domain.Tramite, error) {
	return r.GetTramiteTx(ctx, nil, id)
}

func (r Repo) GetTramiteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tramite, error) {
	return scanTramite(r.q(tx).QueryRowContext(ctx, `SELECT `+tramiteColumns+` FROM tramites WHERE id=?`, id))
}

func (r Repo) GetTramiteByCodigo(ctx context.Context, codigo string) (domain.Tramite, error) {
	return scanTramite(r.DB.QueryRowContext(ctx, `SELECT `+tramiteColumns+` FROM tramites WHERE codigo=?`, codigo))
}

// Transition moves a trámite from one state to another. The update only applies while the
// row is still in From; otherwise ErrStale is returned and nothing changes.
type Transition struct {
	ID              string
	From            string
	To              string
	At              string
	AnuladoPor      string
	MotivoAnulacion string
}

var stampColumn = map[string]string{
	domain.EstadoAbierto:    "fecha_abierto",
	domain.EstadoLeido:      "fecha_leido",
	domain.EstadoFirmado:    "fecha_firmado",
	domain.EstadoRespondido: "fecha_respondido",
	domain.EstadoAnulado:    "fecha_anulado",
}

func (r Repo) TransitionTramite(ctx context.Context, tx *sql.Tx, t Transition) error {
	col, ok := stampColumn[t.To]
	if !ok {
		return fmt.Errorf("no timestamp column for state %s", t.To)
	}
	sets := []string{"estado=?", col + "=COALESCE(" + col + ",?)"}
	args := []any{t.To, t.At}
	if t.To == domain.EstadoAnulado {
		sets = append(sets, "anulado_por=?", "motivo_anulacion=?")
		args = append(args, nullable(t.AnuladoPor), nullable(t.MotivoAnulacion))
	}
	args = append(args, t.ID, t.From)
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE tramites SET `+strings.Join(sets, ",")+` WHERE id=? AND estado=?`, args...))
}

// NextCodigo returns the next sequential code for the given year (TRAM-YYYY-NNNNNN).
func (r Repo) NextCodigo(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	prefix := fmt.Sprintf("TRAM-%04d-", year)
	var last sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `SELECT MAX(CAST(substr(codigo, ?) AS INTEGER)) FROM tramites WHERE codigo LIKE ?`,
		len(prefix)+1, prefix+"%").Scan(&last)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%06d", prefix, last.Int64+1), nil
}

// CountForks counts the trámites anchored at rootID.
func (r Repo) CountForks(ctx context.Context, tx *sql.Tx, rootID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tramites WHERE id_tramite_original=?`, rootID).Scan(&n)
	return n, err
}

// ListVersions returns the root and its forks ordered by version.
func (r Repo) ListVersions(ctx context.Context, rootID string) ([]domain.Tramite, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tramiteColumns+` FROM tramites WHERE id=? OR id_tramite_original=? ORDER BY numero_version ASC`, rootID, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTramiteRows(rows)
}

// Visibility restricts listings to what a viewer may see.
type Visibility struct {
	All    bool
	UserID string
	// AreaID, when set, also admits trámites sent from that area.
	AreaID string
}

func (v Visibility) clause() (string, []any) {
	if v.All {
		return "", nil
	}
	if v.AreaID != "" {
		return "(id_remitente=? OR id_receptor=? OR id_area_remitente=?)", []any{v.UserID, v.UserID, v.AreaID}
	}
	return "(id_remitente=? OR id_receptor=?)", []any{v.UserID, v.UserID}
}

type TramiteFilters struct {
	Visibility        Visibility
	Estado            string
	RemitenteID       string
	ReceptorID        string
	AreaID            string
	RequiereFirma     *bool
	RequiereRespuesta *bool
	EsReenvio         *bool
	Search            string
	Limit             int
	CursorFecha       string
	CursorID          string
}

func (r Repo) ListTramites(ctx context.Context, f TramiteFilters) ([]domain.Tramite, error) {
	var (
		clauses []string
		args    []any
	)
	if c, a := f.Visibility.clause(); c != "" {
		clauses = append(clauses, c)
		args = append(args, a...)
	}
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if f.Estado != "" {
		add("estado=?", f.Estado)
	}
	if f.RemitenteID != "" {
		add("id_remitente=?", f.RemitenteID)
	}
	if f.ReceptorID != "" {
		add("id_receptor=?", f.ReceptorID)
	}
	if f.AreaID != "" {
		add("id_area_remitente=?", f.AreaID)
	}
	if f.RequiereFirma != nil {
		add("requiere_firma=?", boolInt(*f.RequiereFirma))
	}
	if f.RequiereRespuesta != nil {
		add("requiere_respuesta=?", boolInt(*f.RequiereRespuesta))
	}
	if f.EsReenvio != nil {
		add("es_reenvio=?", boolInt(*f.EsReenvio))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		clauses = append(clauses, "(lower(codigo) LIKE ? OR lower(asunto) LIKE ?)")
		args = append(args, like, like)
	}
	if f.CursorFecha != "" && f.CursorID != "" {
		clauses = append(clauses, "(fecha_envio < ? OR (fecha_envio = ? AND id < ?))")
		args = append(args, f.CursorFecha, f.CursorFecha, f.CursorID)
	}
	query := `SELECT ` + tramiteColumns + ` FROM tramites`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY fecha_envio DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTramiteRows(rows)
}

// TramiteCounts aggregates trámites visible to a viewer.
type TramiteCounts struct {
	Total                   int            `json:"total"`
	PorEstado               map[string]int `json:"por_estado"`
	PendientesFirma         int            `json:"pendientes_firma"`
	PendientesRespuesta     int            `json:"pendientes_respuesta"`
	Reenvios                int            `json:"reenvios"`
	ObservacionesPendientes int            `json:"observaciones_pendientes"`
}

func (r Repo) CountTramites(ctx context.Context, v Visibility) (TramiteCounts, error) {
	counts := TramiteCounts{PorEstado: map[string]int{}}
	for _, s := range []string{domain.EstadoEnviado, domain.EstadoAbierto, domain.EstadoLeido, domain.EstadoFirmado, domain.EstadoRespondido, domain.EstadoAnulado} {
		counts.PorEstado[s] = 0
	}
	where, args := v.clause()
	if where != "" {
		where = " WHERE " + where
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT estado, COUNT(*),
SUM(CASE WHEN requiere_firma=1 AND estado IN ('ENVIADO','ABIERTO','LEIDO') THEN 1 ELSE 0 END),
SUM(CASE WHEN requiere_respuesta=1 AND estado IN ('ENVIADO','ABIERTO','LEIDO') THEN 1 ELSE 0 END),
SUM(es_reenvio)
FROM tramites`+where+` GROUP BY estado`, args...)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			estado                 string
			n, firma, resp, reenvs int
		)
		if err := rows.Scan(&estado, &n, &firma, &resp, &reenvs); err != nil {
			return counts, err
		}
		counts.PorEstado[estado] = n
		counts.Total += n
		counts.PendientesFirma += firma
		counts.PendientesRespuesta += resp
		counts.Reenvios += reenvs
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	obsWhere := ""
	if where != "" {
		obsWhere = " AND t.id IN (SELECT id FROM tramites" + where + ")"
	}
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM observaciones o JOIN tramites t ON t.id=o.id_tramite WHERE o.resuelta=0`+obsWhere, args...).
		Scan(&counts.ObservacionesPendientes)
	return counts, err
}

func scanTramiteRows(rows *sql.Rows) ([]domain.Tramite, error) {
	var res []domain.Tramite
	for rows.Next() {
		t, err := scanTramite(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
