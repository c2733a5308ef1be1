package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tramiteline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale is returned by conditional updates whose guard no longer matches the row.
	ErrStale    = errors.New("row changed concurrently")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// ListHistorial returns the ledger of a trámite in insertion order.
func (r Repo) ListHistorial(ctx context.Context, tramiteID string) ([]domain.HistorialEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historialColumns+` FROM historial WHERE id_tramite=? ORDER BY id ASC`, tramiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistorialRows(rows)
}

// HistorialAfter returns up to limit entries with id greater than afterID.
func (r Repo) HistorialAfter(ctx context.Context, afterID int64, limit int) ([]domain.HistorialEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historialColumns+` FROM historial WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistorialRows(rows)
}

// LatestHistorial returns the last n entries, optionally filtered by action and trámite.
func (r Repo) LatestHistorial(ctx context.Context, n int, accion, tramiteID string) ([]domain.HistorialEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if accion != "" {
		clauses = append(clauses, "accion=?")
		args = append(args, accion)
	}
	if tramiteID != "" {
		clauses = append(clauses, "id_tramite=?")
		args = append(args, tramiteID)
	}
	query := `SELECT ` + historialColumns + ` FROM historial`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	if n <= 0 {
		n = 20
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistorialRows(rows)
}

func (r Repo) LatestHistorialID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM historial`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

const historialColumns = `id,id_tramite,accion,detalle,estado_anterior,estado_nuevo,realizado_por,COALESCE(ip_address,''),datos_adicionales,fecha`

func scanHistorialRows(rows *sql.Rows) ([]domain.HistorialEntry, error) {
	var res []domain.HistorialEntry
	for rows.Next() {
		var (
			h               domain.HistorialEntry
			anterior, nuevo sql.NullString
			datos           sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.TramiteID, &h.Accion, &h.Detalle, &anterior, &nuevo, &h.RealizadoPor, &h.IPAddress, &datos, &h.Fecha); err != nil {
			return nil, err
		}
		h.EstadoAnterior = nullableStringPtr(anterior)
		h.EstadoNuevo = nullableStringPtr(nuevo)
		if datos.Valid && datos.String != "" {
			if err := json.Unmarshal([]byte(datos.String), &h.DatosAdicionales); err != nil {
				return nil, fmt.Errorf("historial %d payload: %w", h.ID, err)
			}
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}
