// Package events writes the append-only historial ledger. Entries are inserted inside the
// caller's transaction so they commit or roll back with the change they describe.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tramiteline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry is one ledger line. Empty states are stored as NULL.
type Entry struct {
	TramiteID      string
	Accion         string
	Detalle        string
	EstadoAnterior string
	EstadoNuevo    string
	ActorID        string
	IP             string
	Payload        Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.HistorialEntry, error) {
	if tx == nil {
		return domain.HistorialEntry{}, errors.New("historial append requires a transaction")
	}
	if e.TramiteID == "" || e.Accion == "" || e.ActorID == "" {
		return domain.HistorialEntry{}, errors.New("historial entry requires tramite, accion and actor")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var payload any
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return domain.HistorialEntry{}, fmt.Errorf("marshal historial payload: %w", err)
		}
		payload = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO historial(id_tramite,accion,detalle,estado_anterior,estado_nuevo,realizado_por,ip_address,datos_adicionales,fecha) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.TramiteID, e.Accion, e.Detalle, nullable(e.EstadoAnterior), nullable(e.EstadoNuevo), e.ActorID, nullable(e.IP), payload, ts)
	if err != nil {
		return domain.HistorialEntry{}, fmt.Errorf("insert historial %s: %w", e.Accion, err)
	}
	id, _ := res.LastInsertId()
	return domain.HistorialEntry{
		ID:               id,
		TramiteID:        e.TramiteID,
		Accion:           e.Accion,
		Detalle:          e.Detalle,
		EstadoAnterior:   optional(e.EstadoAnterior),
		EstadoNuevo:      optional(e.EstadoNuevo),
		RealizadoPor:     e.ActorID,
		IPAddress:        e.IP,
		DatosAdicionales: e.Payload,
		Fecha:            ts,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
