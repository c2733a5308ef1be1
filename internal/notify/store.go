package notify

import (
	"context"
	"time"

	"tramiteline/internal/domain"
	"tramiteline/internal/repo"
)

// StoreSink persists events into the notificaciones inbox.
type StoreSink struct {
	Repo repo.Repo
}

func (s StoreSink) Publish(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	n := domain.Notificacion{
		UsuarioID:     ev.UsuarioID,
		Tipo:          ev.Kind,
		Titulo:        ev.Titulo,
		Mensaje:       ev.Mensaje,
		FechaCreacion: at.UTC().Format(time.RFC3339),
	}
	if ev.TramiteID != "" {
		id := ev.TramiteID
		n.TramiteID = &id
	}
	_, err := s.Repo.InsertNotificacion(ctx, n)
	return err
}
