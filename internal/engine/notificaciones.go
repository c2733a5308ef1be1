package engine

import (
	"context"
	"errors"
	"fmt"

	"tramiteline/internal/domain"
	"tramiteline/internal/repo"
)

type Inbox struct {
	Notificaciones []domain.Notificacion `json:"notificaciones"`
	NoLeidas       int                   `json:"no_leidas"`
}

// Inbox lists the notifications stored for a user.
func (e Engine) Inbox(ctx context.Context, userID string, soloNoLeidas bool, limit int) (Inbox, error) {
	list, err := e.Repo.ListNotificaciones(ctx, userID, soloNoLeidas, limit)
	if err != nil {
		return Inbox{}, err
	}
	unread, err := e.Repo.CountNoLeidas(ctx, userID)
	if err != nil {
		return Inbox{}, err
	}
	if list == nil {
		list = []domain.Notificacion{}
	}
	return Inbox{Notificaciones: list, NoLeidas: unread}, nil
}

func (e Engine) MarkNotificacionLeida(ctx context.Context, userID string, id int64) error {
	err := e.Repo.MarkNotificacionLeida(ctx, userID, id, stamp(e.now()))
	if errors.Is(err, repo.ErrStale) {
		return notFound("unread notificacion", fmt.Sprint(id))
	}
	return err
}

func (e Engine) MarkTodasLeidas(ctx context.Context, userID string) (int64, error) {
	return e.Repo.MarkTodasLeidas(ctx, userID, stamp(e.now()))
}
