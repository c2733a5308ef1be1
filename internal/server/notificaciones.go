package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tramiteline/internal/engine"
)

func (h handlers) registerNotificaciones(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/notificaciones",
		Summary:     "Notifications of the caller, newest first",
		Tags:        []string{"notificaciones"},
	}, func(ctx context.Context, input *struct {
		NoLeidas bool `query:"no_leidas"`
		Limit    int  `query:"limit" default:"50"`
	}) (*struct {
		Body engine.Inbox `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inbox, err := h.e.Inbox(ctx, actorID, input.NoLeidas, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.Inbox `json:"body"`
		}{Body: inbox}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-notificacion-leida",
		Method:        http.MethodPost,
		Path:          "/notificaciones/{id}/leida",
		Summary:       "Mark one notification as read",
		Tags:          []string{"notificaciones"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.MarkNotificacionLeida(ctx, actorID, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notificaciones-leidas",
		Method:      http.MethodPost,
		Path:        "/notificaciones/leidas",
		Summary:     "Mark every notification of the caller as read",
		Tags:        []string{"notificaciones"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MarcadasResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := h.e.MarkTodasLeidas(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body MarcadasResponse `json:"body"`
		}{Body: MarcadasResponse{Marcadas: n}}, nil
	})
}
