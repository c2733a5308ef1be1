package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/repo"
)

type observacionBody struct {
	Body domain.Observacion `json:"body"`
}

type observacionList struct {
	Body []domain.Observacion `json:"body"`
}

func (h handlers) registerObservaciones(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-observacion",
		Method:        http.MethodPost,
		Path:          "/tramites/{id}/observaciones",
		Summary:       "Raise an observation on an active trámite",
		Tags:          []string{"observaciones"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CrearObservacionRequest `json:"body"`
	}) (*observacionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		o, err := h.e.CreateObservacion(ctx, engine.ObservacionOptions{
			TramiteID:   input.ID,
			Tipo:        input.Body.Tipo,
			Descripcion: input.Body.Descripcion,
			ActorID:     actorID,
			IP:          ip,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &observacionBody{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-observaciones",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}/observaciones",
		Summary:     "Observations of a trámite",
		Tags:        []string{"observaciones"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*observacionList, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListObservaciones(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &observacionList{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-observaciones",
		Method:      http.MethodGet,
		Path:        "/observaciones/pendientes",
		Summary:     "Unresolved observations on the caller's sent trámites",
		Tags:        []string{"observaciones"},
	}, func(ctx context.Context, _ *struct{}) (*observacionList, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.PendingObservaciones(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &observacionList{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "observacion-statistics",
		Method:      http.MethodGet,
		Path:        "/observaciones/estadisticas",
		Summary:     "Observation counts",
		Tags:        []string{"observaciones"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body repo.ObservacionCounts `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := h.e.ObservacionStatistics(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body repo.ObservacionCounts `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-observacion",
		Method:      http.MethodGet,
		Path:        "/observaciones/{id}",
		Summary:     "Get an observation",
		Tags:        []string{"observaciones"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*observacionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := h.e.GetObservacion(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &observacionBody{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-observacion",
		Method:      http.MethodPost,
		Path:        "/observaciones/{id}/resolver",
		Summary:     "Answer an observation, optionally resubmitting a corrected document",
		Tags:        []string{"observaciones"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body ResolverObservacionRequest `json:"body"`
	}) (*struct {
		Body engine.ResolveResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		res, err := h.e.ResolveObservacion(ctx, engine.ResolveOptions{
			ObservacionID:        input.ID,
			Respuesta:            input.Body.Respuesta,
			ActorID:              actorID,
			IP:                   ip,
			IncluyeReenvio:       input.Body.IncluyeReenvio,
			DocumentoCorregidoID: input.Body.DocumentoCorregidoID,
			AsuntoReenvio:        input.Body.AsuntoReenvio,
			MensajeReenvio:       input.Body.MensajeReenvio,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.ResolveResult `json:"body"`
		}{Body: res}, nil
	})
}
