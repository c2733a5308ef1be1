package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/repo"
)

type tramitePath struct {
	ID string `path:"id"`
}

type tramiteBody struct {
	Body domain.Tramite `json:"body"`
}

func (h handlers) registerTramites(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tramite",
		Method:        http.MethodPost,
		Path:          "/tramites",
		Summary:       "Send a document to a receiver",
		Tags:          []string{"tramites"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTramiteRequest `json:"body"`
	}) (*tramiteBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		t, err := h.e.CreateTramite(ctx, engine.CreateOptions{
			DocumentoID: input.Body.DocumentoID,
			ReceptorID:  input.Body.ReceptorID,
			Asunto:      input.Body.Asunto,
			Mensaje:     input.Body.Mensaje,
			ActorID:     actorID,
			IP:          ip,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tramiteBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-tramites-lote",
		Method:        http.MethodPost,
		Path:          "/tramites/lote",
		Summary:       "Send a document to several receivers",
		Tags:          []string{"tramites"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTramitesLoteRequest `json:"body"`
	}) (*struct {
		Body []domain.Tramite `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		items, err := h.e.CreateTramitesBulk(ctx, engine.BulkCreateOptions{
			DocumentoID: input.Body.DocumentoID,
			ReceptorIDs: input.Body.ReceptorIDs,
			Asunto:      input.Body.Asunto,
			Mensaje:     input.Body.Mensaje,
			ActorID:     actorID,
			IP:          ip,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Tramite `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tramites",
		Method:      http.MethodGet,
		Path:        "/tramites",
		Summary:     "List trámites visible to the caller",
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Estado            string `query:"estado" enum:"ENVIADO,ABIERTO,LEIDO,FIRMADO,RESPONDIDO,ANULADO"`
		RemitenteID       string `query:"id_remitente"`
		ReceptorID        string `query:"id_receptor"`
		AreaID            string `query:"id_area"`
		RequiereFirma     string `query:"requiere_firma" enum:"true,false"`
		RequiereRespuesta string `query:"requiere_respuesta" enum:"true,false"`
		EsReenvio         string `query:"es_reenvio" enum:"true,false"`
		Buscar            string `query:"buscar"`
		Limit             int    `query:"limit" default:"50"`
		Cursor            string `query:"cursor"`
	}) (*struct {
		Body TramiteList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fecha, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.List(ctx, engine.ListOptions{
			ViewerID:          actorID,
			Estado:            input.Estado,
			RemitenteID:       input.RemitenteID,
			ReceptorID:        input.ReceptorID,
			AreaID:            input.AreaID,
			RequiereFirma:     parseBoolFilter(input.RequiereFirma),
			RequiereRespuesta: parseBoolFilter(input.RequiereRespuesta),
			EsReenvio:         parseBoolFilter(input.EsReenvio),
			Search:            input.Buscar,
			Limit:             limit + 1,
			CursorFecha:       fecha,
			CursorID:          id,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := TramiteList{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.FechaEnvio, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body TramiteList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tramite-statistics",
		Method:      http.MethodGet,
		Path:        "/tramites/estadisticas",
		Summary:     "Counts per state over the trámites visible to the caller",
		Tags:        []string{"tramites"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body repo.TramiteCounts `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := h.e.Statistics(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body repo.TramiteCounts `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tramite",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}",
		Summary:     "Get a trámite",
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*tramiteBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.Get(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tramiteBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tramite-historial",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}/historial",
		Summary:     "Historial of a trámite, oldest first",
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*struct {
		Body []domain.HistorialEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.History(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.HistorialEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tramite-versiones",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}/versiones",
		Summary:     "Every version of the trámite's reenvío chain",
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*struct {
		Body []domain.Tramite `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.Versions(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Tramite `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	h.registerAdvance(api, "open-tramite", "/tramites/{id}/abrir", "Mark as opened by the receptor", h.e.Open)
	h.registerAdvance(api, "read-tramite", "/tramites/{id}/leer", "Mark as read by the receptor", h.e.Read)

	huma.Register(api, huma.Operation{
		OperationID: "annul-tramite",
		Method:      http.MethodPost,
		Path:        "/tramites/{id}/anular",
		Summary:     "Annul an active trámite",
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AnularRequest `json:"body"`
	}) (*tramiteBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		t, err := h.e.Annul(ctx, engine.AnnulOptions{ID: input.ID, ActorID: actorID, Motivo: input.Body.Motivo, IP: ip})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tramiteBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resubmit-tramite",
		Method:        http.MethodPost,
		Path:          "/tramites/{id}/reenviar",
		Summary:       "Resubmit with a new document as the next version",
		Tags:          []string{"tramites"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReenviarRequest `json:"body"`
	}) (*tramiteBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		t, err := h.e.Fork(ctx, engine.ForkOptions{
			TramiteID:   input.ID,
			DocumentoID: input.Body.DocumentoID,
			Motivo:      input.Body.Motivo,
			Asunto:      input.Body.Asunto,
			Mensaje:     input.Body.Mensaje,
			ActorID:     actorID,
			IP:          ip,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tramiteBody{Body: t}, nil
	})
}

// registerAdvance wires a receptor-only forward transition.
func (h handlers) registerAdvance(api huma.API, id, route, summary string, fn func(ctx context.Context, id, actorID, ip string) (domain.Tramite, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Tags:        []string{"tramites"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *tramitePath) (*tramiteBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		t, err := fn(ctx, input.ID, actorID, ip)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &tramiteBody{Body: t}, nil
	})
}
