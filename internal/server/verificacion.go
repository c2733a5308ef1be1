package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/repo"
)

func (h handlers) registerVerificacion(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-codigo",
		Method:      http.MethodPost,
		Path:        "/tramites/{id}/codigo",
		Summary:     "Email a one-time signing code to the receptor",
		Tags:        []string{"firma"},
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *tramitePath) (*struct {
		Body engine.IssueResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, ua := clientInfo(ctx)
		res, err := h.e.IssueCode(ctx, engine.IssueOptions{TramiteID: input.ID, ActorID: actorID, IP: ip, UserAgent: ua})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.IssueResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-codigo",
		Method:      http.MethodPost,
		Path:        "/tramites/{id}/codigo/validar",
		Summary:     "Check and consume the live code without signing",
		Tags:        []string{"firma"},
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ValidarCodigoRequest `json:"body"`
	}) (*struct {
		Body ValidacionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, _ := clientInfo(ctx)
		if err := h.e.ValidateCode(ctx, engine.ValidateOptions{TramiteID: input.ID, ActorID: actorID, Codigo: input.Body.Codigo, IP: ip}); err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ValidacionResponse `json:"body"`
		}{Body: ValidacionResponse{Valido: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sign-tramite",
		Method:        http.MethodPost,
		Path:          "/tramites/{id}/firmar",
		Summary:       "Verify the code and sign the trámite",
		Tags:          []string{"firma"},
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body FirmarRequest `json:"body"`
	}) (*struct {
		Body domain.FirmaElectronica `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, ua := clientInfo(ctx)
		f, err := h.e.SignWithCode(ctx, engine.SignOptions{
			TramiteID:      input.ID,
			ActorID:        actorID,
			Codigo:         input.Body.Codigo,
			AceptaTerminos: input.Body.AceptaTerminos,
			IP:             ip,
			UserAgent:      ua,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.FirmaElectronica `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-firma",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}/firma",
		Summary:     "Signature evidence of a trámite",
		Tags:        []string{"firma"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*struct {
		Body domain.FirmaElectronica `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := h.e.GetFirma(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.FirmaElectronica `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "respond-tramite",
		Method:        http.MethodPost,
		Path:          "/tramites/{id}/respuesta",
		Summary:       "Confirm conformity with the trámite",
		Tags:          []string{"respuesta"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ResponderRequest `json:"body"`
	}) (*struct {
		Body domain.RespuestaTramite `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip, ua := clientInfo(ctx)
		r, err := h.e.Respond(ctx, engine.RespondOptions{
			TramiteID:         input.ID,
			ActorID:           actorID,
			AceptaConformidad: input.Body.AceptaConformidad,
			IP:                ip,
			UserAgent:         ua,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.RespuestaTramite `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-respuesta",
		Method:      http.MethodGet,
		Path:        "/tramites/{id}/respuesta",
		Summary:     "Conformity response of a trámite",
		Tags:        []string{"respuesta"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *tramitePath) (*struct {
		Body domain.RespuestaTramite `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := h.e.GetRespuesta(ctx, input.ID, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.RespuestaTramite `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "codigo-statistics",
		Method:      http.MethodGet,
		Path:        "/codigos/estadisticas",
		Summary:     "Verification code statistics (administrators)",
		Tags:        []string{"firma"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body repo.CodigoCounts `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := h.e.CodeStatistics(ctx, actorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body repo.CodigoCounts `json:"body"`
		}{Body: counts}, nil
	})
}
