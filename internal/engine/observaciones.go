package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tramiteline/internal/domain"
	"tramiteline/internal/events"
	"tramiteline/internal/notify"
	"tramiteline/internal/repo"
)

// ObservacionOptions are parameters for raising an observation.
type ObservacionOptions struct {
	TramiteID   string
	Tipo        string
	Descripcion string
	ActorID     string
	IP          string
}

// CreateObservacion lets the receptor object to an active trámite. The trámite keeps its state.
func (e Engine) CreateObservacion(ctx context.Context, opts ObservacionOptions) (domain.Observacion, error) {
	if !domain.ValidTipoObservacion(opts.Tipo) {
		return domain.Observacion{}, preconditionf(CodeInvalidInput, "unknown tipo de observación %q", opts.Tipo)
	}
	opts.Descripcion = strings.TrimSpace(opts.Descripcion)
	if opts.Descripcion == "" {
		return domain.Observacion{}, preconditionf(CodeInvalidInput, "descripcion is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Observacion{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTramite(ctx, tx, opts.TramiteID)
	if err != nil {
		return domain.Observacion{}, err
	}
	if t.ReceptorID != opts.ActorID {
		return domain.Observacion{}, preconditionf(CodeWrongActor, "only the receptor can raise observations")
	}
	if !isActive(t.Estado) {
		return domain.Observacion{}, preconditionf(CodeInvalidState, "trámite %s is %s and no longer accepts observations", t.Codigo, t.Estado)
	}
	o := domain.Observacion{
		ID:            uuid.NewString(),
		TramiteID:     t.ID,
		CreadoPor:     opts.ActorID,
		Tipo:          opts.Tipo,
		Descripcion:   opts.Descripcion,
		FechaCreacion: stamp(e.now()),
	}
	if err := e.Repo.InsertObservacion(ctx, tx, o); err != nil {
		return domain.Observacion{}, fmt.Errorf("insert observacion: %w", err)
	}
	if _, err := e.ledger().Append(ctx, tx, events.Entry{
		TramiteID:      t.ID,
		Accion:         domain.AccionObservacion,
		Detalle:        fmt.Sprintf("Observación creada: %s - %s", o.Tipo, o.Descripcion),
		EstadoAnterior: t.Estado,
		EstadoNuevo:    t.Estado,
		ActorID:        opts.ActorID,
		IP:             opts.IP,
		Payload: events.Payload{
			"id_observacion":   o.ID,
			"tipo_observacion": o.Tipo,
			"descripcion":      o.Descripcion,
		},
	}); err != nil {
		return domain.Observacion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Observacion{}, err
	}
	e.publish(ctx, notify.Event{
		Kind:      notify.KindObservationCreated,
		UsuarioID: t.RemitenteID,
		TramiteID: t.ID,
		Titulo:    "Nueva observación",
		Mensaje:   fmt.Sprintf("El trámite %s recibió una observación de tipo %s", t.Codigo, o.Tipo),
		Datos:     map[string]any{"id_observacion": o.ID},
	})
	return o, nil
}

// ResolveOptions are parameters for resolving an observation, optionally resubmitting a
// corrected document in the same transaction.
type ResolveOptions struct {
	ObservacionID        string
	Respuesta            string
	ActorID              string
	IP                   string
	IncluyeReenvio       bool
	DocumentoCorregidoID string
	AsuntoReenvio        string
	MensajeReenvio       string
}

type ResolveResult struct {
	Observacion domain.Observacion `json:"observacion"`
	Reenvio     *domain.Tramite    `json:"reenvio,omitempty"`
}

func (e Engine) ResolveObservacion(ctx context.Context, opts ResolveOptions) (ResolveResult, error) {
	opts.Respuesta = strings.TrimSpace(opts.Respuesta)
	if opts.Respuesta == "" {
		return ResolveResult{}, preconditionf(CodeInvalidInput, "respuesta is required")
	}
	if opts.IncluyeReenvio && strings.TrimSpace(opts.DocumentoCorregidoID) == "" {
		return ResolveResult{}, preconditionf(CodeInvalidInput, "id_documento_corregido is required to resubmit")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return ResolveResult{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObservacionTx(ctx, tx, opts.ObservacionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ResolveResult{}, notFound("observacion", opts.ObservacionID)
		}
		return ResolveResult{}, err
	}
	t, err := e.loadTramite(ctx, tx, o.TramiteID)
	if err != nil {
		return ResolveResult{}, err
	}
	if t.RemitenteID != opts.ActorID {
		return ResolveResult{}, preconditionf(CodeWrongActor, "only the remitente can resolve observations")
	}
	if o.Resuelta {
		return ResolveResult{}, preconditionf(CodeInvalidState, "observación %s is already resolved", o.ID)
	}
	var doc domain.DocumentoTipo
	if opts.IncluyeReenvio {
		if doc, err = e.loadDocumento(ctx, tx, opts.DocumentoCorregidoID); err != nil {
			return ResolveResult{}, err
		}
	}

	at := stamp(e.now())
	if err := e.Repo.ResolveObservacion(ctx, tx, o.ID, opts.ActorID, opts.Respuesta, at); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return ResolveResult{}, preconditionf(CodeInvalidState, "observación %s is already resolved", o.ID)
		}
		return ResolveResult{}, fmt.Errorf("resolve observacion: %w", err)
	}
	o.Resuelta = true
	o.FechaResolucion = optionalString(at)
	o.ResueltoPor = optionalString(opts.ActorID)
	o.Respuesta = optionalString(opts.Respuesta)

	if _, err := e.ledger().Append(ctx, tx, events.Entry{
		TramiteID:      t.ID,
		Accion:         domain.AccionObservacionResuelta,
		Detalle:        fmt.Sprintf("Observación resuelta: %s - Respuesta: %s", o.Tipo, opts.Respuesta),
		EstadoAnterior: t.Estado,
		EstadoNuevo:    t.Estado,
		ActorID:        opts.ActorID,
		IP:             opts.IP,
		Payload: events.Payload{
			"id_observacion":  o.ID,
			"respuesta":       opts.Respuesta,
			"incluye_reenvio": opts.IncluyeReenvio,
		},
	}); err != nil {
		return ResolveResult{}, err
	}

	res := ResolveResult{Observacion: o}
	if opts.IncluyeReenvio {
		motivo := fmt.Sprintf("Corrección por observación (%s): %s", o.Tipo, o.Descripcion)
		fork, err := e.forkTx(ctx, tx, t, doc, forkParams{
			Motivo:  motivo,
			Asunto:  opts.AsuntoReenvio,
			Mensaje: opts.MensajeReenvio,
			ActorID: opts.ActorID,
			IP:      opts.IP,
			Accion:  domain.AccionReenvioPorObservacion,
			Detalle: fmt.Sprintf("Reenvío del trámite %s por observación %s", t.Codigo, o.Tipo),
			Payload: events.Payload{"id_observacion": o.ID},
		})
		if err != nil {
			return ResolveResult{}, err
		}
		res.Reenvio = &fork
	}
	if err := tx.Commit(); err != nil {
		return ResolveResult{}, err
	}

	evs := []notify.Event{{
		Kind:      notify.KindObservationResolved,
		UsuarioID: o.CreadoPor,
		TramiteID: t.ID,
		Titulo:    "Observación resuelta",
		Mensaje:   fmt.Sprintf("Su observación sobre el trámite %s fue resuelta", t.Codigo),
		Datos:     map[string]any{"id_observacion": o.ID},
	}}
	if res.Reenvio != nil {
		e.Metrics.Transition(domain.EstadoEnviado)
		evs = append(evs, resubmittedEvent(t, *res.Reenvio))
	}
	e.publish(ctx, evs...)
	return res, nil
}

// GetObservacion returns an observation visible to the viewer through its trámite.
func (e Engine) GetObservacion(ctx context.Context, id, viewerID string) (domain.Observacion, error) {
	o, err := e.Repo.GetObservacion(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return o, notFound("observacion", id)
		}
		return o, err
	}
	if _, err := e.Get(ctx, o.TramiteID, viewerID); err != nil {
		return domain.Observacion{}, err
	}
	return o, nil
}

func (e Engine) ListObservaciones(ctx context.Context, tramiteID, viewerID string) ([]domain.Observacion, error) {
	if _, err := e.Get(ctx, tramiteID, viewerID); err != nil {
		return nil, err
	}
	return e.Repo.ListObservaciones(ctx, tramiteID)
}

// PendingObservaciones lists unresolved observations the viewer must answer. Administrators
// see all of them.
func (e Engine) PendingObservaciones(ctx context.Context, viewerID string) ([]domain.Observacion, error) {
	caps, err := e.capabilities(ctx, nil, viewerID)
	if err != nil {
		return nil, err
	}
	if caps.IsAdmin() {
		return e.Repo.ListObservacionesPendientes(ctx, "")
	}
	return e.Repo.ListObservacionesPendientes(ctx, viewerID)
}

func (e Engine) ObservacionStatistics(ctx context.Context, viewerID string) (repo.ObservacionCounts, error) {
	caps, err := e.capabilities(ctx, nil, viewerID)
	if err != nil {
		return repo.ObservacionCounts{}, err
	}
	if err := caps.Require(domain.RolAdmin, domain.RolResponsable); err != nil {
		return repo.ObservacionCounts{}, missingCapability(err)
	}
	return e.Repo.CountObservaciones(ctx)
}
