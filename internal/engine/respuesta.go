package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tramiteline/internal/device"
	"tramiteline/internal/domain"
	"tramiteline/internal/events"
	"tramiteline/internal/notify"
	"tramiteline/internal/repo"
)

// TextoConformidad is the fixed text stored on every conformity response.
const TextoConformidad = "Conforme"

// RespondOptions are parameters for acknowledging a trámite.
type RespondOptions struct {
	TramiteID         string
	ActorID           string
	AceptaConformidad bool
	IP                string
	UserAgent         string
}

// Respond records the receptor's conformity and closes the trámite as RESPONDIDO. Only the
// accept path exists; a false acknowledgement is rejected as incomplete.
func (e Engine) Respond(ctx context.Context, opts RespondOptions) (domain.RespuestaTramite, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.RespuestaTramite{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTramite(ctx, tx, opts.TramiteID)
	if err != nil {
		return domain.RespuestaTramite{}, err
	}
	if t.ReceptorID != opts.ActorID {
		return domain.RespuestaTramite{}, preconditionf(CodeWrongActor, "only the receptor can respond to trámite %s", t.Codigo)
	}
	if !t.RequiereRespuesta {
		return domain.RespuestaTramite{}, preconditionf(CodeNotRequired, "trámite %s does not require a response", t.Codigo)
	}
	if t.Estado != domain.EstadoLeido {
		return domain.RespuestaTramite{}, preconditionf(CodeInvalidState, "trámite %s must be LEIDO to respond, it is %s", t.Codigo, t.Estado)
	}
	exists, err := e.Repo.RespuestaExists(ctx, tx, t.ID)
	if err != nil {
		return domain.RespuestaTramite{}, err
	}
	if exists {
		return domain.RespuestaTramite{}, preconditionf(CodeAlreadyExists, "trámite %s already has a response", t.Codigo)
	}
	if !opts.AceptaConformidad {
		return domain.RespuestaTramite{}, preconditionf(CodeInvalidInput, "conformity must be accepted to respond")
	}

	info := device.Parse(opts.UserAgent)
	r := domain.RespuestaTramite{
		ID:             uuid.NewString(),
		TramiteID:      t.ID,
		TextoRespuesta: TextoConformidad,
		EstaConforme:   true,
		IPAddress:      orUnknown(opts.IP),
		Navegador:      info.Navegador,
		Dispositivo:    info.Dispositivo,
		FechaRespuesta: stamp(e.now()),
	}
	if err := e.Repo.InsertRespuesta(ctx, tx, r); err != nil {
		return domain.RespuestaTramite{}, fmt.Errorf("insert respuesta: %w", err)
	}
	entry := events.Entry{
		Accion:  domain.AccionRespuesta,
		Detalle: "Conformidad confirmada por el trabajador",
		ActorID: opts.ActorID,
		IP:      opts.IP,
		Payload: events.Payload{"id_respuesta": r.ID, "esta_conforme": true},
	}
	if _, err := e.transition(ctx, tx, &t, domain.EstadoRespondido, entry, repo.Transition{}); err != nil {
		return domain.RespuestaTramite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RespuestaTramite{}, err
	}
	e.Metrics.Transition(domain.EstadoRespondido)
	e.publish(ctx, notify.Event{
		Kind:      notify.KindResponded,
		UsuarioID: t.RemitenteID,
		TramiteID: t.ID,
		Titulo:    "Conformidad recibida",
		Mensaje:   fmt.Sprintf("El receptor confirmó su conformidad con el trámite %s", t.Codigo),
	})
	return r, nil
}

// GetRespuesta returns the conformity response of a trámite visible to the viewer.
func (e Engine) GetRespuesta(ctx context.Context, tramiteID, viewerID string) (domain.RespuestaTramite, error) {
	if _, err := e.Get(ctx, tramiteID, viewerID); err != nil {
		return domain.RespuestaTramite{}, err
	}
	r, err := e.Repo.GetRespuesta(ctx, nil, tramiteID)
	if errors.Is(err, repo.ErrNotFound) {
		return r, notFound("respuesta of tramite", tramiteID)
	}
	return r, err
}
