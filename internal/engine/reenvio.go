package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tramiteline/internal/domain"
	"tramiteline/internal/events"
	"tramiteline/internal/notify"
)

// ForkOptions are parameters for resubmitting a trámite with a new document.
type ForkOptions struct {
	TramiteID   string
	DocumentoID string
	Motivo      string
	Asunto      string
	Mensaje     string
	ActorID     string
	IP          string
}

// Fork creates the next version of a trámite's chain. The trámite being resubmitted keeps
// its state.
func (e Engine) Fork(ctx context.Context, opts ForkOptions) (domain.Tramite, error) {
	opts.Motivo = strings.TrimSpace(opts.Motivo)
	if opts.Motivo == "" {
		return domain.Tramite{}, preconditionf(CodeInvalidInput, "motivo_reenvio is required")
	}
	if opts.DocumentoID == "" {
		return domain.Tramite{}, preconditionf(CodeInvalidInput, "id_documento is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Tramite{}, err
	}
	defer tx.Rollback()

	orig, err := e.loadTramite(ctx, tx, opts.TramiteID)
	if err != nil {
		return domain.Tramite{}, err
	}
	if orig.RemitenteID != opts.ActorID {
		return domain.Tramite{}, preconditionf(CodeWrongActor, "only the remitente can resubmit trámite %s", orig.Codigo)
	}
	doc, err := e.loadDocumento(ctx, tx, opts.DocumentoID)
	if err != nil {
		return domain.Tramite{}, err
	}
	fork, err := e.forkTx(ctx, tx, orig, doc, forkParams{
		Motivo:  opts.Motivo,
		Asunto:  opts.Asunto,
		Mensaje: opts.Mensaje,
		ActorID: opts.ActorID,
		IP:      opts.IP,
		Accion:  domain.AccionReenvio,
		Detalle: fmt.Sprintf("Reenvío del trámite %s. Motivo: %s", orig.Codigo, opts.Motivo),
	})
	if err != nil {
		return domain.Tramite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tramite{}, err
	}
	e.Metrics.Transition(domain.EstadoEnviado)
	e.publish(ctx, resubmittedEvent(orig, fork))
	return fork, nil
}

type forkParams struct {
	Motivo  string
	Asunto  string
	Mensaje string
	ActorID string
	IP      string
	Accion  string
	Detalle string
	Payload events.Payload
}

// forkTx inserts the next version anchored at the chain root and writes its creation entry.
func (e Engine) forkTx(ctx context.Context, tx *sql.Tx, orig domain.Tramite, doc domain.DocumentoTipo, p forkParams) (domain.Tramite, error) {
	root := orig.ChainRoot()
	n, err := e.Repo.CountForks(ctx, tx, root)
	if err != nil {
		return domain.Tramite{}, fmt.Errorf("count forks: %w", err)
	}
	asunto := strings.TrimSpace(p.Asunto)
	if asunto == "" {
		asunto = orig.Asunto
	}
	fork, err := e.insertTramite(ctx, tx, newTramite{
		DocumentoID:   doc.DocumentoID,
		RemitenteID:   orig.RemitenteID,
		AreaID:        orig.AreaRemitenteID,
		ReceptorID:    orig.ReceptorID,
		Asunto:        asunto,
		Mensaje:       p.Mensaje,
		Doc:           doc,
		OriginalID:    root,
		NumeroVersion: n + 2,
		MotivoReenvio: p.Motivo,
	})
	if err != nil {
		return domain.Tramite{}, err
	}
	payload := events.Payload{
		"tramite_original": orig.ID,
		"codigo_original":  orig.Codigo,
		"numero_version":   fork.NumeroVersion,
	}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if _, err := e.ledger().Append(ctx, tx, events.Entry{
		TramiteID:   fork.ID,
		Accion:      p.Accion,
		Detalle:     p.Detalle,
		EstadoNuevo: domain.EstadoEnviado,
		ActorID:     p.ActorID,
		IP:          p.IP,
		Payload:     payload,
	}); err != nil {
		return domain.Tramite{}, err
	}
	return fork, nil
}

func resubmittedEvent(orig, fork domain.Tramite) notify.Event {
	return notify.Event{
		Kind:      notify.KindResubmitted,
		UsuarioID: fork.ReceptorID,
		TramiteID: fork.ID,
		Titulo:    "Trámite reenviado",
		Mensaje:   fmt.Sprintf("El trámite %s fue reenviado como %s (versión %d)", orig.Codigo, fork.Codigo, fork.NumeroVersion),
		Datos:     map[string]any{"id_tramite_original": orig.ID, "numero_version": fork.NumeroVersion},
	}
}

// Versions returns every version of the chain the trámite belongs to, ordered by version.
func (e Engine) Versions(ctx context.Context, id, viewerID string) ([]domain.Tramite, error) {
	t, err := e.Get(ctx, id, viewerID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, t.ChainRoot())
}
