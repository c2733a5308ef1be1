package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tramiteline/internal/domain"
	"tramiteline/internal/engine/auth"
	"tramiteline/internal/events"
	"tramiteline/internal/notify"
	"tramiteline/internal/repo"
)

// CreateOptions are parameters for sending a trámite.
type CreateOptions struct {
	DocumentoID string
	ReceptorID  string
	Asunto      string
	Mensaje     string
	ActorID     string
	IP          string
}

// BulkCreateOptions sends the same document to several receivers.
type BulkCreateOptions struct {
	DocumentoID string
	ReceptorIDs []string
	Asunto      string
	Mensaje     string
	ActorID     string
	IP          string
}

func (e Engine) CreateTramite(ctx context.Context, opts CreateOptions) (domain.Tramite, error) {
	res, err := e.CreateTramitesBulk(ctx, BulkCreateOptions{
		DocumentoID: opts.DocumentoID,
		ReceptorIDs: []string{opts.ReceptorID},
		Asunto:      opts.Asunto,
		Mensaje:     opts.Mensaje,
		ActorID:     opts.ActorID,
		IP:          opts.IP,
	})
	if err != nil {
		return domain.Tramite{}, err
	}
	return res[0], nil
}

// CreateTramitesBulk creates one trámite per distinct receiver in a single transaction.
func (e Engine) CreateTramitesBulk(ctx context.Context, opts BulkCreateOptions) ([]domain.Tramite, error) {
	opts.Asunto = strings.TrimSpace(opts.Asunto)
	if opts.Asunto == "" {
		return nil, preconditionf(CodeInvalidInput, "asunto is required")
	}
	if opts.DocumentoID == "" {
		return nil, preconditionf(CodeInvalidInput, "id_documento is required")
	}
	receptores := dedupe(opts.ReceptorIDs)
	if len(receptores) == 0 {
		return nil, preconditionf(CodeInvalidInput, "at least one receptor is required")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sender, err := e.capabilities(ctx, tx, opts.ActorID)
	if err != nil {
		return nil, err
	}
	if err := sender.Require(domain.RolResponsable, domain.RolAdmin); err != nil {
		return nil, missingCapability(err)
	}
	if sender.AreaID == "" {
		return nil, preconditionf(CodeMissingCapability, "usuario %s has no area to send from", sender.UserID)
	}
	doc, err := e.loadDocumento(ctx, tx, opts.DocumentoID)
	if err != nil {
		return nil, err
	}

	var created []domain.Tramite
	for _, receptorID := range receptores {
		receptor, err := e.capabilities(ctx, tx, receptorID)
		if err != nil {
			return nil, err
		}
		if !receptor.Activo {
			return nil, preconditionf(CodeMissingCapability, "receptor %s is not active", receptorID)
		}
		if !receptor.IsWorker() {
			return nil, missingCapability(auth.ForbiddenError{Permission: domain.RolTrabajador})
		}
		t, err := e.insertTramite(ctx, tx, newTramite{
			DocumentoID: doc.DocumentoID,
			RemitenteID: sender.UserID,
			AreaID:      sender.AreaID,
			ReceptorID:  receptorID,
			Asunto:      opts.Asunto,
			Mensaje:     opts.Mensaje,
			Doc:         doc,
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.ledger().Append(ctx, tx, events.Entry{
			TramiteID:   t.ID,
			Accion:      domain.AccionCreacion,
			Detalle:     "Trámite creado y enviado",
			EstadoNuevo: domain.EstadoEnviado,
			ActorID:     opts.ActorID,
			IP:          opts.IP,
			Payload:     events.Payload{"codigo": t.Codigo, "id_documento": t.DocumentoID},
		}); err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var evs []notify.Event
	for _, t := range created {
		e.Metrics.Transition(domain.EstadoEnviado)
		evs = append(evs, notify.Event{
			Kind:      notify.KindReceived,
			UsuarioID: t.ReceptorID,
			TramiteID: t.ID,
			Titulo:    "Nuevo trámite recibido",
			Mensaje:   fmt.Sprintf("Ha recibido el trámite %s: %s", t.Codigo, t.Asunto),
		})
		if t.RequiereFirma {
			evs = append(evs, notify.Event{
				Kind:      notify.KindRequiresSignature,
				UsuarioID: t.ReceptorID,
				TramiteID: t.ID,
				Titulo:    "Documento requiere firma",
				Mensaje:   fmt.Sprintf("El trámite %s requiere su firma electrónica", t.Codigo),
			})
		}
	}
	e.publish(ctx, evs...)
	return created, nil
}

type newTramite struct {
	DocumentoID   string
	RemitenteID   string
	AreaID        string
	ReceptorID    string
	Asunto        string
	Mensaje       string
	Doc           domain.DocumentoTipo
	OriginalID    string
	NumeroVersion int
	MotivoReenvio string
}

func (e Engine) insertTramite(ctx context.Context, tx *sql.Tx, n newTramite) (domain.Tramite, error) {
	now := e.now()
	codigo, err := e.Repo.NextCodigo(ctx, tx, now.UTC().Year())
	if err != nil {
		return domain.Tramite{}, fmt.Errorf("next codigo: %w", err)
	}
	t := domain.Tramite{
		ID:                uuid.NewString(),
		Codigo:            codigo,
		Estado:            domain.EstadoEnviado,
		DocumentoID:       n.DocumentoID,
		RemitenteID:       n.RemitenteID,
		AreaRemitenteID:   n.AreaID,
		ReceptorID:        n.ReceptorID,
		Asunto:            n.Asunto,
		Mensaje:           n.Mensaje,
		RequiereFirma:     n.Doc.RequiereFirma,
		RequiereRespuesta: n.Doc.RequiereRespuesta,
		FechaEnvio:        stamp(now),
		NumeroVersion:     1,
	}
	if n.OriginalID != "" {
		t.EsReenvio = true
		t.TramiteOriginalID = optionalString(n.OriginalID)
		t.NumeroVersion = n.NumeroVersion
		t.MotivoReenvio = optionalString(n.MotivoReenvio)
	}
	if err := e.Repo.InsertTramite(ctx, tx, t); err != nil {
		return domain.Tramite{}, fmt.Errorf("insert tramite: %w", err)
	}
	return t, nil
}

// Open marks a trámite as opened by its receiver.
func (e Engine) Open(ctx context.Context, id, actorID, ip string) (domain.Tramite, error) {
	return e.advance(ctx, id, actorID, ip, domain.EstadoEnviado, domain.EstadoAbierto, domain.AccionApertura, "Trámite abierto por el receptor")
}

// Read marks an opened trámite as read by its receiver.
func (e Engine) Read(ctx context.Context, id, actorID, ip string) (domain.Tramite, error) {
	return e.advance(ctx, id, actorID, ip, domain.EstadoAbierto, domain.EstadoLeido, domain.AccionLectura, "Documento leído por el receptor")
}

func (e Engine) advance(ctx context.Context, id, actorID, ip, from, to, accion, detalle string) (domain.Tramite, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Tramite{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTramite(ctx, tx, id)
	if err != nil {
		return domain.Tramite{}, err
	}
	if t.ReceptorID != actorID {
		return domain.Tramite{}, preconditionf(CodeWrongActor, "only the receptor can perform %s", strings.ToLower(accion))
	}
	if t.Estado != from {
		return domain.Tramite{}, preconditionf(CodeInvalidState, "trámite %s is %s, expected %s", t.Codigo, t.Estado, from)
	}
	if _, err := e.transition(ctx, tx, &t, to, events.Entry{Accion: accion, Detalle: detalle, ActorID: actorID, IP: ip}, repo.Transition{}); err != nil {
		return domain.Tramite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tramite{}, err
	}
	e.Metrics.Transition(to)
	return t, nil
}

// AnnulOptions are parameters for annulling a trámite.
type AnnulOptions struct {
	ID      string
	ActorID string
	Motivo  string
	IP      string
}

// Annul cancels an active trámite. Only the remitente or an administrator may annul.
func (e Engine) Annul(ctx context.Context, opts AnnulOptions) (domain.Tramite, error) {
	opts.Motivo = strings.TrimSpace(opts.Motivo)
	if opts.Motivo == "" {
		return domain.Tramite{}, preconditionf(CodeInvalidInput, "motivo_anulacion is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Tramite{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTramite(ctx, tx, opts.ID)
	if err != nil {
		return domain.Tramite{}, err
	}
	if t.RemitenteID != opts.ActorID {
		caps, err := e.capabilities(ctx, tx, opts.ActorID)
		if err != nil {
			return domain.Tramite{}, err
		}
		if !caps.Activo || !caps.IsAdmin() {
			return domain.Tramite{}, preconditionf(CodeWrongActor, "only the remitente or an administrator can annul")
		}
	}
	if !isActive(t.Estado) {
		return domain.Tramite{}, preconditionf(CodeInvalidState, "trámite %s is %s and cannot be annulled", t.Codigo, t.Estado)
	}
	entry := events.Entry{
		Accion:  domain.AccionAnulacion,
		Detalle: "Trámite anulado. Motivo: " + opts.Motivo,
		ActorID: opts.ActorID,
		IP:      opts.IP,
		Payload: events.Payload{"motivo": opts.Motivo},
	}
	if _, err := e.transition(ctx, tx, &t, domain.EstadoAnulado, entry, repo.Transition{AnuladoPor: opts.ActorID, MotivoAnulacion: opts.Motivo}); err != nil {
		return domain.Tramite{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tramite{}, err
	}
	t.AnuladoPor = optionalString(opts.ActorID)
	t.MotivoAnulacion = optionalString(opts.Motivo)
	e.Metrics.Transition(domain.EstadoAnulado)
	e.publish(ctx, notify.Event{
		Kind:      notify.KindAnnulled,
		UsuarioID: t.ReceptorID,
		TramiteID: t.ID,
		Titulo:    "Trámite anulado",
		Mensaje:   fmt.Sprintf("El trámite %s fue anulado. Motivo: %s", t.Codigo, opts.Motivo),
	})
	return t, nil
}

// visibility derives what a viewer may list.
func visibility(caps auth.Capabilities) repo.Visibility {
	switch {
	case caps.IsAdmin():
		return repo.Visibility{All: true}
	case caps.Has(domain.RolResponsable):
		return repo.Visibility{UserID: caps.UserID, AreaID: caps.AreaID}
	default:
		return repo.Visibility{UserID: caps.UserID}
	}
}

func canView(caps auth.Capabilities, t domain.Tramite) bool {
	if caps.IsAdmin() || t.RemitenteID == caps.UserID || t.ReceptorID == caps.UserID {
		return true
	}
	return caps.Has(domain.RolResponsable) && caps.AreaID != "" && caps.AreaID == t.AreaRemitenteID
}

// Get returns a trámite the viewer is allowed to see.
func (e Engine) Get(ctx context.Context, id, viewerID string) (domain.Tramite, error) {
	t, err := e.loadTramite(ctx, nil, id)
	if err != nil {
		return t, err
	}
	caps, err := e.capabilities(ctx, nil, viewerID)
	if err != nil {
		return domain.Tramite{}, err
	}
	if !canView(caps, t) {
		return domain.Tramite{}, preconditionf(CodeWrongActor, "usuario %s cannot view trámite %s", viewerID, t.Codigo)
	}
	return t, nil
}

// ListOptions filter a trámite listing. Cursor fields come from the last row of the previous page.
type ListOptions struct {
	ViewerID          string
	Estado            string
	RemitenteID       string
	ReceptorID        string
	AreaID            string
	RequiereFirma     *bool
	RequiereRespuesta *bool
	EsReenvio         *bool
	Search            string
	Limit             int
	CursorFecha       string
	CursorID          string
}

func (e Engine) List(ctx context.Context, opts ListOptions) ([]domain.Tramite, error) {
	if opts.Estado != "" && !domain.ValidEstado(opts.Estado) {
		return nil, preconditionf(CodeInvalidInput, "unknown estado %s", opts.Estado)
	}
	caps, err := e.capabilities(ctx, nil, opts.ViewerID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListTramites(ctx, repo.TramiteFilters{
		Visibility:        visibility(caps),
		Estado:            opts.Estado,
		RemitenteID:       opts.RemitenteID,
		ReceptorID:        opts.ReceptorID,
		AreaID:            opts.AreaID,
		RequiereFirma:     opts.RequiereFirma,
		RequiereRespuesta: opts.RequiereRespuesta,
		EsReenvio:         opts.EsReenvio,
		Search:            opts.Search,
		Limit:             opts.Limit,
		CursorFecha:       opts.CursorFecha,
		CursorID:          opts.CursorID,
	})
}

// History returns the ledger of a trámite in order.
func (e Engine) History(ctx context.Context, id, viewerID string) ([]domain.HistorialEntry, error) {
	if _, err := e.Get(ctx, id, viewerID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistorial(ctx, id)
}

func (e Engine) Statistics(ctx context.Context, viewerID string) (repo.TramiteCounts, error) {
	caps, err := e.capabilities(ctx, nil, viewerID)
	if err != nil {
		return repo.TramiteCounts{}, err
	}
	return e.Repo.CountTramites(ctx, visibility(caps))
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
