package engine

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tramiteline/internal/device"
	"tramiteline/internal/domain"
	"tramiteline/internal/events"
	"tramiteline/internal/mail"
	"tramiteline/internal/notify"
	"tramiteline/internal/repo"
)

// maxCASRetries bounds how often a code update is retried after losing a version race.
const maxCASRetries = 3

// IssueOptions are parameters for requesting a verification code.
type IssueOptions struct {
	TramiteID string
	ActorID   string
	IP        string
	UserAgent string
}

type IssueResult struct {
	EmailDestino  string `json:"email_destino"`
	ExpiraEn      string `json:"expira_en" format:"date-time"`
	ExpiraMinutos int    `json:"expira_minutos"`
}

// IssueCode generates a one-time code for the receptor of a LEIDO trámite that requires a
// signature and mails it. Prior unused codes of the pair are retired. If the mail cannot be
// delivered nothing is persisted.
//
// The mail goes out before the write transaction opens so a slow relay never holds the
// SQLite write lock. Preconditions are checked again when the code is stored; if they no
// longer hold the mailed code was never persisted and cannot be used.
func (e Engine) IssueCode(ctx context.Context, opts IssueOptions) (IssueResult, error) {
	cfg := e.config().Verification
	t, err := e.signableTramite(ctx, nil, opts.TramiteID, opts.ActorID)
	if err != nil {
		return IssueResult{}, err
	}
	now := e.now()
	if err := e.checkLockout(ctx, nil, opts.ActorID, now); err != nil {
		return IssueResult{}, err
	}
	user, err := e.Repo.GetUsuario(ctx, nil, opts.ActorID)
	if err != nil {
		return IssueResult{}, fmt.Errorf("load receptor: %w", err)
	}
	if strings.TrimSpace(user.Correo) == "" {
		return IssueResult{}, preconditionf(CodeInvalidInput, "usuario %s has no email to deliver the code to", user.ID)
	}
	doc, err := e.loadDocumento(ctx, nil, t.DocumentoID)
	if err != nil {
		return IssueResult{}, err
	}
	code, err := e.newCode()
	if err != nil {
		return IssueResult{}, err
	}
	if err := e.mailer().SendCode(ctx, mail.CodeMessage{
		To:              user.Correo,
		Nombre:          user.NombreCompleto(),
		Codigo:          code,
		TituloDocumento: doc.Titulo,
		CodigoTramite:   t.Codigo,
		ExpiraMinutos:   cfg.CodeExpirationMinutes,
	}); err != nil {
		e.Metrics.MailFailed("code")
		return IssueResult{}, &DependencyError{Dependency: "mail", Err: err}
	}

	// The TTL runs from the moment the code is stored.
	now = e.now()
	c := domain.CodigoVerificacion{
		ID:            uuid.NewString(),
		TramiteID:     t.ID,
		UsuarioID:     opts.ActorID,
		Codigo:        code,
		EmailDestino:  user.Correo,
		ExpiraEn:      stamp(now.Add(cfg.CodeTTL())),
		IPAddress:     opts.IP,
		UserAgent:     opts.UserAgent,
		FechaCreacion: stamp(now),
	}
	if err := e.storeCode(ctx, c, now); err != nil {
		return IssueResult{}, err
	}
	e.Metrics.CodeIssued()
	return IssueResult{
		EmailDestino:  censorEmail(user.Correo),
		ExpiraEn:      c.ExpiraEn,
		ExpiraMinutos: cfg.CodeExpirationMinutes,
	}, nil
}

// storeCode retires the live codes of the pair and inserts c in one short transaction.
func (e Engine) storeCode(ctx context.Context, c domain.CodigoVerificacion, now time.Time) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.signableTramite(ctx, tx, c.TramiteID, c.UsuarioID); err != nil {
		return err
	}
	if err := e.checkLockout(ctx, tx, c.UsuarioID, now); err != nil {
		return err
	}
	if _, err := e.Repo.InvalidateCodigos(ctx, tx, c.TramiteID, c.UsuarioID); err != nil {
		return fmt.Errorf("invalidate codes: %w", err)
	}
	if err := e.Repo.InsertCodigo(ctx, tx, c); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return tx.Commit()
}

// signableTramite loads a trámite and checks it can be signed by actorID right now.
func (e Engine) signableTramite(ctx context.Context, tx *sql.Tx, id, actorID string) (domain.Tramite, error) {
	t, err := e.loadTramite(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if t.ReceptorID != actorID {
		return t, preconditionf(CodeWrongActor, "only the receptor can sign trámite %s", t.Codigo)
	}
	if !t.RequiereFirma {
		return t, preconditionf(CodeNotRequired, "trámite %s does not require a signature", t.Codigo)
	}
	if t.Estado != domain.EstadoLeido {
		return t, preconditionf(CodeInvalidState, "trámite %s must be LEIDO to be signed, it is %s", t.Codigo, t.Estado)
	}
	exists, err := e.Repo.FirmaExists(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	if exists {
		return t, preconditionf(CodeAlreadyExists, "trámite %s is already signed", t.Codigo)
	}
	return t, nil
}

// checkLockout fails with LockedOutError while any code of the user carries a future lockout.
func (e Engine) checkLockout(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	until, err := e.Repo.ActiveLockout(ctx, tx, userID, stamp(now))
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check lockout: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, until)
	if err != nil {
		return fmt.Errorf("parse lockout %q: %w", until, err)
	}
	return lockedOut(ts, now)
}

// codeCheck is the outcome of one validation attempt. Rejected attempts still change the
// code row, so the caller commits before returning Rejection.
type codeCheck struct {
	Rejection error
	Notice    *mail.LockoutMessage
}

func (e Engine) checkCode(ctx context.Context, tx *sql.Tx, tramiteID, userID, entered string) (codeCheck, error) {
	cfg := e.config().Verification
	now := e.now()
	if err := e.checkLockout(ctx, tx, userID, now); err != nil {
		var locked *LockedOutError
		if errors.As(err, &locked) {
			e.Metrics.CodeValidation("locked")
			return codeCheck{Rejection: err}, nil
		}
		return codeCheck{}, err
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		c, err := e.Repo.LatestUnusedCodigo(ctx, tx, tramiteID, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return codeCheck{Rejection: preconditionf(CodeInvalidState, "no active verification code; request a new one")}, nil
		}
		if err != nil {
			return codeCheck{}, err
		}
		expira, err := time.Parse(time.RFC3339, c.ExpiraEn)
		if err != nil {
			return codeCheck{}, fmt.Errorf("parse expiry %q: %w", c.ExpiraEn, err)
		}
		if !now.Before(expira) {
			if err := e.Repo.ExpireCodigo(ctx, tx, c.ID, c.Version); err != nil {
				if errors.Is(err, repo.ErrStale) {
					continue
				}
				return codeCheck{}, err
			}
			e.Metrics.CodeValidation("expired")
			return codeCheck{Rejection: &ValidationError{Message: "verification code expired; request a new one"}}, nil
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(entered)), []byte(c.Codigo)) == 1 {
			if err := e.Repo.MarkCodigoUsado(ctx, tx, c.ID, c.Version, stamp(now)); err != nil {
				if errors.Is(err, repo.ErrStale) {
					continue
				}
				return codeCheck{}, err
			}
			e.Metrics.CodeValidation("ok")
			return codeCheck{}, nil
		}
		f, err := e.Repo.RecordCodigoFailure(ctx, tx, c.ID, c.Version, cfg.MaxAttempts, stamp(now.Add(cfg.LockoutDuration())))
		if err != nil {
			if errors.Is(err, repo.ErrStale) {
				continue
			}
			return codeCheck{}, err
		}
		e.Metrics.CodeValidation("mismatch")
		if !f.Bloqueado {
			remaining := cfg.MaxAttempts - f.Intentos
			return codeCheck{Rejection: &ValidationError{
				Message:           fmt.Sprintf("incorrect code; %d attempts left", remaining),
				RemainingAttempts: remaining,
			}}, nil
		}
		e.Metrics.Lockout()
		until, err := time.Parse(time.RFC3339, f.BloqueadoHasta)
		if err != nil {
			return codeCheck{}, fmt.Errorf("parse lockout %q: %w", f.BloqueadoHasta, err)
		}
		check := codeCheck{Rejection: lockedOut(until, now)}
		u, err := e.Repo.GetUsuario(ctx, tx, userID)
		switch {
		case err != nil:
			e.logger().Warn("lockout notice skipped", zap.String("usuario", userID), zap.Error(err))
		case u.Correo != "":
			check.Notice = &mail.LockoutMessage{To: u.Correo, Nombre: u.NombreCompleto(), Minutos: cfg.LockoutMinutes}
		}
		return check, nil
	}
	return codeCheck{}, fmt.Errorf("verification code for %s changed concurrently: %w", userID, repo.ErrStale)
}

// finishCheck commits the attempt and sends any lockout notice.
func (e Engine) finishCheck(ctx context.Context, tx *sql.Tx, check codeCheck) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	if check.Notice != nil {
		if err := e.mailer().SendLockoutNotice(context.WithoutCancel(ctx), *check.Notice); err != nil {
			e.Metrics.MailFailed("lockout")
			e.logger().Warn("lockout notice failed", zap.String("to", check.Notice.To), zap.Error(err))
		}
	}
	return check.Rejection
}

// ValidateOptions are parameters for checking a verification code.
type ValidateOptions struct {
	TramiteID string
	ActorID   string
	Codigo    string
	IP        string
}

// ValidateCode checks and consumes the live code of the pair without signing.
func (e Engine) ValidateCode(ctx context.Context, opts ValidateOptions) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.loadTramite(ctx, tx, opts.TramiteID)
	if err != nil {
		return err
	}
	// Lockout is reported ahead of the receptor check.
	if err := e.checkLockout(ctx, tx, opts.ActorID, e.now()); err != nil {
		var locked *LockedOutError
		if errors.As(err, &locked) {
			e.Metrics.CodeValidation("locked")
		}
		return err
	}
	if t.ReceptorID != opts.ActorID {
		return preconditionf(CodeWrongActor, "only the receptor can validate codes for trámite %s", t.Codigo)
	}
	check, err := e.checkCode(ctx, tx, t.ID, opts.ActorID, opts.Codigo)
	if err != nil {
		return err
	}
	return e.finishCheck(ctx, tx, check)
}

// SignOptions are parameters for signing with a verification code.
type SignOptions struct {
	TramiteID      string
	ActorID        string
	Codigo         string
	AceptaTerminos bool
	IP             string
	UserAgent      string
}

// SignWithCode validates the code and signs the trámite in one transaction. A rejected code
// still records the failed attempt.
func (e Engine) SignWithCode(ctx context.Context, opts SignOptions) (domain.FirmaElectronica, error) {
	if !opts.AceptaTerminos {
		return domain.FirmaElectronica{}, preconditionf(CodeInvalidInput, "the terms must be accepted to sign")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.FirmaElectronica{}, err
	}
	defer tx.Rollback()

	t, err := e.signableTramite(ctx, tx, opts.TramiteID, opts.ActorID)
	if err != nil {
		return domain.FirmaElectronica{}, err
	}
	check, err := e.checkCode(ctx, tx, t.ID, opts.ActorID, opts.Codigo)
	if err != nil {
		return domain.FirmaElectronica{}, err
	}
	if check.Rejection != nil {
		return domain.FirmaElectronica{}, e.finishCheck(ctx, tx, check)
	}

	info := device.Parse(opts.UserAgent)
	f := domain.FirmaElectronica{
		ID:             uuid.NewString(),
		TramiteID:      t.ID,
		AceptaTerminos: true,
		IPAddress:      orUnknown(opts.IP),
		Navegador:      info.Navegador,
		Dispositivo:    info.Dispositivo,
		FechaFirma:     stamp(e.now()),
	}
	if err := e.Repo.InsertFirma(ctx, tx, f); err != nil {
		return domain.FirmaElectronica{}, fmt.Errorf("insert firma: %w", err)
	}
	entry := events.Entry{
		Accion:  domain.AccionFirma,
		Detalle: "Documento firmado electrónicamente",
		ActorID: opts.ActorID,
		IP:      opts.IP,
		Payload: events.Payload{"id_firma": f.ID, "navegador": f.Navegador, "dispositivo": f.Dispositivo},
	}
	if _, err := e.transition(ctx, tx, &t, domain.EstadoFirmado, entry, repo.Transition{}); err != nil {
		return domain.FirmaElectronica{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FirmaElectronica{}, err
	}
	e.Metrics.Transition(domain.EstadoFirmado)
	e.publish(ctx, notify.Event{
		Kind:      notify.KindSigned,
		UsuarioID: t.RemitenteID,
		TramiteID: t.ID,
		Titulo:    "Documento firmado",
		Mensaje:   fmt.Sprintf("El trámite %s fue firmado electrónicamente", t.Codigo),
	})
	return f, nil
}

// GetFirma returns the signature of a trámite visible to the viewer.
func (e Engine) GetFirma(ctx context.Context, tramiteID, viewerID string) (domain.FirmaElectronica, error) {
	if _, err := e.Get(ctx, tramiteID, viewerID); err != nil {
		return domain.FirmaElectronica{}, err
	}
	f, err := e.Repo.GetFirma(ctx, nil, tramiteID)
	if errors.Is(err, repo.ErrNotFound) {
		return f, notFound("firma of tramite", tramiteID)
	}
	return f, err
}

func (e Engine) CodeStatistics(ctx context.Context, viewerID string) (repo.CodigoCounts, error) {
	caps, err := e.capabilities(ctx, nil, viewerID)
	if err != nil {
		return repo.CodigoCounts{}, err
	}
	if err := caps.Require(domain.RolAdmin); err != nil {
		return repo.CodigoCounts{}, missingCapability(err)
	}
	return e.Repo.CountCodigos(ctx, stamp(e.now()))
}

func (e Engine) mailer() mail.Sender {
	if e.Mailer == nil {
		return mail.LogSender{Logger: e.logger()}
	}
	return e.Mailer
}

// censorEmail keeps the first and last character of the local part: juan.perez@x.pe -> j***z@x.pe.
func censorEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, dom := []rune(email[:at]), email[at+1:]
	if len(local) <= 2 {
		return string(local[0]) + "***@" + dom
	}
	return string(local[0]) + "***" + string(local[len(local)-1]) + "@" + dom
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Desconocido"
	}
	return v
}
