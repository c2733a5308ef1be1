package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"tramiteline/internal/config"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine/auth"
	"tramiteline/internal/events"
	"tramiteline/internal/mail"
	"tramiteline/internal/metrics"
	"tramiteline/internal/notify"
	"tramiteline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Notifier notify.Sink
	Mailer   mail.Sender
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	// Codes generates verification codes. Defaults to a uniform 6-digit code.
	Codes func() (string, error)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Notifier: notify.Discard{},
		Mailer:   mail.LogSender{},
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (e Engine) ledger() events.Writer {
	w := e.Ledger
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) newCode() (string, error) {
	if e.Codes != nil {
		return e.Codes()
	}
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	if e.DB == nil {
		return nil, errors.New("database not configured")
	}
	return e.DB.BeginTx(ctx, nil)
}

// capabilities loads the user projection, turning unknown users into NotFound.
func (e Engine) capabilities(ctx context.Context, tx *sql.Tx, userID string) (auth.Capabilities, error) {
	caps, err := e.Auth.Capabilities(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return caps, notFound("usuario", userID)
		}
		return caps, err
	}
	return caps, nil
}

func (e Engine) loadTramite(ctx context.Context, tx *sql.Tx, id string) (domain.Tramite, error) {
	t, err := e.Repo.GetTramiteTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("tramite", id)
	}
	return t, err
}

func (e Engine) loadDocumento(ctx context.Context, tx *sql.Tx, id string) (domain.DocumentoTipo, error) {
	d, err := e.Repo.GetDocumentoTipo(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, notFound("documento", id)
	}
	return d, err
}

// publish delivers events after commit. Failures are logged and counted, never returned.
func (e Engine) publish(ctx context.Context, evs ...notify.Event) {
	if e.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if ev.UsuarioID == "" {
			continue
		}
		if ev.At.IsZero() {
			ev.At = e.now()
		}
		err := e.Notifier.Publish(ctx, ev)
		if err == nil {
			continue
		}
		for _, name := range failedSinks(err) {
			e.Metrics.NotificationFailed(name)
		}
		e.logger().Warn("notification dispatch failed",
			zap.String("kind", ev.Kind),
			zap.String("usuario", ev.UsuarioID),
			zap.String("tramite", ev.TramiteID),
			zap.Error(err),
		)
	}
}

func failedSinks(err error) []string {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	var names []string
	for _, err := range errs {
		var se *notify.SinkError
		if errors.As(err, &se) {
			names = append(names, se.Sink)
		} else {
			names = append(names, "unknown")
		}
	}
	return names
}

var transitions = map[string][]string{
	domain.EstadoEnviado: {domain.EstadoAbierto, domain.EstadoAnulado},
	domain.EstadoAbierto: {domain.EstadoLeido, domain.EstadoAnulado},
	domain.EstadoLeido:   {domain.EstadoFirmado, domain.EstadoRespondido, domain.EstadoAnulado},
}

func ensureTransition(from, to string) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return preconditionf(CodeInvalidState, "cannot move trámite from %s to %s", from, to)
}

// applyTransition records a state change on the in-memory copy after the row was updated.
func applyTransition(t *domain.Tramite, to, at string) {
	t.Estado = to
	set := func(p **string) {
		if *p == nil {
			v := at
			*p = &v
		}
	}
	switch to {
	case domain.EstadoAbierto:
		set(&t.FechaAbierto)
	case domain.EstadoLeido:
		set(&t.FechaLeido)
	case domain.EstadoFirmado:
		set(&t.FechaFirmado)
	case domain.EstadoRespondido:
		set(&t.FechaRespondido)
	case domain.EstadoAnulado:
		set(&t.FechaAnulado)
	}
}

// transition moves t to a new state inside tx and writes its ledger entry.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, t *domain.Tramite, to string, entry events.Entry, tr repo.Transition) (domain.HistorialEntry, error) {
	if err := ensureTransition(t.Estado, to); err != nil {
		return domain.HistorialEntry{}, err
	}
	at := stamp(e.now())
	tr.ID, tr.From, tr.To, tr.At = t.ID, t.Estado, to, at
	if err := e.Repo.TransitionTramite(ctx, tx, tr); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.HistorialEntry{}, preconditionf(CodeInvalidState, "trámite %s changed state concurrently", t.ID)
		}
		return domain.HistorialEntry{}, fmt.Errorf("transition %s: %w", to, err)
	}
	entry.TramiteID = t.ID
	entry.EstadoAnterior = t.Estado
	entry.EstadoNuevo = to
	h, err := e.ledger().Append(ctx, tx, entry)
	if err != nil {
		return h, err
	}
	applyTransition(t, to, at)
	return h, nil
}

func isActive(estado string) bool {
	return estado == domain.EstadoEnviado || estado == domain.EstadoAbierto || estado == domain.EstadoLeido
}
