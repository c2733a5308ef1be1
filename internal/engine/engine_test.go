package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/mail"
	"tramiteline/internal/metrics"
	"tramiteline/internal/migrate"
	"tramiteline/internal/notify"
)

type fakeMailer struct {
	mu       sync.Mutex
	codes    []mail.CodeMessage
	lockouts []mail.LockoutMessage
	fail     error
	// When set, SendCode signals sending and then waits for release.
	sending chan struct{}
	release chan struct{}
}

func (m *fakeMailer) SendCode(_ context.Context, msg mail.CodeMessage) error {
	if m.release != nil {
		m.sending <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.codes = append(m.codes, msg)
	return nil
}

func (m *fakeMailer) SendLockoutNotice(_ context.Context, msg mail.LockoutMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts = append(m.lockouts, msg)
	return nil
}

func (m *fakeMailer) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		return ""
	}
	return m.codes[len(m.codes)-1].Codigo
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	fail   error
}

func (n *fakeNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.fail
}

func (n *fakeNotifier) kinds(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.UsuarioID == userID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Mailer   *fakeMailer
	Notifier *fakeNotifier
	clock    *time.Time

	AreaID       string
	Admin        string
	Remitente    string
	Receptor     string
	OtroReceptor string
	DocFirma     string
	DocRespuesta string
	DocCorregido string
	DocAviso     string
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{
		Ctx:      context.Background(),
		Mailer:   &fakeMailer{},
		Notifier: &fakeNotifier{},
		clock:    &clock,
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.clock }
	eng.Mailer = env.Mailer
	eng.Notifier = env.Notifier
	eng.Metrics = metrics.New()
	env.Engine = eng
	env.seed(t)
	return env
}

func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	e, ctx := env.Engine, env.Ctx
	area, err := e.CreateArea(ctx, "Recursos Humanos")
	require.NoError(t, err)
	env.AreaID = area.ID

	user := func(dni, nombre, correo string, roles ...string) string {
		u, err := e.CreateUsuario(ctx, domain.Usuario{DNI: dni, Nombres: nombre, Apellidos: "Prueba", Correo: correo, Activo: true, AreaID: area.ID, Roles: roles})
		require.NoError(t, err)
		return u.ID
	}
	env.Admin = user("10000001", "Ada", "ada@example.org", domain.RolAdmin)
	env.Remitente = user("10000002", "Rosa", "rosa@example.org", domain.RolResponsable)
	env.Receptor = user("10000003", "Juan", "juan.perez@example.org", domain.RolTrabajador)
	env.OtroReceptor = user("10000004", "Luz", "luz@example.org", domain.RolTrabajador)

	tipo := func(codigo string, firma, respuesta bool) string {
		tp, err := e.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: codigo, Nombre: codigo, RequiereFirma: firma, RequiereRespuesta: respuesta})
		require.NoError(t, err)
		return tp.ID
	}
	doc := func(titulo, tipoID string) string {
		d, err := e.CreateDocumento(ctx, domain.Documento{Titulo: titulo, TipoID: tipoID, CreadoPor: env.Remitente})
		require.NoError(t, err)
		return d.ID
	}
	contrato := tipo("CONTRATO", true, false)
	env.DocFirma = doc("Contrato 2024", contrato)
	env.DocCorregido = doc("Contrato 2024 corregido", contrato)
	env.DocRespuesta = doc("Reglamento interno", tipo("REGLAMENTO", false, true))
	env.DocAviso = doc("Comunicado", tipo("COMUNICADO", false, false))
}

func (env *testEnv) send(t *testing.T, docID, receptor string) domain.Tramite {
	t.Helper()
	tr, err := env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{
		DocumentoID: docID,
		ReceptorID:  receptor,
		Asunto:      "Documento para revisión",
		ActorID:     env.Remitente,
		IP:          "10.0.0.1",
	})
	require.NoError(t, err)
	return tr
}

// sendRead creates a trámite and walks it to LEIDO.
func (env *testEnv) sendRead(t *testing.T, docID string) domain.Tramite {
	t.Helper()
	tr := env.send(t, docID, env.Receptor)
	_, err := env.Engine.Open(env.Ctx, tr.ID, env.Receptor, "")
	require.NoError(t, err)
	tr, err = env.Engine.Read(env.Ctx, tr.ID, env.Receptor, "")
	require.NoError(t, err)
	return tr
}

func requirePrecondition(t *testing.T, err error, code string) {
	t.Helper()
	var pe *engine.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, code, pe.Code, pe.Message)
}

func actions(t *testing.T, env *testEnv, tramiteID string) []string {
	t.Helper()
	hist, err := env.Engine.Repo.ListHistorial(env.Ctx, tramiteID)
	require.NoError(t, err)
	var out []string
	for _, h := range hist {
		out = append(out, h.Accion)
	}
	return out
}

func TestCreateOpenRead(t *testing.T) {
	env := newTestEnv(t)
	tr := env.send(t, env.DocFirma, env.Receptor)
	assert.Equal(t, "TRAM-2024-000001", tr.Codigo)
	assert.Equal(t, domain.EstadoEnviado, tr.Estado)
	assert.True(t, tr.RequiereFirma)
	assert.False(t, tr.RequiereRespuesta)
	assert.Equal(t, env.AreaID, tr.AreaRemitenteID)
	assert.Equal(t, []string{notify.KindReceived, notify.KindRequiresSignature}, env.Notifier.kinds(env.Receptor))

	_, err := env.Engine.Open(env.Ctx, tr.ID, env.OtroReceptor, "")
	requirePrecondition(t, err, engine.CodeWrongActor)
	_, err = env.Engine.Read(env.Ctx, tr.ID, env.Receptor, "")
	requirePrecondition(t, err, engine.CodeInvalidState)

	opened, err := env.Engine.Open(env.Ctx, tr.ID, env.Receptor, "")
	require.NoError(t, err)
	require.NotNil(t, opened.FechaAbierto)
	_, err = env.Engine.Open(env.Ctx, tr.ID, env.Receptor, "")
	requirePrecondition(t, err, engine.CodeInvalidState)

	read, err := env.Engine.Read(env.Ctx, tr.ID, env.Receptor, "")
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoLeido, read.Estado)

	stored, err := env.Engine.Get(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Equal(t, *opened.FechaAbierto, *stored.FechaAbierto)
	require.NotNil(t, stored.FechaLeido)
	assert.Equal(t, []string{domain.AccionCreacion, domain.AccionApertura, domain.AccionLectura}, actions(t, env, tr.ID))

	second := env.send(t, env.DocAviso, env.Receptor)
	assert.Equal(t, "TRAM-2024-000002", second.Codigo)
}

func TestCreatePreconditions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: env.DocFirma, ReceptorID: env.Remitente, Asunto: "x", ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeMissingCapability)

	_, err = env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: env.DocFirma, ReceptorID: env.OtroReceptor, Asunto: "x", ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeMissingCapability)

	_, err = env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: "missing", ReceptorID: env.Receptor, Asunto: "x", ActorID: env.Remitente})
	assert.True(t, engine.IsNotFound(err), "unknown document: %v", err)

	_, err = env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: env.DocFirma, ReceptorID: "nobody", Asunto: "x", ActorID: env.Remitente})
	assert.True(t, engine.IsNotFound(err), "unknown receptor: %v", err)

	require.NoError(t, env.Engine.SetUsuarioActivo(env.Ctx, env.OtroReceptor, false))
	_, err = env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: env.DocFirma, ReceptorID: env.OtroReceptor, Asunto: "x", ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeMissingCapability)

	_, err = env.Engine.CreateTramite(env.Ctx, engine.CreateOptions{DocumentoID: env.DocFirma, ReceptorID: env.Receptor, Asunto: " ", ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeInvalidInput)
}

func TestCreateBulkIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTramitesBulk(env.Ctx, engine.BulkCreateOptions{
		DocumentoID: env.DocAviso,
		ReceptorIDs: []string{env.Receptor, env.Remitente},
		Asunto:      "Comunicado general",
		ActorID:     env.Remitente,
	})
	requirePrecondition(t, err, engine.CodeMissingCapability)
	all, err := env.Engine.List(env.Ctx, engine.ListOptions{ViewerID: env.Admin})
	require.NoError(t, err)
	assert.Empty(t, all)

	created, err := env.Engine.CreateTramitesBulk(env.Ctx, engine.BulkCreateOptions{
		DocumentoID: env.DocAviso,
		ReceptorIDs: []string{env.Receptor, env.OtroReceptor, env.Receptor},
		Asunto:      "Comunicado general",
		ActorID:     env.Remitente,
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "TRAM-2024-000001", created[0].Codigo)
	assert.Equal(t, "TRAM-2024-000002", created[1].Codigo)
}

// Scenario A.
func TestWrongCodeLocksUserOutEverywhere(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	other := env.sendRead(t, env.DocFirma)

	res, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor, IP: "10.0.0.9", UserAgent: "curl/8.0"})
	require.NoError(t, err)
	assert.Equal(t, "j***z@example.org", res.EmailDestino)
	assert.Equal(t, "2024-01-01T00:05:00Z", res.ExpiraEn)
	good := env.Mailer.lastCode()
	require.Len(t, good, 6)
	wrong := "000000"
	if good == wrong {
		wrong = "111111"
	}

	for i := 1; i <= 4; i++ {
		err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
		var ve *engine.ValidationError
		require.ErrorAs(t, err, &ve, "attempt %d", i)
		assert.Equal(t, 5-i, ve.RemainingAttempts)
	}
	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
	var locked *engine.LockedOutError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 15, locked.RemainingMinutes)
	require.Len(t, env.Mailer.lockouts, 1)
	assert.Equal(t, "juan.perez@example.org", env.Mailer.lockouts[0].To)

	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: good, AceptaTerminos: true})
	require.ErrorAs(t, err, &locked)

	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: other.ID, ActorID: env.Receptor})
	require.ErrorAs(t, err, &locked, "lockout applies to every trámite of the user")

	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.True(t, codes[0].Usado)
	assert.Equal(t, 5, codes[0].IntentosFallidos)
	assert.Nil(t, codes[0].FechaUso)

	env.advance(10 * time.Minute)
	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: other.ID, ActorID: env.Receptor})
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 5, locked.RemainingMinutes)

	env.advance(5 * time.Minute)
	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: other.ID, ActorID: env.Receptor})
	require.NoError(t, err)
}

func TestSignWithCode(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)

	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeWrongActor)

	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	code := env.Mailer.lastCode()

	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: code})
	requirePrecondition(t, err, engine.CodeInvalidInput)

	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firma, err := env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: code, AceptaTerminos: true, IP: "10.0.0.9", UserAgent: ua})
	require.NoError(t, err)
	assert.Equal(t, "Google Chrome", firma.Navegador)
	assert.Equal(t, "10.0.0.9", firma.IPAddress)

	signed, err := env.Engine.Get(env.Ctx, tr.ID, env.Remitente)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoFirmado, signed.Estado)
	require.NotNil(t, signed.FechaFirmado)
	assert.Contains(t, env.Notifier.kinds(env.Remitente), notify.KindSigned)
	assert.Equal(t, domain.AccionFirma, actions(t, env, tr.ID)[3])

	stored, err := env.Engine.GetFirma(env.Ctx, tr.ID, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, firma.ID, stored.ID)

	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: code, AceptaTerminos: true})
	requirePrecondition(t, err, engine.CodeInvalidState)
}

func TestFailedSignAttemptIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	wrong := "000000"
	if env.Mailer.lastCode() == wrong {
		wrong = "111111"
	}
	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong, AceptaTerminos: true})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 4, ve.RemainingAttempts)

	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 1, codes[0].IntentosFallidos)
	assert.False(t, codes[0].Usado)

	stored, err := env.Engine.Get(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoLeido, stored.Estado)
}

func TestSignatureNeverOnUnsignableTramite(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocRespuesta)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeNotRequired)
	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: "123456", AceptaTerminos: true})
	requirePrecondition(t, err, engine.CodeNotRequired)
	exists, err := env.Engine.Repo.FirmaExists(env.Ctx, nil, tr.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	sent := env.send(t, env.DocFirma, env.Receptor)
	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: sent.ID, ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeInvalidState)
}

func TestReissueLeavesOneLiveCode(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	for i := 0; i < 3; i++ {
		_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
		require.NoError(t, err)
	}
	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	live := 0
	for _, c := range codes {
		if !c.Usado {
			live++
			assert.Equal(t, env.Mailer.lastCode(), c.Codigo)
		}
	}
	assert.Equal(t, 1, live)
}

func TestIssueRollsBackWhenMailFails(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)

	env.Mailer.fail = errors.New("smtp down")
	_, err = env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	var de *engine.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "mail", de.Dependency)

	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, codes, 1, "failed issuance persists nothing")
	assert.False(t, codes[0].Usado, "previous code stays live when the new one could not be delivered")
}

func TestExpiredCodeIsRetired(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	code := env.Mailer.lastCode()

	env.advance(5 * time.Minute)
	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: code})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: code})
	requirePrecondition(t, err, engine.CodeInvalidState)
}

func TestConcurrentWrongAttemptsNeverExceedMax(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	wrong := "000000"
	if env.Mailer.lastCode() == wrong {
		wrong = "111111"
	}

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
		}()
	}
	wg.Wait()
	close(errs)
	var validation, locked int
	for err := range errs {
		var ve *engine.ValidationError
		var le *engine.LockedOutError
		switch {
		case errors.As(err, &ve):
			validation++
		case errors.As(err, &le):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, validation)
	assert.Equal(t, 8, locked)

	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Equal(t, 5, codes[0].IntentosFallidos)
}

// Scenario B.
func TestConformityResponse(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocRespuesta)

	_, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{TramiteID: tr.ID, ActorID: env.Receptor, AceptaConformidad: false})
	requirePrecondition(t, err, engine.CodeInvalidInput)

	resp, err := env.Engine.Respond(env.Ctx, engine.RespondOptions{TramiteID: tr.ID, ActorID: env.Receptor, AceptaConformidad: true, UserAgent: ""})
	require.NoError(t, err)
	assert.Equal(t, engine.TextoConformidad, resp.TextoRespuesta)
	assert.True(t, resp.EstaConforme)
	assert.Equal(t, "Desconocido", resp.Navegador)

	stored, err := env.Engine.Get(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoRespondido, stored.Estado)
	require.NotNil(t, stored.FechaRespondido)
	got, err := env.Engine.GetRespuesta(env.Ctx, tr.ID, env.Remitente)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, got.ID)
	assert.Contains(t, env.Notifier.kinds(env.Remitente), notify.KindResponded)

	_, err = env.Engine.Respond(env.Ctx, engine.RespondOptions{TramiteID: tr.ID, ActorID: env.Receptor, AceptaConformidad: true})
	var pe *engine.PreconditionError
	require.ErrorAs(t, err, &pe)

	signable := env.sendRead(t, env.DocFirma)
	_, err = env.Engine.Respond(env.Ctx, engine.RespondOptions{TramiteID: signable.ID, ActorID: env.Receptor, AceptaConformidad: true})
	requirePrecondition(t, err, engine.CodeNotRequired)
}

// Scenario C.
func TestObservationResolutionForksNewVersion(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)

	obs, err := env.Engine.CreateObservacion(env.Ctx, engine.ObservacionOptions{
		TramiteID:   tr.ID,
		Tipo:        domain.ObservacionCorreccionRequerida,
		Descripcion: "El monto es incorrecto",
		ActorID:     env.Receptor,
	})
	require.NoError(t, err)
	assert.Contains(t, env.Notifier.kinds(env.Remitente), notify.KindObservationCreated)

	hist, err := env.Engine.Repo.ListHistorial(env.Ctx, tr.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, domain.AccionObservacion, last.Accion)
	require.NotNil(t, last.EstadoAnterior)
	assert.Equal(t, domain.EstadoLeido, *last.EstadoAnterior)
	assert.Equal(t, domain.EstadoLeido, *last.EstadoNuevo)
	assert.Equal(t, obs.ID, last.DatosAdicionales["id_observacion"])

	_, err = env.Engine.ResolveObservacion(env.Ctx, engine.ResolveOptions{ObservacionID: obs.ID, Respuesta: "Corregido", ActorID: env.Remitente, IncluyeReenvio: true})
	requirePrecondition(t, err, engine.CodeInvalidInput)
	_, err = env.Engine.ResolveObservacion(env.Ctx, engine.ResolveOptions{ObservacionID: obs.ID, Respuesta: "Corregido", ActorID: env.Remitente, IncluyeReenvio: true, DocumentoCorregidoID: "missing"})
	assert.True(t, engine.IsNotFound(err))
	_, err = env.Engine.ResolveObservacion(env.Ctx, engine.ResolveOptions{ObservacionID: obs.ID, Respuesta: "Corregido", ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeWrongActor)

	res, err := env.Engine.ResolveObservacion(env.Ctx, engine.ResolveOptions{
		ObservacionID:        obs.ID,
		Respuesta:            "Se corrigió el monto",
		ActorID:              env.Remitente,
		IncluyeReenvio:       true,
		DocumentoCorregidoID: env.DocCorregido,
	})
	require.NoError(t, err)
	assert.True(t, res.Observacion.Resuelta)
	require.NotNil(t, res.Reenvio)
	fork := *res.Reenvio
	assert.Equal(t, 2, fork.NumeroVersion)
	assert.True(t, fork.EsReenvio)
	require.NotNil(t, fork.TramiteOriginalID)
	assert.Equal(t, tr.ID, *fork.TramiteOriginalID)
	assert.Equal(t, tr.ReceptorID, fork.ReceptorID)
	assert.Equal(t, domain.EstadoEnviado, fork.Estado)

	orig, err := env.Engine.Get(env.Ctx, tr.ID, env.Remitente)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoLeido, orig.Estado)
	assert.Equal(t, []string{domain.AccionReenvioPorObservacion}, actions(t, env, fork.ID))
	parent := actions(t, env, tr.ID)
	assert.Equal(t, domain.AccionObservacionResuelta, parent[len(parent)-1])
	assert.Contains(t, env.Notifier.kinds(env.Receptor), notify.KindObservationResolved)
	assert.Contains(t, env.Notifier.kinds(env.Receptor), notify.KindResubmitted)

	_, err = env.Engine.ResolveObservacion(env.Ctx, engine.ResolveOptions{ObservacionID: obs.ID, Respuesta: "otra vez", ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeInvalidState)

	pending, err := env.Engine.PendingObservaciones(env.Ctx, env.Remitente)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestForkVersionsAnchorAtRoot(t *testing.T) {
	env := newTestEnv(t)
	root := env.send(t, env.DocFirma, env.Receptor)

	v2, err := env.Engine.Fork(env.Ctx, engine.ForkOptions{TramiteID: root.ID, DocumentoID: env.DocCorregido, Motivo: "Anexo faltante", ActorID: env.Remitente})
	require.NoError(t, err)
	v3, err := env.Engine.Fork(env.Ctx, engine.ForkOptions{TramiteID: v2.ID, DocumentoID: env.DocRespuesta, Motivo: "Cambio de formato", ActorID: env.Remitente})
	require.NoError(t, err)

	assert.Equal(t, 2, v2.NumeroVersion)
	assert.Equal(t, 3, v3.NumeroVersion)
	assert.Equal(t, root.ID, *v3.TramiteOriginalID)
	assert.Equal(t, root.Asunto, v3.Asunto)
	assert.False(t, v3.RequiereFirma, "flags come from the new document's type")
	assert.True(t, v3.RequiereRespuesta)

	hist, err := env.Engine.Repo.ListHistorial(env.Ctx, v3.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.AccionReenvio, hist[0].Accion)
	assert.Equal(t, "Reenvío del trámite "+v2.Codigo+". Motivo: Cambio de formato", hist[0].Detalle)
	assert.Equal(t, float64(3), hist[0].DatosAdicionales["numero_version"])

	versions, err := env.Engine.Versions(env.Ctx, v2.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.NumeroVersion)
	}

	_, err = env.Engine.Fork(env.Ctx, engine.ForkOptions{TramiteID: root.ID, DocumentoID: env.DocCorregido, Motivo: "x", ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeWrongActor)
}

func TestObservationRequiresActiveTramite(t *testing.T) {
	env := newTestEnv(t)
	tr := env.send(t, env.DocAviso, env.Receptor)
	_, err := env.Engine.CreateObservacion(env.Ctx, engine.ObservacionOptions{TramiteID: tr.ID, Tipo: "QUEJA", Descripcion: "x", ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeInvalidInput)
	_, err = env.Engine.CreateObservacion(env.Ctx, engine.ObservacionOptions{TramiteID: tr.ID, Tipo: domain.ObservacionConsulta, Descripcion: "x", ActorID: env.Remitente})
	requirePrecondition(t, err, engine.CodeWrongActor)

	_, err = env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Remitente, Motivo: "Error de envío"})
	require.NoError(t, err)
	_, err = env.Engine.CreateObservacion(env.Ctx, engine.ObservacionOptions{TramiteID: tr.ID, Tipo: domain.ObservacionConsulta, Descripcion: "x", ActorID: env.Receptor})
	requirePrecondition(t, err, engine.CodeInvalidState)
}

// Scenario D.
func TestAnnulSignedTramiteFails(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	_, err = env.Engine.SignWithCode(env.Ctx, engine.SignOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: env.Mailer.lastCode(), AceptaTerminos: true})
	require.NoError(t, err)
	before := actions(t, env, tr.ID)

	_, err = env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Remitente, Motivo: "Ya no aplica"})
	requirePrecondition(t, err, engine.CodeInvalidState)

	stored, err := env.Engine.Get(env.Ctx, tr.ID, env.Remitente)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoFirmado, stored.Estado)
	assert.Nil(t, stored.FechaAnulado)
	assert.Equal(t, before, actions(t, env, tr.ID))
}

func TestAnnulPermissions(t *testing.T) {
	env := newTestEnv(t)
	tr := env.send(t, env.DocFirma, env.Receptor)
	_, err := env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Receptor, Motivo: "No me corresponde"})
	requirePrecondition(t, err, engine.CodeWrongActor)
	_, err = env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Admin})
	requirePrecondition(t, err, engine.CodeInvalidInput)

	annulled, err := env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Admin, Motivo: "Duplicado"})
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoAnulado, annulled.Estado)
	require.NotNil(t, annulled.AnuladoPor)
	assert.Equal(t, env.Admin, *annulled.AnuladoPor)
	assert.Contains(t, env.Notifier.kinds(env.Receptor), notify.KindAnnulled)

	_, err = env.Engine.Open(env.Ctx, tr.ID, env.Receptor, "")
	requirePrecondition(t, err, engine.CodeInvalidState)
}

func TestVisibilityAndStatistics(t *testing.T) {
	env := newTestEnv(t)
	mine := env.send(t, env.DocFirma, env.Receptor)
	env.send(t, env.DocRespuesta, env.OtroReceptor)

	list, err := env.Engine.List(env.Ctx, engine.ListOptions{ViewerID: env.Receptor})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = env.Engine.Get(env.Ctx, list[0].ID, env.OtroReceptor)
	requirePrecondition(t, err, engine.CodeWrongActor)

	all, err := env.Engine.List(env.Ctx, engine.ListOptions{ViewerID: env.Remitente})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	firma := true
	filtered, err := env.Engine.List(env.Ctx, engine.ListOptions{ViewerID: env.Admin, RequiereFirma: &firma})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	stats, err := env.Engine.Statistics(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.PorEstado[domain.EstadoEnviado])
	assert.Equal(t, 1, stats.PendientesFirma)
	assert.Equal(t, 1, stats.PendientesRespuesta)

	_, err = env.Engine.List(env.Ctx, engine.ListOptions{ViewerID: env.Admin, Estado: "PERDIDO"})
	requirePrecondition(t, err, engine.CodeInvalidInput)
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.fail = errors.New("redis down")
	tr := env.send(t, env.DocFirma, env.Receptor)
	stored, err := env.Engine.Get(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Equal(t, domain.EstadoEnviado, stored.Estado)
}

// blockMailer makes SendCode wait until the returned func is called.
func (env *testEnv) blockMailer() func() {
	env.Mailer.sending = make(chan struct{}, 1)
	env.Mailer.release = make(chan struct{})
	var once sync.Once
	return func() { once.Do(func() { close(env.Mailer.release) }) }
}

func TestIssueCodeDoesNotHoldWriteLockWhileMailing(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	unrelated := env.send(t, env.DocAviso, env.OtroReceptor)

	release := env.blockMailer()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
		done <- err
	}()
	<-env.Mailer.sending

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	opened, err := env.Engine.Open(ctx, unrelated.ID, env.OtroReceptor, "")
	require.NoError(t, err, "writers proceed while a code email is in flight")
	assert.Equal(t, domain.EstadoAbierto, opened.Estado)
	assert.Less(t, time.Since(start), time.Second)

	release()
	require.NoError(t, <-done)
	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, env.Mailer.lastCode(), codes[0].Codigo)
}

func TestIssueCodeStoresNothingWhenTramiteChangesDuringDelivery(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)

	release := env.blockMailer()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
		done <- err
	}()
	<-env.Mailer.sending
	_, err := env.Engine.Annul(env.Ctx, engine.AnnulOptions{ID: tr.ID, ActorID: env.Remitente, Motivo: "error en el contrato"})
	require.NoError(t, err)

	release()
	requirePrecondition(t, <-done, engine.CodeInvalidState)
	codes, err := env.Engine.Repo.ListCodigos(env.Ctx, tr.ID, env.Receptor)
	require.NoError(t, err)
	assert.Empty(t, codes, "a code mailed for a trámite that was annulled meanwhile is never stored")
}

func TestValidateReportsLockoutBeforeWrongActor(t *testing.T) {
	env := newTestEnv(t)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	wrong := "000000"
	if env.Mailer.lastCode() == wrong {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		_ = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
	}

	ajeno := env.send(t, env.DocFirma, env.OtroReceptor)
	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: ajeno.ID, ActorID: env.Receptor, Codigo: wrong})
	var locked *engine.LockedOutError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 15, locked.RemainingMinutes)

	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: ajeno.ID, ActorID: env.Remitente, Codigo: wrong})
	requirePrecondition(t, err, engine.CodeWrongActor)
}

func TestLockoutNoticeLookupFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zapcore.WarnLevel)
	env.Engine.Logger = zap.New(core)
	tr := env.sendRead(t, env.DocFirma)
	_, err := env.Engine.IssueCode(env.Ctx, engine.IssueOptions{TramiteID: tr.ID, ActorID: env.Receptor})
	require.NoError(t, err)
	wrong := "000000"
	if env.Mailer.lastCode() == wrong {
		wrong = "111111"
	}

	// An unreadable usuario row makes the notice lookup fail.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE usuarios SET activo='roto' WHERE id=?`, env.Receptor)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_ = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
	}
	err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{TramiteID: tr.ID, ActorID: env.Receptor, Codigo: wrong})
	var locked *engine.LockedOutError
	require.ErrorAs(t, err, &locked, "the lockout holds even without a notice")
	assert.Empty(t, env.Mailer.lockouts)

	entries := logs.FilterMessage("lockout notice skipped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, env.Receptor, entries[0].ContextMap()["usuario"])
}
