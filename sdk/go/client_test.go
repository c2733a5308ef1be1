package tramitelinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/mail"
	"tramiteline/internal/migrate"
	"tramiteline/internal/notify"
	"tramiteline/internal/server"
)

const secret = "sdk-secret"

type codeMailer struct {
	mu   sync.Mutex
	last string
}

func (m *codeMailer) SendCode(_ context.Context, msg mail.CodeMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = msg.Codigo
	return nil
}

func (m *codeMailer) SendLockoutNotice(context.Context, mail.LockoutMessage) error { return nil }

type fixture struct {
	url                    string
	mailer                 *codeMailer
	remitente, receptor    string
	docFirma, docCorregido string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	mailer := &codeMailer{}
	e := engine.New(conn, config.Default())
	e.Mailer = mailer
	e.Notifier = notify.StoreSink{Repo: e.Repo}
	ctx := context.Background()
	area, err := e.CreateArea(ctx, "Legal")
	require.NoError(t, err)
	rem, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "10", Nombres: "rosa", Correo: "rosa@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolResponsable}})
	require.NoError(t, err)
	rec, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "11", Nombres: "juan", Correo: "juan@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolTrabajador}})
	require.NoError(t, err)
	tipo, err := e.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: "CONTRATO", Nombre: "Contrato", RequiereFirma: true})
	require.NoError(t, err)
	d1, err := e.CreateDocumento(ctx, domain.Documento{Titulo: "Contrato", TipoID: tipo.ID, CreadoPor: rem.ID})
	require.NoError(t, err)
	d2, err := e.CreateDocumento(ctx, domain.Documento{Titulo: "Contrato v2", TipoID: tipo.ID, CreadoPor: rem.ID})
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: secret, AllowActorHeader: true}})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return fixture{url: ts.URL + "/v1", mailer: mailer, remitente: rem.ID, receptor: rec.ID, docFirma: d1.ID, docCorregido: d2.ID}
}

func (f fixture) clientFor(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := server.SignToken(secret, userID, nil, time.Hour)
	require.NoError(t, err)
	c := New(f.url)
	c.BearerToken = token
	return c
}

func TestClientSignFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rem := f.clientFor(t, f.remitente)
	rec := f.clientFor(t, f.receptor)

	tr, err := rem.CreateTramite(ctx, f.docFirma, f.receptor, "Contrato anual", "")
	require.NoError(t, err)
	assert.Equal(t, "ENVIADO", tr.Estado)
	assert.True(t, tr.RequiereFirma)

	_, err = rec.Abrir(ctx, tr.ID)
	require.NoError(t, err)
	tr, err = rec.Leer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "LEIDO", tr.Estado)

	issued, err := rec.SolicitarCodigo(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "j***n@example.org", issued.EmailDestino)

	f.mailer.mu.Lock()
	code := f.mailer.last
	f.mailer.mu.Unlock()
	firma, err := rec.Firmar(ctx, tr.ID, code)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, firma.TramiteID)

	got, err := rem.GetTramite(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "FIRMADO", got.Estado)

	hist, err := rem.Historial(ctx, tr.ID)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, "FIRMADO", *hist[len(hist)-1].EstadoNuevo)

	inbox, err := rem.Notificaciones(ctx, true)
	require.NoError(t, err)
	assert.NotZero(t, inbox.NoLeidas)
}

func TestClientObservationResubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rem := f.clientFor(t, f.remitente)
	rec := f.clientFor(t, f.receptor)

	tr, err := rem.CreateTramite(ctx, f.docFirma, f.receptor, "Contrato", "revisar")
	require.NoError(t, err)
	obs, err := rec.Observar(ctx, tr.ID, "CORRECCION_REQUERIDA", "falta la cláusula 3")
	require.NoError(t, err)
	assert.False(t, obs.Resuelta)

	res, err := rem.ResolverObservacion(ctx, obs.ID, "corregido", f.docCorregido)
	require.NoError(t, err)
	assert.True(t, res.Observacion.Resuelta)
	require.NotNil(t, res.Reenvio)
	assert.Equal(t, 2, res.Reenvio.NumeroVersion)
	assert.True(t, res.Reenvio.EsReenvio)

	versions, err := rem.Versiones(ctx, res.Reenvio.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	page, err := rec.ListTramites(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rem := f.clientFor(t, f.remitente)
	rec := f.clientFor(t, f.receptor)

	tr, err := rem.CreateTramite(ctx, f.docFirma, f.receptor, "Contrato", "")
	require.NoError(t, err)

	_, err = rem.Abrir(ctx, tr.ID)
	require.Error(t, err)
	assert.True(t, IsCode(err, "wrong_actor"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = rec.Responder(ctx, tr.ID)
	assert.True(t, IsCode(err, "not_required"))

	_, err = rec.GetTramite(ctx, "does-not-exist")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	anon := New(f.url)
	_, err = anon.ListTramites(ctx, ListFilter{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientActorHeader(t *testing.T) {
	f := newFixture(t)
	c := New(f.url)
	c.ActorID = f.remitente
	tr, err := c.CreateTramite(context.Background(), f.docFirma, f.receptor, "Contrato", "")
	require.NoError(t, err)
	assert.Equal(t, f.remitente, tr.RemitenteID)
}
