package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
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
	"tramiteline/internal/metrics"
	"tramiteline/internal/migrate"
)

const testSecret = "test-secret"

type captureMailer struct {
	mu    sync.Mutex
	codes []string
}

func (m *captureMailer) SendCode(_ context.Context, msg mail.CodeMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, msg.Codigo)
	return nil
}

func (m *captureMailer) SendLockoutNotice(context.Context, mail.LockoutMessage) error { return nil }

func (m *captureMailer) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[len(m.codes)-1]
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Mailer *captureMailer
	client *http.Client

	Admin, Remitente, Receptor, Otro string
	DocFirma, DocRespuesta          string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mailer := &captureMailer{}
	e := engine.New(conn, config.Default())
	e.Mailer = mailer
	e.Metrics = metrics.New()
	srv := &testServer{Engine: e, Mailer: mailer, client: &http.Client{}}
	srv.seed(t)

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, AllowDevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpSrv := &http.Server{Handler: handler}
	go httpSrv.Serve(ln)
	srv.URL = "http://" + ln.Addr().String()
	t.Cleanup(func() {
		httpSrv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return srv
}

func (s *testServer) seed(t *testing.T) {
	ctx := context.Background()
	area, err := s.Engine.CreateArea(ctx, "Administración")
	require.NoError(t, err)
	user := func(dni, nombre, rol string) string {
		u, err := s.Engine.CreateUsuario(ctx, domain.Usuario{DNI: dni, Nombres: nombre, Correo: nombre + "@example.org", Activo: true, AreaID: area.ID, Roles: []string{rol}})
		require.NoError(t, err)
		return u.ID
	}
	s.Admin = user("1", "admin", domain.RolAdmin)
	s.Remitente = user("2", "rosa", domain.RolResponsable)
	s.Receptor = user("3", "juan", domain.RolTrabajador)
	s.Otro = user("4", "luz", domain.RolTrabajador)
	firma, err := s.Engine.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: "CONTRATO", Nombre: "Contrato", RequiereFirma: true})
	require.NoError(t, err)
	resp, err := s.Engine.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: "MEMO", Nombre: "Memorándum", RequiereRespuesta: true})
	require.NoError(t, err)
	d1, err := s.Engine.CreateDocumento(ctx, domain.Documento{Titulo: "Contrato", TipoID: firma.ID, CreadoPor: s.Remitente})
	require.NoError(t, err)
	d2, err := s.Engine.CreateDocumento(ctx, domain.Documento{Titulo: "Memo", TipoID: resp.ID, CreadoPor: s.Remitente})
	require.NoError(t, err)
	s.DocFirma, s.DocRespuesta = d1.ID, d2.ID
}

// do sends a request as actor through the X-Actor-Id header and decodes JSON into out.
func (s *testServer) do(t *testing.T, method, path, actor string, body any, out any) int {
	t.Helper()
	return s.doWith(t, method, path, map[string]string{"X-Actor-Id": actor}, body, out)
}

func (s *testServer) doWith(t *testing.T, method, path string, headers map[string]string, body any, out any) int {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return res.StatusCode
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestSignFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var tr domain.Tramite
	status := srv.do(t, http.MethodPost, "/v1/tramites", srv.Remitente, map[string]any{
		"id_documento": srv.DocFirma,
		"id_receptor":  srv.Receptor,
		"asunto":       "Firma de contrato",
	}, &tr)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, domain.EstadoEnviado, tr.Estado)

	var apiErr errorEnvelope
	status = srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/abrir", srv.Otro, nil, &apiErr)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, engine.CodeWrongActor, apiErr.Error.Code)

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/abrir", srv.Receptor, nil, nil))

	apiErr = errorEnvelope{}
	status = srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/codigo", srv.Receptor, nil, &apiErr)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.CodeInvalidState, apiErr.Error.Code)

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/leer", srv.Receptor, nil, nil))

	var issued engine.IssueResult
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/codigo", srv.Receptor, nil, &issued))
	assert.Equal(t, "j***n@example.org", issued.EmailDestino)
	code := srv.Mailer.last()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	apiErr = errorEnvelope{}
	status = srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/firmar", srv.Receptor, map[string]any{"codigo": wrong, "acepta_terminos": true}, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_failed", apiErr.Error.Code)
	assert.Equal(t, float64(4), apiErr.Error.Details["intentos_restantes"])

	var firma domain.FirmaElectronica
	status = srv.doWith(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/firmar", map[string]string{
		"X-Actor-Id": srv.Receptor,
		"User-Agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	}, map[string]any{"codigo": code, "acepta_terminos": true}, &firma)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Safari", firma.Navegador)
	assert.Equal(t, "127.0.0.1", firma.IPAddress)

	var hist []domain.HistorialEntry
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/tramites/"+tr.ID+"/historial", srv.Remitente, nil, &hist))
	require.Len(t, hist, 4)
	assert.Equal(t, domain.AccionFirma, hist[3].Accion)

	apiErr = errorEnvelope{}
	status = srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/anular", srv.Remitente, map[string]any{"motivo_anulacion": "tarde"}, &apiErr)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.CodeInvalidState, apiErr.Error.Code)

	var inbox engine.Inbox
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/notificaciones?no_leidas=true", srv.Remitente, nil, &inbox))
	require.NotEmpty(t, inbox.Notificaciones)
	assert.Equal(t, len(inbox.Notificaciones), inbox.NoLeidas)
	var marked MarcadasResponse
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/notificaciones/leidas", srv.Remitente, nil, &marked))
	assert.Equal(t, int64(inbox.NoLeidas), marked.Marcadas)
}

func TestLockoutReturnsTooManyRequests(t *testing.T) {
	srv := newTestServer(t)
	var tr domain.Tramite
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/tramites", srv.Remitente, map[string]any{
		"id_documento": srv.DocFirma, "id_receptor": srv.Receptor, "asunto": "Contrato",
	}, &tr))
	srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/abrir", srv.Receptor, nil, nil)
	srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/leer", srv.Receptor, nil, nil)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/codigo", srv.Receptor, nil, nil))
	wrong := "000000"
	if srv.Mailer.last() == wrong {
		wrong = "111111"
	}
	var status int
	var apiErr errorEnvelope
	for i := 0; i < 5; i++ {
		apiErr = errorEnvelope{}
		status = srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/codigo/validar", srv.Receptor, map[string]any{"codigo": wrong}, &apiErr)
	}
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "locked_out", apiErr.Error.Code)
	assert.Equal(t, float64(15), apiErr.Error.Details["minutos_restantes"])
}

func TestObservationAndResponseOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	var tr domain.Tramite
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/tramites", srv.Remitente, map[string]any{
		"id_documento": srv.DocRespuesta, "id_receptor": srv.Receptor, "asunto": "Memo",
	}, &tr))

	var obs domain.Observacion
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/observaciones", srv.Receptor, map[string]any{
		"tipo": domain.ObservacionConsulta, "descripcion": "¿Aplica a practicantes?",
	}, &obs))
	var pending []domain.Observacion
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/observaciones/pendientes", srv.Remitente, nil, &pending))
	require.Len(t, pending, 1)

	var resolved engine.ResolveResult
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/v1/observaciones/"+obs.ID+"/resolver", srv.Remitente, map[string]any{
		"respuesta": "Sí aplica",
	}, &resolved))
	assert.True(t, resolved.Observacion.Resuelta)
	assert.Nil(t, resolved.Reenvio)

	srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/abrir", srv.Receptor, nil, nil)
	srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/leer", srv.Receptor, nil, nil)
	var apiErr errorEnvelope
	status := srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/respuesta", srv.Receptor, map[string]any{"acepta_conformidad": false}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
	var resp domain.RespuestaTramite
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/tramites/"+tr.ID+"/respuesta", srv.Receptor, map[string]any{"acepta_conformidad": true}, &resp))
	assert.Equal(t, engine.TextoConformidad, resp.TextoRespuesta)

	var stats struct {
		Total     int            `json:"total"`
		PorEstado map[string]int `json:"por_estado"`
	}
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/tramites/estadisticas", srv.Admin, nil, &stats))
	assert.Equal(t, 1, stats.PorEstado[domain.EstadoRespondido])
}

func TestListPaginatesWithCursor(t *testing.T) {
	srv := newTestServer(t)
	var created []domain.Tramite
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/tramites/lote", srv.Remitente, map[string]any{
		"id_documento": srv.DocFirma, "ids_receptores": []string{srv.Receptor, srv.Otro}, "asunto": "Circular",
	}, &created))
	require.Len(t, created, 2)

	var page TramiteList
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/tramites?limit=1", srv.Admin, nil, &page))
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	var next TramiteList
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/tramites?limit=1&cursor="+url.QueryEscape(page.NextCursor), srv.Admin, nil, &next))
	require.Len(t, next.Items, 1)
	assert.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
	assert.Empty(t, next.NextCursor)

	var mine TramiteList
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/tramites", srv.Otro, nil, &mine))
	require.Len(t, mine.Items, 1)
	assert.Equal(t, srv.Otro, mine.Items[0].ReceptorID)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	var apiErr errorEnvelope
	assert.Equal(t, http.StatusUnauthorized, srv.doWith(t, http.MethodGet, "/v1/me", nil, nil, &apiErr))
	assert.Equal(t, "unauthorized", apiErr.Error.Code)
	assert.Equal(t, http.StatusOK, srv.doWith(t, http.MethodGet, "/v1/health", nil, nil, nil))

	token, err := SignToken(testSecret, srv.Receptor, nil, time.Hour)
	require.NoError(t, err)
	var me WhoAmIResponse
	require.Equal(t, http.StatusOK, srv.doWith(t, http.MethodGet, "/v1/me", map[string]string{"Authorization": "Bearer " + token}, nil, &me))
	assert.Equal(t, srv.Receptor, me.UsuarioID)
	assert.Equal(t, []string{domain.RolTrabajador}, me.Roles)
	assert.Equal(t, "jwt", me.Source)

	forged, err := SignToken("other-secret", srv.Admin, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, srv.doWith(t, http.MethodGet, "/v1/me", map[string]string{"Authorization": "Bearer " + forged}, nil, nil))

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), srv.Remitente, "ci")
	require.NoError(t, err)
	me = WhoAmIResponse{}
	require.Equal(t, http.StatusOK, srv.doWith(t, http.MethodGet, "/v1/me", map[string]string{"X-Api-Key": plain}, nil, &me))
	assert.Equal(t, srv.Remitente, me.UsuarioID)

	var login DevLoginResponse
	require.Equal(t, http.StatusOK, srv.doWith(t, http.MethodPost, "/v1/auth/dev/login", nil, map[string]any{"id_usuario": srv.Admin}, &login))
	_, err = authenticateJWT(login.Token, testSecret)
	assert.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/tramites/missing", srv.Admin, nil, nil))
	assert.Equal(t, http.StatusOK, srv.doWith(t, http.MethodGet, "/metrics", nil, nil, nil))
}
