package tramitelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal tramiteline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers accept it only in
	// development mode.
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Tramite represents the API trámite model (partial).
type Tramite struct {
	ID                string  `json:"id"`
	Codigo            string  `json:"codigo"`
	Estado            string  `json:"estado"`
	DocumentoID       string  `json:"id_documento"`
	RemitenteID       string  `json:"id_remitente"`
	ReceptorID        string  `json:"id_receptor"`
	Asunto            string  `json:"asunto"`
	RequiereFirma     bool    `json:"requiere_firma"`
	RequiereRespuesta bool    `json:"requiere_respuesta"`
	FechaEnvio        string  `json:"fecha_envio"`
	EsReenvio         bool    `json:"es_reenvio"`
	TramiteOriginalID *string `json:"id_tramite_original,omitempty"`
	NumeroVersion     int     `json:"numero_version"`
}

// HistorialEntry is one audit record of a trámite.
type HistorialEntry struct {
	ID               int64          `json:"id"`
	TramiteID        string         `json:"id_tramite"`
	Accion           string         `json:"accion"`
	Detalle          string         `json:"detalle"`
	EstadoAnterior   *string        `json:"estado_anterior,omitempty"`
	EstadoNuevo      *string        `json:"estado_nuevo,omitempty"`
	RealizadoPor     string         `json:"realizado_por"`
	DatosAdicionales map[string]any `json:"datos_adicionales,omitempty"`
	Fecha            string         `json:"fecha"`
}

// Observacion is an objection raised by the receptor.
type Observacion struct {
	ID          string  `json:"id"`
	TramiteID   string  `json:"id_tramite"`
	Tipo        string  `json:"tipo"`
	Descripcion string  `json:"descripcion"`
	Resuelta    bool    `json:"resuelta"`
	Respuesta   *string `json:"respuesta,omitempty"`
}

// Resolucion is the outcome of resolving an observation.
type Resolucion struct {
	Observacion Observacion `json:"observacion"`
	Reenvio     *Tramite    `json:"reenvio,omitempty"`
}

// Firma is the signature evidence of a trámite.
type Firma struct {
	ID          string `json:"id"`
	TramiteID   string `json:"id_tramite"`
	IPAddress   string `json:"ip_address"`
	Navegador   string `json:"navegador"`
	Dispositivo string `json:"dispositivo"`
	FechaFirma  string `json:"fecha_firma"`
}

// Respuesta is a conformity response.
type Respuesta struct {
	ID             string `json:"id"`
	TramiteID      string `json:"id_tramite"`
	TextoRespuesta string `json:"texto_respuesta"`
	EstaConforme   bool   `json:"esta_conforme"`
	FechaRespuesta string `json:"fecha_respuesta"`
}

// CodigoEmitido describes an issued verification code without revealing it.
type CodigoEmitido struct {
	EmailDestino  string `json:"email_destino"`
	ExpiraEn      string `json:"expira_en"`
	ExpiraMinutos int    `json:"expira_minutos"`
}

// Notificacion is one inbox entry.
type Notificacion struct {
	ID        int64   `json:"id"`
	TramiteID *string `json:"id_tramite,omitempty"`
	Tipo      string  `json:"tipo"`
	Titulo    string  `json:"titulo"`
	Mensaje   string  `json:"mensaje"`
	Leida     bool    `json:"leida"`
}

// Inbox is the notification listing of the caller.
type Inbox struct {
	Notificaciones []Notificacion `json:"notificaciones"`
	NoLeidas       int            `json:"no_leidas"`
}

// PaginatedTramites wraps list responses with cursors.
type PaginatedTramites struct {
	Items      []Tramite `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// ListFilter narrows ListTramites. Zero values are ignored.
type ListFilter struct {
	Estado string
	Buscar string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// CreateTramite sends a document to a receiver.
func (c *Client) CreateTramite(ctx context.Context, documentoID, receptorID, asunto, mensaje string) (Tramite, error) {
	body := map[string]any{
		"id_documento": documentoID,
		"id_receptor":  receptorID,
		"asunto":       asunto,
	}
	if mensaje != "" {
		body["mensaje"] = mensaje
	}
	var resp Tramite
	err := c.do(ctx, http.MethodPost, "tramites", body, &resp)
	return resp, err
}

// GetTramite fetches a trámite by id.
func (c *Client) GetTramite(ctx context.Context, id string) (Tramite, error) {
	var resp Tramite
	err := c.do(ctx, http.MethodGet, tramitePath(id, ""), nil, &resp)
	return resp, err
}

// ListTramites returns one page of trámites visible to the caller.
func (c *Client) ListTramites(ctx context.Context, f ListFilter) (PaginatedTramites, error) {
	q := url.Values{}
	if f.Estado != "" {
		q.Set("estado", f.Estado)
	}
	if f.Buscar != "" {
		q.Set("buscar", f.Buscar)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "tramites"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTramites
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Historial returns the audit trail of a trámite.
func (c *Client) Historial(ctx context.Context, id string) ([]HistorialEntry, error) {
	var resp []HistorialEntry
	err := c.do(ctx, http.MethodGet, tramitePath(id, "historial"), nil, &resp)
	return resp, err
}

// Versiones returns every version of the trámite's reenvío chain.
func (c *Client) Versiones(ctx context.Context, id string) ([]Tramite, error) {
	var resp []Tramite
	err := c.do(ctx, http.MethodGet, tramitePath(id, "versiones"), nil, &resp)
	return resp, err
}

// Abrir marks a trámite as opened.
func (c *Client) Abrir(ctx context.Context, id string) (Tramite, error) {
	var resp Tramite
	err := c.do(ctx, http.MethodPost, tramitePath(id, "abrir"), nil, &resp)
	return resp, err
}

// Leer marks a trámite as read.
func (c *Client) Leer(ctx context.Context, id string) (Tramite, error) {
	var resp Tramite
	err := c.do(ctx, http.MethodPost, tramitePath(id, "leer"), nil, &resp)
	return resp, err
}

// Anular annuls an active trámite.
func (c *Client) Anular(ctx context.Context, id, motivo string) (Tramite, error) {
	var resp Tramite
	err := c.do(ctx, http.MethodPost, tramitePath(id, "anular"), map[string]any{"motivo_anulacion": motivo}, &resp)
	return resp, err
}

// Reenviar resubmits a trámite with a new document.
func (c *Client) Reenviar(ctx context.Context, id, documentoID, motivo string) (Tramite, error) {
	body := map[string]any{"id_documento": documentoID, "motivo_reenvio": motivo}
	var resp Tramite
	err := c.do(ctx, http.MethodPost, tramitePath(id, "reenviar"), body, &resp)
	return resp, err
}

// SolicitarCodigo asks the server to email a signing code to the receptor.
func (c *Client) SolicitarCodigo(ctx context.Context, id string) (CodigoEmitido, error) {
	var resp CodigoEmitido
	err := c.do(ctx, http.MethodPost, tramitePath(id, "codigo"), nil, &resp)
	return resp, err
}

// Firmar verifies the code and signs the trámite.
func (c *Client) Firmar(ctx context.Context, id, codigo string) (Firma, error) {
	var resp Firma
	err := c.do(ctx, http.MethodPost, tramitePath(id, "firmar"), map[string]any{"codigo": codigo, "acepta_terminos": true}, &resp)
	return resp, err
}

// Responder confirms conformity with the trámite.
func (c *Client) Responder(ctx context.Context, id string) (Respuesta, error) {
	var resp Respuesta
	err := c.do(ctx, http.MethodPost, tramitePath(id, "respuesta"), map[string]any{"acepta_conformidad": true}, &resp)
	return resp, err
}

// Observar raises an observation on a trámite.
func (c *Client) Observar(ctx context.Context, id, tipo, descripcion string) (Observacion, error) {
	var resp Observacion
	err := c.do(ctx, http.MethodPost, tramitePath(id, "observaciones"), map[string]any{"tipo": tipo, "descripcion": descripcion}, &resp)
	return resp, err
}

// ResolverObservacion answers an observation. A non-empty documentoCorregidoID also
// resubmits the trámite with that document.
func (c *Client) ResolverObservacion(ctx context.Context, id, respuesta, documentoCorregidoID string) (Resolucion, error) {
	body := map[string]any{"respuesta": respuesta}
	if documentoCorregidoID != "" {
		body["incluye_reenvio"] = true
		body["id_documento_corregido"] = documentoCorregidoID
	}
	var resp Resolucion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("observaciones/%s/resolver", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Notificaciones returns the caller's inbox.
func (c *Client) Notificaciones(ctx context.Context, soloNoLeidas bool) (Inbox, error) {
	endpoint := "notificaciones"
	if soloNoLeidas {
		endpoint += "?no_leidas=true"
	}
	var resp Inbox
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func tramitePath(id, sub string) string {
	p := "tramites/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
