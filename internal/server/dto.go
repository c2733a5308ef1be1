package server

import "tramiteline/internal/domain"

// Request payloads

type CreateTramiteRequest struct {
	DocumentoID string `json:"id_documento"`
	ReceptorID  string `json:"id_receptor"`
	Asunto      string `json:"asunto" minLength:"1"`
	Mensaje     string `json:"mensaje,omitempty"`
}

type CreateTramitesLoteRequest struct {
	DocumentoID string   `json:"id_documento"`
	ReceptorIDs []string `json:"ids_receptores" minItems:"1"`
	Asunto      string   `json:"asunto" minLength:"1"`
	Mensaje     string   `json:"mensaje,omitempty"`
}

type AnularRequest struct {
	Motivo string `json:"motivo_anulacion"`
}

type ReenviarRequest struct {
	DocumentoID string `json:"id_documento"`
	Motivo      string `json:"motivo_reenvio"`
	Asunto      string `json:"asunto,omitempty"`
	Mensaje     string `json:"mensaje,omitempty"`
}

type ValidarCodigoRequest struct {
	Codigo string `json:"codigo" pattern:"^[0-9]{6}$"`
}

type FirmarRequest struct {
	Codigo         string `json:"codigo" pattern:"^[0-9]{6}$"`
	AceptaTerminos bool   `json:"acepta_terminos"`
}

type ResponderRequest struct {
	AceptaConformidad bool `json:"acepta_conformidad"`
}

type CrearObservacionRequest struct {
	Tipo        string `json:"tipo" enum:"CONSULTA,CORRECCION_REQUERIDA,INFORMACION_ADICIONAL"`
	Descripcion string `json:"descripcion" minLength:"1"`
}

type ResolverObservacionRequest struct {
	Respuesta            string `json:"respuesta" minLength:"1"`
	IncluyeReenvio       bool   `json:"incluye_reenvio,omitempty"`
	DocumentoCorregidoID string `json:"id_documento_corregido,omitempty"`
	AsuntoReenvio        string `json:"asunto_reenvio,omitempty"`
	MensajeReenvio       string `json:"mensaje_reenvio,omitempty"`
}

type DevLoginRequest struct {
	UsuarioID string `json:"id_usuario"`
}

// Response payloads

type TramiteList struct {
	Items      []domain.Tramite `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ValidacionResponse struct {
	Valido bool `json:"valido"`
}

type MarcadasResponse struct {
	Marcadas int64 `json:"marcadas"`
}

type WhoAmIResponse struct {
	UsuarioID string   `json:"id_usuario"`
	Activo    bool     `json:"activo"`
	AreaID    string   `json:"id_area,omitempty"`
	Roles     []string `json:"roles"`
	Source    string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
