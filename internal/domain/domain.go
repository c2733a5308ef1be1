package domain

// Trámite states.
const (
	EstadoEnviado    = "ENVIADO"
	EstadoAbierto    = "ABIERTO"
	EstadoLeido      = "LEIDO"
	EstadoFirmado    = "FIRMADO"
	EstadoRespondido = "RESPONDIDO"
	EstadoAnulado    = "ANULADO"
)

// Estados lists the trámite states in lifecycle order.
var Estados = []string{EstadoEnviado, EstadoAbierto, EstadoLeido, EstadoFirmado, EstadoRespondido, EstadoAnulado}

// Observation types.
const (
	ObservacionConsulta             = "CONSULTA"
	ObservacionCorreccionRequerida  = "CORRECCION_REQUERIDA"
	ObservacionInformacionAdicional = "INFORMACION_ADICIONAL"
)

// Historial actions.
const (
	AccionCreacion              = "CREACION"
	AccionApertura              = "APERTURA"
	AccionLectura               = "LECTURA"
	AccionFirma                 = "FIRMA"
	AccionRespuesta             = "RESPUESTA"
	AccionAnulacion             = "ANULACION"
	AccionObservacion           = "OBSERVACION"
	AccionObservacionResuelta   = "OBSERVACION_RESUELTA"
	AccionReenvio               = "REENVIO"
	AccionReenvioPorObservacion = "REENVIO_POR_OBSERVACION"
)

// Roles.
const (
	RolAdmin       = "ADMIN"
	RolResponsable = "RESP"
	RolTrabajador  = "TRAB"
)

// ValidEstado reports whether s is one of the closed trámite states.
func ValidEstado(s string) bool {
	switch s {
	case EstadoEnviado, EstadoAbierto, EstadoLeido, EstadoFirmado, EstadoRespondido, EstadoAnulado:
		return true
	}
	return false
}

// ValidTipoObservacion reports whether s is a known observation type.
func ValidTipoObservacion(s string) bool {
	switch s {
	case ObservacionConsulta, ObservacionCorreccionRequerida, ObservacionInformacionAdicional:
		return true
	}
	return false
}

// ValidRol reports whether s is a known role code.
func ValidRol(s string) bool {
	return s == RolAdmin || s == RolResponsable || s == RolTrabajador
}

type Tramite struct {
	ID                string  `json:"id"`
	Codigo            string  `json:"codigo"`
	Estado            string  `json:"estado" enum:"ENVIADO,ABIERTO,LEIDO,FIRMADO,RESPONDIDO,ANULADO"`
	DocumentoID       string  `json:"id_documento"`
	RemitenteID       string  `json:"id_remitente"`
	AreaRemitenteID   string  `json:"id_area_remitente"`
	ReceptorID        string  `json:"id_receptor"`
	Asunto            string  `json:"asunto"`
	Mensaje           string  `json:"mensaje,omitempty"`
	RequiereFirma     bool    `json:"requiere_firma"`
	RequiereRespuesta bool    `json:"requiere_respuesta"`
	FechaEnvio        string  `json:"fecha_envio" format:"date-time"`
	FechaAbierto      *string `json:"fecha_abierto,omitempty" format:"date-time"`
	FechaLeido        *string `json:"fecha_leido,omitempty" format:"date-time"`
	FechaFirmado      *string `json:"fecha_firmado,omitempty" format:"date-time"`
	FechaRespondido   *string `json:"fecha_respondido,omitempty" format:"date-time"`
	FechaAnulado      *string `json:"fecha_anulado,omitempty" format:"date-time"`
	EsReenvio         bool    `json:"es_reenvio"`
	TramiteOriginalID *string `json:"id_tramite_original,omitempty"`
	NumeroVersion     int     `json:"numero_version"`
	MotivoReenvio     *string `json:"motivo_reenvio,omitempty"`
	AnuladoPor        *string `json:"anulado_por,omitempty"`
	MotivoAnulacion   *string `json:"motivo_anulacion,omitempty"`
}

// Terminal reports whether the trámite can no longer change state.
func (t Tramite) Terminal() bool {
	return t.Estado == EstadoFirmado || t.Estado == EstadoRespondido || t.Estado == EstadoAnulado
}

// ChainRoot returns the id of the first version of the reenvío chain.
func (t Tramite) ChainRoot() string {
	if t.TramiteOriginalID != nil && *t.TramiteOriginalID != "" {
		return *t.TramiteOriginalID
	}
	return t.ID
}

type HistorialEntry struct {
	ID               int64          `json:"id"`
	TramiteID        string         `json:"id_tramite"`
	Accion           string         `json:"accion"`
	Detalle          string         `json:"detalle"`
	EstadoAnterior   *string        `json:"estado_anterior,omitempty"`
	EstadoNuevo      *string        `json:"estado_nuevo,omitempty"`
	RealizadoPor     string         `json:"realizado_por"`
	IPAddress        string         `json:"ip_address,omitempty"`
	DatosAdicionales map[string]any `json:"datos_adicionales,omitempty"`
	Fecha            string         `json:"fecha" format:"date-time"`
}

type Observacion struct {
	ID              string  `json:"id"`
	TramiteID       string  `json:"id_tramite"`
	CreadoPor       string  `json:"creado_por"`
	Tipo            string  `json:"tipo" enum:"CONSULTA,CORRECCION_REQUERIDA,INFORMACION_ADICIONAL"`
	Descripcion     string  `json:"descripcion"`
	Resuelta        bool    `json:"resuelta"`
	FechaCreacion   string  `json:"fecha_creacion" format:"date-time"`
	FechaResolucion *string `json:"fecha_resolucion,omitempty" format:"date-time"`
	ResueltoPor     *string `json:"resuelto_por,omitempty"`
	Respuesta       *string `json:"respuesta,omitempty"`
}

type FirmaElectronica struct {
	ID             string `json:"id"`
	TramiteID      string `json:"id_tramite"`
	AceptaTerminos bool   `json:"acepta_terminos"`
	IPAddress      string `json:"ip_address"`
	Navegador      string `json:"navegador"`
	Dispositivo    string `json:"dispositivo"`
	FechaFirma     string `json:"fecha_firma" format:"date-time"`
}

type RespuestaTramite struct {
	ID             string `json:"id"`
	TramiteID      string `json:"id_tramite"`
	TextoRespuesta string `json:"texto_respuesta"`
	EstaConforme   bool   `json:"esta_conforme"`
	IPAddress      string `json:"ip_address"`
	Navegador      string `json:"navegador"`
	Dispositivo    string `json:"dispositivo"`
	FechaRespuesta string `json:"fecha_respuesta" format:"date-time"`
}

type CodigoVerificacion struct {
	ID               string  `json:"id"`
	TramiteID        string  `json:"id_tramite"`
	UsuarioID        string  `json:"id_usuario"`
	Codigo           string  `json:"-"`
	EmailDestino     string  `json:"email_destino"`
	ExpiraEn         string  `json:"expira_en" format:"date-time"`
	Usado            bool    `json:"usado"`
	IntentosFallidos int     `json:"intentos_fallidos"`
	BloqueadoHasta   *string `json:"bloqueado_hasta,omitempty" format:"date-time"`
	IPAddress        string  `json:"ip_address,omitempty"`
	UserAgent        string  `json:"user_agent,omitempty"`
	FechaCreacion    string  `json:"fecha_creacion" format:"date-time"`
	FechaUso         *string `json:"fecha_uso,omitempty" format:"date-time"`
	Version          int64   `json:"-"`
}

type Area struct {
	ID     string `json:"id"`
	Nombre string `json:"nombre"`
}

type Usuario struct {
	ID        string   `json:"id"`
	DNI       string   `json:"dni"`
	Nombres   string   `json:"nombres"`
	Apellidos string   `json:"apellidos"`
	Correo    string   `json:"correo"`
	Activo    bool     `json:"activo"`
	AreaID    string   `json:"id_area,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// NombreCompleto joins names and surnames.
func (u Usuario) NombreCompleto() string {
	if u.Apellidos == "" {
		return u.Nombres
	}
	return u.Nombres + " " + u.Apellidos
}

type TipoDocumento struct {
	ID                string `json:"id"`
	Codigo            string `json:"codigo"`
	Nombre            string `json:"nombre"`
	RequiereFirma     bool   `json:"requiere_firma"`
	RequiereRespuesta bool   `json:"requiere_respuesta"`
}

type Documento struct {
	ID            string `json:"id"`
	Titulo        string `json:"titulo"`
	TipoID        string `json:"id_tipo"`
	RutaArchivo   string `json:"ruta_archivo,omitempty"`
	CreadoPor     string `json:"creado_por"`
	FechaCreacion string `json:"fecha_creacion" format:"date-time"`
}

// DocumentoTipo is the narrow projection the lifecycle needs from a document.
type DocumentoTipo struct {
	DocumentoID       string
	Titulo            string
	RequiereFirma     bool
	RequiereRespuesta bool
}

type Notificacion struct {
	ID            int64   `json:"id"`
	UsuarioID     string  `json:"id_usuario"`
	TramiteID     *string `json:"id_tramite,omitempty"`
	Tipo          string  `json:"tipo"`
	Titulo        string  `json:"titulo"`
	Mensaje       string  `json:"mensaje"`
	Leida         bool    `json:"leida"`
	FechaCreacion string  `json:"fecha_creacion" format:"date-time"`
	FechaLeida    *string `json:"fecha_leida,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UsuarioID string `json:"id_usuario"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
