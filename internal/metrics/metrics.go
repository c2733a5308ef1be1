package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters. Each instance owns its registry so several engines can
// live in one process. A nil *Metrics is a valid no-op.
type Metrics struct {
	Registry *prometheus.Registry

	Transitions          *prometheus.CounterVec
	CodesIssued          prometheus.Counter
	CodeValidations      *prometheus.CounterVec
	Lockouts             prometheus.Counter
	NotificationFailures *prometheus.CounterVec
	MailFailures         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tramiteline_tramite_transitions_total",
			Help: "Total number of trámite state transitions by target state",
		}, []string{"estado"}),
		CodesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "tramiteline_verification_codes_issued_total",
			Help: "Total number of verification codes issued",
		}),
		CodeValidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tramiteline_verification_code_validations_total",
			Help: "Verification code validation attempts by outcome",
		}, []string{"outcome"}),
		Lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "tramiteline_verification_lockouts_total",
			Help: "Total number of users locked out after exhausting attempts",
		}),
		NotificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tramiteline_notification_failures_total",
			Help: "Post-commit notification deliveries that failed, by sink",
		}, []string{"sink"}),
		MailFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tramiteline_mail_failures_total",
			Help: "Mail deliveries that failed, by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Transition(estado string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(estado).Inc()
}

func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.CodesIssued.Inc()
}

// CodeValidation records one attempt. outcome is one of ok, mismatch, expired, locked.
func (m *Metrics) CodeValidation(outcome string) {
	if m == nil {
		return
	}
	m.CodeValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

func (m *Metrics) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.NotificationFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) MailFailed(kind string) {
	if m == nil {
		return
	}
	m.MailFailures.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
