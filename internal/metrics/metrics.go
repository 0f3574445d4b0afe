// Package metrics provides the Prometheus collectors for registration and
// delivery outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registrations        *prometheus.CounterVec
	authorizations       *prometheus.CounterVec
	reconciliations      prometheus.Counter
	deletionFailures     prometheus.Counter
	tokenPublications    prometheus.Counter
	deliveries           *prometheus.CounterVec
	completions          *prometheus.CounterVec
	duplicateCompletions prometheus.Counter
	state                prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_transport_registrations_total",
				Help: "Transport registration events by outcome",
			},
			[]string{"outcome"},
		),
		authorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_authorization_results_total",
				Help: "Notification permission results by state",
			},
			[]string{"state"},
		),
		reconciliations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_binding_reconciliations_total",
				Help: "Forced application token regenerations after a transport token change",
			},
		),
		deletionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_application_token_deletion_failures_total",
				Help: "Failed application token deletions",
			},
		),
		tokenPublications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_application_token_publications_total",
				Help: "Token-changed events published to the application layer",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_deliveries_total",
				Help: "Notification events dispatched by delivery context",
			},
			[]string{"context"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_delivery_completions_total",
				Help: "Platform completion callbacks issued by delivery context and result",
			},
			[]string{"context", "result"},
		),
		duplicateCompletions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_delivery_duplicate_completions_total",
				Help: "Completion attempts dropped because the event was already completed",
			},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_registration_state",
				Help: "Current registration state (ordinal)",
			},
		),
	}

	reg.MustRegister(
		m.registrations,
		m.authorizations,
		m.reconciliations,
		m.deletionFailures,
		m.tokenPublications,
		m.deliveries,
		m.completions,
		m.duplicateCompletions,
		m.state,
	)
	return m
}

func (m *Metrics) Registration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Authorization(state string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(state).Inc()
}

func (m *Metrics) Reconciliation() {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
}

func (m *Metrics) DeletionFailure() {
	if m == nil {
		return
	}
	m.deletionFailures.Inc()
}

func (m *Metrics) TokenPublished() {
	if m == nil {
		return
	}
	m.tokenPublications.Inc()
}

func (m *Metrics) Delivery(context string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(context).Inc()
}

func (m *Metrics) Completion(context, result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(context, result).Inc()
}

func (m *Metrics) DuplicateCompletion() {
	if m == nil {
		return
	}
	m.duplicateCompletions.Inc()
}

func (m *Metrics) State(ordinal int) {
	if m == nil {
		return
	}
	m.state.Set(float64(ordinal))
}
