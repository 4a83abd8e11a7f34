// Package metrics exposes Prometheus collectors for run transitions, policy
// denials and changeset writes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	changesetWrites *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	runsClaimed     prometheus.Counter
}

// New creates and registers the control-plane collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		changesetWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "changeset_writes_total",
			Help: "Changeset write attempts by outcome.",
		}, []string{"outcome"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Policy denials by reason code.",
		}, []string{"reason_code"}),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "run_transitions_total",
			Help: "Run status transitions by target status.",
		}, []string{"status"}),
		runsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runs_claimed_total",
			Help: "Runs awarded to workers by claim.",
		}),
	}
	reg.MustRegister(
		m.changesetWrites,
		m.policyDenials,
		m.runTransitions,
		m.runsClaimed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ChangesetWrite counts one write attempt with its outcome.
func (m *Metrics) ChangesetWrite(outcome string) {
	if m == nil {
		return
	}
	m.changesetWrites.WithLabelValues(outcome).Inc()
}

// PolicyDenied counts one denial.
func (m *Metrics) PolicyDenied(reasonCode string) {
	if m == nil {
		return
	}
	m.policyDenials.WithLabelValues(reasonCode).Inc()
}

// RunTransition counts a run entering status.
func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

// RunsClaimed counts runs awarded by one claim call.
func (m *Metrics) RunsClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.runsClaimed.Add(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
