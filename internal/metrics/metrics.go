// Package metrics exposes the control plane's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters. A nil *Metrics records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	provisionSteps *prometheus.CounterVec
	healthChecks   *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		provisionSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devforge_provision_steps_total",
			Help: "Provisioning and lifecycle step outcomes.",
		}, []string{"step", "status"}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devforge_health_checks_total",
			Help: "Health check classifications.",
		}, []string{"health"}),
	}
}

// ObserveStep counts one step outcome.
func (m *Metrics) ObserveStep(step, status string) {
	if m == nil {
		return
	}
	m.provisionSteps.WithLabelValues(step, status).Inc()
}

// ObserveHealth counts one health classification.
func (m *Metrics) ObserveHealth(health string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(health).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
