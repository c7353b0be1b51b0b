package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the governance core.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	proposalsTotal *prometheus.CounterVec
	breakerTrips   prometheus.Counter
	breakerDenials *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec
	stalePending   prometheus.Gauge
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	proposals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_proposals_total",
		Help: "Proposals handled by the action gateway, by verdict and risk level.",
	}, []string{"verdict", "risk"})
	trips := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsgate_breaker_trips_total",
		Help: "Times an actor breaker transitioned to open.",
	})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_breaker_denials_total",
		Help: "Evaluations blocked by the breaker, by cause.",
	}, []string{"cause"})
	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_rollbacks_total",
		Help: "Rollback attempts, by outcome.",
	}, []string{"outcome"})
	stale := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsgate_stale_pending_decisions",
		Help: "Executable decisions still pending past the scan cutoff.",
	})
	registry.MustRegister(proposals, trips, denials, rollbacks, stale)
	return &Metrics{
		registry:       registry,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		proposalsTotal: proposals,
		breakerTrips:   trips,
		breakerDenials: denials,
		rollbacksTotal: rollbacks,
		stalePending:   stale,
	}
}

// Registerer exposes the underlying registry so other components can
// add their collectors to the same /metrics endpoint.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveProposal counts one gateway verdict.
func (m *Metrics) ObserveProposal(verdict, risk string) {
	if m == nil {
		return
	}
	m.proposalsTotal.WithLabelValues(verdict, risk).Inc()
}

// ObserveBreakerTrip counts a breaker opening.
func (m *Metrics) ObserveBreakerTrip() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

// ObserveBreakerDenial counts an evaluation blocked by the breaker.
func (m *Metrics) ObserveBreakerDenial(cause string) {
	if m == nil {
		return
	}
	m.breakerDenials.WithLabelValues(cause).Inc()
}

// ObserveRollback counts one rollback attempt outcome.
func (m *Metrics) ObserveRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(outcome).Inc()
}

// SetStalePending records the latest stale-pending scan result.
func (m *Metrics) SetStalePending(count int) {
	if m == nil {
		return
	}
	m.stalePending.Set(float64(count))
}
