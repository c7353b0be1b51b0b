package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsEndpointExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveProposal("auto_approve", "low")
	m.ObserveProposal("deny", "critical")
	m.ObserveBreakerTrip()
	m.ObserveRollback("success")
	m.SetStalePending(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`opsgate_proposals_total{risk="low",verdict="auto_approve"} 1`,
		`opsgate_proposals_total{risk="critical",verdict="deny"} 1`,
		`opsgate_breaker_trips_total 1`,
		`opsgate_rollbacks_total{outcome="success"} 1`,
		`opsgate_stale_pending_decisions 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProposal("deny", "low")
	m.ObserveBreakerTrip()
	m.ObserveBreakerDenial("cooldown")
	m.ObserveRollback("refused")
	m.SetStalePending(0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rec.Code)
	}
}
