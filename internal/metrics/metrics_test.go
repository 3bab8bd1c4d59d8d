package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveStep("create_machine", "success")
	m.ObserveHealth("healthy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`devforge_provision_steps_total{status="success",step="create_machine"} 1`,
		`devforge_health_checks_total{health="healthy"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in:\n%s", want, body)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveStep("x", "y")
	m.ObserveHealth("z")
}
