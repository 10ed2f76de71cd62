package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	r := New()
	r.ReconcilesTotal.WithLabelValues("success").Inc()
	r.SubsystemApplyTotal.WithLabelValues("proxy", "restart").Inc()
	r.LeaseState.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "nodeagent_reconciles_total") {
		t.Fatalf("missing reconciles_total metric: %s", body)
	}
	if !strings.Contains(body, "nodeagent_liveness_lease_state 1") {
		t.Fatalf("missing lease state gauge: %s", body)
	}
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.ReconcilesTotal.WithLabelValues("x").Inc()
	b.ReconcilesTotal.WithLabelValues("x").Inc()
}
