package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics response")
	}

	// Gauges always appear; counter vecs only after the first
	// observation.
	for _, name := range []string{
		"loansbot_workers_up",
		"loansbot_db_open_connections",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}

	SummonsTotal.WithLabelValues("loan", "ok").Inc()

	w = httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "loansbot_summons_total") {
		t.Error("expected loansbot_summons_total after incrementing")
	}
}
