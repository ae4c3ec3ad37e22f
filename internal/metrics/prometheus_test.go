package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(EventForwardOffer)
	m.Add(EventForwardCandidate, 3)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE pair_relay_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `pair_relay_events_total{event="forward_offer"} 1`) {
		t.Fatalf("missing forward_offer counter: %s", body)
	}
	if !strings.Contains(body, `pair_relay_events_total{event="forward_candidate"} 3`) {
		t.Fatalf("missing forward_candidate counter: %s", body)
	}
	// Label escaping must match Prometheus text format rules.
	if !strings.Contains(body, `pair_relay_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	m.Add("x", 2)
	if got := m.Get("x"); got != 0 {
		t.Fatalf("Get on nil = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("Snapshot on nil = %v, want nil", snap)
	}
}
