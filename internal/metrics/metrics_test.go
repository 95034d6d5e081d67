package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func TestObservePrediction(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObservePrediction("BLOCK", 0.95, 12*time.Millisecond)
	r.ObservePrediction("BLOCK", 0.9, 8*time.Millisecond)
	r.ObservePrediction("ALLOW", 0.1, 3*time.Millisecond)

	if v := counterValue(t, r.predictions, "BLOCK"); v != 2 {
		t.Errorf("expected 2 BLOCK predictions, got %f", v)
	}
	if v := counterValue(t, r.predictions, "ALLOW"); v != 1 {
		t.Errorf("expected 1 ALLOW prediction, got %f", v)
	}

	m := &dto.Metric{}
	_ = r.predictionDuration.Write(m)
	if m.Histogram.GetSampleCount() != 3 {
		t.Errorf("expected 3 duration samples, got %d", m.Histogram.GetSampleCount())
	}
}

func TestObserveCounters(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObserveStoreUnavailable("append")
	r.ObserveStoreUnavailable("append")
	r.ObserveFailure("SCORED")
	r.ObserveRuleHits([]string{"velocity-count", "unknown-device-high-risk"})
	r.ObserveSideEffectFailure("audit")

	if v := counterValue(t, r.storeUnavailable, "append"); v != 2 {
		t.Errorf("expected 2, got %f", v)
	}
	if v := counterValue(t, r.failures, "SCORED"); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
	if v := counterValue(t, r.ruleHits, "velocity-count"); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
	if v := counterValue(t, r.sideEffectFailures, "audit"); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	// None of these may panic.
	r.ObservePrediction("ALLOW", 0.1, time.Millisecond)
	r.ObserveStage("SCORED", time.Millisecond)
	r.ObserveFailure("SCORED")
	r.ObserveStoreUnavailable("append")
	r.ObserveDegradedSequence()
	r.ObserveRuleHits([]string{"x"})
	r.ObserveSideEffectFailure("audit")
	r.ObserveHTTP("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil recorder handler, got %d", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.ObserveDegradedSequence()
	r.ObserveHTTP("POST", "/v1/predict", 200, 5*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"merlin_degraded_sequences_total 1",
		`merlin_http_requests_total{method="POST",route="/v1/predict",status="200"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}
