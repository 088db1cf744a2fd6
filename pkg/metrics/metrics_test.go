package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("tools/call", 200, 50*time.Millisecond)
	m.RecordRequest("tools/call", 200, 100*time.Millisecond)
	m.RecordRequest("tools/call", 400, 5*time.Millisecond)

	val := counterValue(t, m.RequestsTotal, "method", "tools/call", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "method", "tools/call", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordToolCall(t *testing.T) {
	m := New()
	m.RecordToolCall("search", "ok", 200*time.Millisecond)
	m.RecordToolCall("search", "ok", 300*time.Millisecond)
	m.RecordToolCall("search", "rate_limited", 5*time.Millisecond)
	m.RecordToolCall("fetch", "not_found", 10*time.Millisecond)

	if val := counterValue(t, m.ToolCallsTotal, "tool", "search", "outcome", "ok"); val != 2 {
		t.Errorf("expected 2 ok search calls, got %f", val)
	}
	if val := counterValue(t, m.ToolCallsTotal, "tool", "search", "outcome", "rate_limited"); val != 1 {
		t.Errorf("expected 1 rate-limited search call, got %f", val)
	}
	if val := counterValue(t, m.ToolCallsTotal, "tool", "fetch", "outcome", "not_found"); val != 1 {
		t.Errorf("expected 1 not-found fetch call, got %f", val)
	}
}

func TestRecordRateLimitDenial(t *testing.T) {
	m := New()
	m.RecordRateLimitDenial("short")
	m.RecordRateLimitDenial("short")
	m.RecordRateLimitDenial("long")

	if val := counterValue(t, m.RateLimitDenials, "window", "short"); val != 2 {
		t.Errorf("expected 2 short denials, got %f", val)
	}
	if val := counterValue(t, m.RateLimitDenials, "window", "long"); val != 1 {
		t.Errorf("expected 1 long denial, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("ping", 200, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "quarry_requests_total") {
		t.Error("metrics output missing quarry_requests_total")
	}
	if !strings.Contains(body, "quarry_request_duration_seconds") {
		t.Error("metrics output missing quarry_request_duration_seconds")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing go runtime metrics")
	}
}

func TestSessionsActiveGauge(t *testing.T) {
	m := New()
	m.SessionsActive.Inc()
	m.SessionsActive.Inc()
	m.SessionsActive.Dec()

	var metric dto.Metric
	if err := m.SessionsActive.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active session, got %f", metric.GetGauge().GetValue())
	}
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
