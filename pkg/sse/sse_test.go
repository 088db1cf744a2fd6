package sse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)
	if sw == nil {
		t.Fatal("expected non-nil Writer from httptest.ResponseRecorder")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if conn := rec.Header().Get("Connection"); conn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", conn)
	}
}

// nonFlushWriter does not implement http.Flusher.
type nonFlushWriter struct {
	http.ResponseWriter
}

func TestNewWriter_NoFlusher(t *testing.T) {
	sw := NewWriter(&nonFlushWriter{})
	if sw != nil {
		t.Error("expected nil Writer when ResponseWriter does not support Flusher")
	}
}

func TestSendHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	if err := sw.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if !strings.Contains(rec.Body.String(), ": heartbeat\n\n") {
		t.Errorf("missing heartbeat comment frame in %q", rec.Body.String())
	}
}

func TestSendMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	msg := map[string]any{"jsonrpc": "2.0", "method": "notifications/progress"}
	if err := sw.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: message") {
		t.Error("missing 'event: message' line")
	}

	data := extractData(t, body, "message")
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if parsed["method"] != "notifications/progress" {
		t.Errorf("unexpected payload: %v", parsed)
	}
}

func TestMultipleEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	_ = sw.SendHeartbeat()
	_ = sw.SendMessage(map[string]string{"a": "1"})
	_ = sw.SendHeartbeat()
	_ = sw.SendMessage(map[string]string{"a": "2"})

	body := rec.Body.String()
	if got := strings.Count(body, ": heartbeat"); got != 2 {
		t.Errorf("heartbeat frames = %d, want 2", got)
	}
	if got := strings.Count(body, "event: message"); got != 2 {
		t.Errorf("message events = %d, want 2", got)
	}
}

// extractData finds the data line for the first occurrence of the given event type.
func extractData(t *testing.T, body, eventType string) string {
	t.Helper()
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line == "event: "+eventType {
			if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "data: ") {
				return strings.TrimPrefix(lines[i+1], "data: ")
			}
		}
	}
	t.Fatalf("no data found for event type %q in:\n%s", eventType, body)
	return ""
}
