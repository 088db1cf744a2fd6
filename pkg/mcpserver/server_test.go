package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/tools"
	"github.com/quarrylabs/quarry/pkg/types"
)

type fakeRunner struct {
	result *mcp.CallToolResult
	err    error
	block  bool
	calls  int
}

func (f *fakeRunner) Call(ctx context.Context, req mcp.CallToolRequest, id types.Identity) (*mcp.CallToolResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return mcp.NewToolResultText("ok"), nil
}

type fakeIdentity struct {
	id types.Identity
}

func (f *fakeIdentity) Resolve(ctx context.Context, req *http.Request) types.Identity {
	return f.id
}

func noopTracer(t *testing.T) *telemetry.Provider {
	t.Helper()
	tracer, err := telemetry.Init(context.Background(), config.TracingConfig{}, "test")
	if err != nil {
		t.Fatalf("telemetry init: %v", err)
	}
	return tracer
}

func newTestServer(t *testing.T, stateful bool, runner ToolRunner, id types.Identity) (*Server, *Registry, *Inflight) {
	t.Helper()
	sessions := NewRegistry(nil, zerolog.Nop())
	inflight := NewInflight()
	t.Cleanup(func() {
		sessions.Close()
		inflight.Close()
	})
	cfg := config.ServerConfig{
		Sessions:       stateful,
		RequestTimeout: 5 * time.Second,
		StreamTimeout:  time.Minute,
	}
	srv := New(cfg, runner, &fakeIdentity{id: id}, sessions, inflight, metrics.New(), noopTracer(t), zerolog.Nop(), "test", tools.Definitions(10))
	return srv, sessions, inflight
}

func postRPC(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return &resp
}

func initializeSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test-client"}}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize returned %d: %s", rec.Code, rec.Body.String())
	}
	sid := rec.Header().Get(sessionHeader)
	if sid == "" {
		t.Fatal("initialize did not return a session id")
	}
	return sid
}

func TestInitialize_NegotiatesVersion(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`, nil)
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("expected requested version kept, got %v", result["protocolVersion"])
	}
	caps := result["capabilities"].(map[string]any)
	toolsCap := caps["tools"].(map[string]any)
	if toolsCap["listChanged"] != true {
		t.Errorf("expected tools.listChanged true, got %v", toolsCap["listChanged"])
	}
	if _, ok := caps["logging"]; !ok {
		t.Error("expected logging capability advertised")
	}

	rec = postRPC(t, h, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported version, got %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", resp.Error)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected error data with supported versions, got %v", resp.Error.Data)
	}
	supported, ok := data["supported"].([]any)
	if !ok || len(supported) != len(supportedProtocolVersions) {
		t.Errorf("expected %d supported versions in error data, got %v", len(supportedProtocolVersions), data["supported"])
	}
}

func TestToolsCall_WithoutSession(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeNotInitialized {
		t.Errorf("expected not-initialized error, got %+v", resp.Error)
	}
}

func TestToolsCall_FullFlow(t *testing.T) {
	runner := &fakeRunner{}
	srv, _, _ := newTestServer(t, true, runner, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`,
		map[string]string{sessionHeader: sid})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if runner.calls != 1 {
		t.Errorf("expected runner invoked once, got %d", runner.calls)
	}
}

func TestToolsCall_SessionIdentityMismatch(t *testing.T) {
	srv, sessions, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()

	other := sessions.Create("ip:10.0.0.1", defaultProtocolVersion)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`,
		map[string]string{sessionHeader: other.ID})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Errorf("expected invalid-request error, got %+v", resp.Error)
	}
}

func TestToolsCall_Stateless(t *testing.T) {
	runner := &fakeRunner{}
	srv, _, _ := newTestServer(t, false, runner, types.Identity{Anonymous: true, IP: "1.2.3.4"})

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stateless call should not need a session, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.calls != 1 {
		t.Errorf("expected runner invoked once, got %d", runner.calls)
	}
}

func TestToolsCall_Timeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	sessions := NewRegistry(nil, zerolog.Nop())
	inflight := NewInflight()
	t.Cleanup(func() {
		sessions.Close()
		inflight.Close()
	})
	cfg := config.ServerConfig{Sessions: false, RequestTimeout: 20 * time.Millisecond}
	srv := New(cfg, runner, &fakeIdentity{id: types.Identity{UserID: "u1"}}, sessions, inflight, nil, noopTracer(t), zerolog.Nop(), "test", nil)

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`, nil)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInternalError {
		t.Fatalf("expected internal error, got %+v", resp.Error)
	}
	if resp.Error.Message != "Query timeout" {
		t.Errorf("expected query timeout message, got %q", resp.Error.Message)
	}
}

func TestToolsCall_CancelledRequestGetsNoResponse(t *testing.T) {
	runner := &fakeRunner{block: true}
	srv, _, inflight := newTestServer(t, true, runner, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postRPC(t, h, `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`,
			map[string]string{sessionHeader: sid})
	}()

	waitUntil := time.Now().Add(2 * time.Second)
	for inflight.Len() == 0 {
		if time.Now().After(waitUntil) {
			t.Fatal("tool call was never registered as inflight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	postRPC(t, h, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`,
		map[string]string{sessionHeader: sid})

	rec := <-done
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for cancelled call, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("cancelled call must produce no response body, got %s", rec.Body.String())
	}
}

func TestToolsCall_RateLimitSurfacedAsError(t *testing.T) {
	runner := &fakeRunner{err: &tools.ProtocolError{Code: tools.CodeRateLimited, Message: "Rate limit exceeded"}}
	srv, _, _ := newTestServer(t, false, runner, types.Identity{Anonymous: true, IP: "1.2.3.4"})

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{"query":"q"}}}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func TestToolsList(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, map[string]string{sessionHeader: sid})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"search"`) || !strings.Contains(rec.Body.String(), `"fetch"`) {
		t.Errorf("tools/list missing tool definitions: %s", rec.Body.String())
	}
}

func TestPing(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","id":5,"method":"ping"}`, map[string]string{sessionHeader: sid})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Errorf("ping should succeed, got %+v", resp.Error)
	}
}

func TestNotification_Returns202(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, map[string]string{sessionHeader: sid})
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 for notification, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("notification response should have no body, got %q", rec.Body.String())
	}
}

func TestParseError(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{})

	rec := postRPC(t, srv.Handler(), `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _, _ := newTestServer(t, false, &fakeRunner{}, types.Identity{})

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestInvalidJSONRPCVersion(t *testing.T) {
	srv, _, _ := newTestServer(t, false, &fakeRunner{}, types.Identity{})

	rec := postRPC(t, srv.Handler(), `{"jsonrpc":"1.0","id":1,"method":"ping"}`, nil)
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Errorf("expected invalid-request, got %+v", resp.Error)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestStream_HeartbeatsUntilTimeout(t *testing.T) {
	sessions := NewRegistry(nil, zerolog.Nop())
	inflight := NewInflight()
	t.Cleanup(func() {
		sessions.Close()
		inflight.Close()
	})
	cfg := config.ServerConfig{Sessions: false, RequestTimeout: time.Second, StreamTimeout: 30 * time.Millisecond}
	srv := New(cfg, &fakeRunner{}, &fakeIdentity{}, sessions, inflight, nil, noopTracer(t), zerolog.Nop(), "test", nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}
}

func TestStream_OutlivesServerWriteTimeout(t *testing.T) {
	sessions := NewRegistry(nil, zerolog.Nop())
	inflight := NewInflight()
	t.Cleanup(func() {
		sessions.Close()
		inflight.Close()
	})
	cfg := config.ServerConfig{Sessions: false, RequestTimeout: time.Second, StreamTimeout: 300 * time.Millisecond}
	srv := New(cfg, &fakeRunner{}, &fakeIdentity{}, sessions, inflight, nil, noopTracer(t), zerolog.Nop(), "test", nil)

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config.WriteTimeout = 50 * time.Millisecond
	ts.Start()
	defer ts.Close()

	start := time.Now()
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	// The body stays open until StreamTimeout; the server's WriteTimeout
	// must not sever it first.
	_, _ = io.Copy(io.Discard, resp.Body)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("stream closed after %v, before the configured stream timeout", elapsed)
	}
}

func TestSession_Expiry(t *testing.T) {
	now := time.Now()
	s := &Session{CreatedAt: now, lastActivity: now}

	if s.Expired(now.Add(time.Hour)) {
		t.Error("fresh session should not be expired")
	}
	if !s.Expired(now.Add(maxSessionAge + time.Minute)) {
		t.Error("session past max age should be expired")
	}

	s.Touch(now.Add(time.Hour))
	if !s.Expired(now.Add(time.Hour + idleTimeout + time.Minute)) {
		t.Error("idle session should be expired")
	}
	if s.Expired(now.Add(time.Hour + idleTimeout - time.Minute)) {
		t.Error("recently active session should not be expired")
	}
}

func TestSession_PingEMA(t *testing.T) {
	now := time.Now()
	s := &Session{CreatedAt: now, lastActivity: now}

	s.RecordPing(now)
	if s.PingInterval() != 0 {
		t.Error("single ping should not produce an interval")
	}

	s.RecordPing(now.Add(10 * time.Second))
	if s.PingInterval() != 10*time.Second {
		t.Errorf("first interval seeds the EMA, got %v", s.PingInterval())
	}

	s.RecordPing(now.Add(30 * time.Second))
	// 0.2*20s + 0.8*10s = 12s
	if got := s.PingInterval(); got != 12*time.Second {
		t.Errorf("expected smoothed interval 12s, got %v", got)
	}
}

func TestRegistry_GetRemovesExpired(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	t.Cleanup(r.Close)

	s := r.Create("u1", defaultProtocolVersion)
	r.now = func() time.Time { return time.Now().Add(maxSessionAge + time.Hour) }

	if _, ok := r.Get(s.ID); ok {
		t.Error("expired session should be evicted on access")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestInflight_CancelMatchesIdentity(t *testing.T) {
	f := NewInflight()
	t.Cleanup(f.Close)

	ctx, cancel := context.WithCancel(context.Background())
	f.Register("s1", "1", "u1", cancel)

	if f.Cancel("s1", "1", "u2") {
		t.Error("cancellation from another identity must not match")
	}
	if ctx.Err() != nil {
		t.Fatal("request must not be cancelled by a mismatched identity")
	}

	if !f.Cancel("s1", "1", "u1") {
		t.Error("matching cancellation should succeed")
	}
	if ctx.Err() == nil {
		t.Error("request context should be cancelled")
	}
}

func TestInflight_LateCancelWithinGrace(t *testing.T) {
	f := NewInflight()
	t.Cleanup(f.Close)

	_, cancel := context.WithCancel(context.Background())
	f.Register("s1", "7", "u1", cancel)
	f.Done("s1", "7")

	if !f.Cancel("s1", "7", "u1") {
		t.Error("cancellation just after completion should still match")
	}
}

func TestInflight_SweepDropsFinished(t *testing.T) {
	f := NewInflight()
	t.Cleanup(f.Close)

	_, cancel := context.WithCancel(context.Background())
	f.Register("s1", "9", "u1", cancel)
	f.Done("s1", "9")

	f.now = func() time.Time { return time.Now().Add(cancelGrace + time.Second) }
	f.sweep()

	if f.Len() != 0 {
		t.Errorf("expected finished entry swept, got %d", f.Len())
	}
}

func TestProgressReporter_MonotonicAndThrottled(t *testing.T) {
	var sent []progressNotification
	p := NewProgressReporter(json.RawMessage(`"tok"`), func(n progressNotification) {
		sent = append(sent, n)
	})
	base := time.Now()
	now := base
	p.now = func() time.Time { return now }

	p.Report(1, 10, "")
	p.Report(0.5, 10, "") // regression, dropped
	now = now.Add(time.Second)
	p.Report(2, 10, "")
	p.Report(3, 10, "") // throttled
	now = now.Add(time.Second)
	p.Report(10, 10, "done") // final always delivered

	if len(sent) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(sent))
	}
	if sent[0].Params.Progress != 1 || sent[1].Params.Progress != 2 || sent[2].Params.Progress != 10 {
		t.Errorf("unexpected progress sequence: %+v", sent)
	}
	for i := 1; i < len(sent); i++ {
		if sent[i].Params.Progress <= sent[i-1].Params.Progress {
			t.Error("progress must be monotonic")
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{codeParseError, 400},
		{codeInvalidRequest, 400},
		{codeMethodNotFound, 400},
		{codeInvalidParams, 400},
		{codeInternalError, 500},
		{codeNotInitialized, 503},
		{codeRateLimited, 429},
		{-99999, 500},
	}
	for _, tt := range tests {
		if got := httpStatusFor(tt.code); got != tt.want {
			t.Errorf("httpStatusFor(%d) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestSessionDelete(t *testing.T) {
	srv, sessions, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()
	sid := initializeSession(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.Header.Set(sessionHeader, sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if sessions.Len() != 0 {
		t.Errorf("expected session removed, got %d live", sessions.Len())
	}
}

func TestConcurrentSessions(t *testing.T) {
	srv, sessions, _ := newTestServer(t, true, &fakeRunner{}, types.Identity{UserID: "u1"})
	h := srv.Handler()

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, i)
		rec := postRPC(t, h, body, nil)
		if rec.Header().Get(sessionHeader) == "" {
			t.Fatal("missing session id")
		}
	}
	if sessions.Len() != 5 {
		t.Errorf("expected 5 sessions, got %d", sessions.Len())
	}
}
