package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/sse"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/tools"
	"github.com/quarrylabs/quarry/pkg/types"
)

const (
	serverName = "quarry"

	// maxBodyBytes bounds a single JSON-RPC request body.
	maxBodyBytes = 1 << 20

	// heartbeatInterval paces SSE keep-alive frames.
	heartbeatInterval = 30 * time.Second

	sessionHeader  = "Mcp-Session-Id"
	protocolHeader = "MCP-Protocol-Version"
)

// IdentitySource resolves the identity behind an HTTP request.
type IdentitySource interface {
	Resolve(ctx context.Context, req *http.Request) types.Identity
}

// ToolRunner executes a named tool for an identity.
type ToolRunner interface {
	Call(ctx context.Context, req mcp.CallToolRequest, id types.Identity) (*mcp.CallToolResult, error)
}

// Server is the MCP streamable HTTP endpoint: JSON-RPC over POST, an
// SSE stream over GET, and a health probe.
type Server struct {
	cfg      config.ServerConfig
	runner   ToolRunner
	identity IdentitySource
	sessions *Registry
	inflight *Inflight
	metrics  *metrics.Metrics
	tracer   *telemetry.Provider
	logger   zerolog.Logger
	version  string

	toolDefs []mcp.Tool

	// streams holds per-session notification channels for attached SSE
	// readers.
	streams sync.Map
}

// New assembles the server around an executor and identity source.
func New(cfg config.ServerConfig, runner ToolRunner, identity IdentitySource, sessions *Registry, inflight *Inflight, m *metrics.Metrics, tracer *telemetry.Provider, logger zerolog.Logger, version string, toolDefs []mcp.Tool) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		identity: identity,
		sessions: sessions,
		inflight: inflight,
		metrics:  m,
		tracer:   tracer,
		logger:   logger,
		version:  version,
		toolDefs: toolDefs,
	}
}

// Handler returns the HTTP handler for the whole server surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleMCP)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","server":%q,"version":%q}`, serverName, s.version)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/mcp" {
		http.NotFound(w, r)
		return
	}

	setCORSHeaders(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+sessionHeader+", "+protocolHeader)
	h.Set("Access-Control-Expose-Headers", sessionHeader+", "+protocolHeader)
}

// handleDelete tears down the caller's session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Sessions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	id := r.Header.Get(sessionHeader)
	if id != "" {
		s.sessions.Remove(id)
		s.streams.Delete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves the server-to-client SSE channel: heartbeats plus
// any notifications queued for the session. The connection has a hard
// lifetime limit so dead clients cannot pin resources.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var notifyCh chan any
	sessionID := r.Header.Get(sessionHeader)
	if s.cfg.Sessions {
		if _, ok := s.sessions.Get(sessionID); !ok {
			writeJSONError(w, nil, codeNotInitialized, "Server not initialized: open a session with initialize first")
			return
		}
		notifyCh = make(chan any, 16)
		s.streams.Store(sessionID, notifyCh)
		defer s.streams.Delete(sessionID)
	}

	// The outer http.Server's WriteTimeout covers the whole response and
	// would sever the stream long before StreamTimeout. Lift it here and
	// bound each frame write individually instead.
	ctl := http.NewResponseController(w)
	_ = ctl.SetWriteDeadline(time.Time{})

	stream := sse.NewWriter(w)
	if stream == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	deadline := time.NewTimer(s.cfg.StreamTimeout)
	defer deadline.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			_ = ctl.SetWriteDeadline(time.Now().Add(heartbeatInterval))
			if err := stream.SendHeartbeat(); err != nil {
				return
			}
		case msg := <-notifyCh:
			_ = ctl.SetWriteDeadline(time.Now().Add(heartbeatInterval))
			if err := stream.SendMessage(msg); err != nil {
				return
			}
		}
	}
}

// publish queues a notification for the session's SSE reader, dropping
// it when no reader is attached or the buffer is full.
func (s *Server) publish(sessionID string, msg any) {
	v, ok := s.streams.Load(sessionID)
	if !ok {
		return
	}
	ch := v.(chan any)
	select {
	case ch <- msg:
	default:
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, nil, codeInternalError, "failed to read request body")
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		s.record("", http.StatusBadRequest, start)
		writeJSONError(w, nil, codeParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.record(req.Method, http.StatusBadRequest, start)
		writeJSONError(w, req.ID, codeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\" and method is required")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveRequests.Inc()
		defer s.metrics.ActiveRequests.Dec()
	}

	id := s.identity.Resolve(r.Context(), r)

	resp, sessionID := s.dispatch(r.Context(), &req, id, r)

	if req.isNotification() || resp == nil {
		s.record(req.Method, http.StatusAccepted, start)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if resp.Error != nil {
		status = httpStatusFor(resp.Error.Code)
	}
	if sessionID != "" {
		w.Header().Set(sessionHeader, sessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
	s.record(req.Method, status, start)
}

func (s *Server) record(method string, status int, start time.Time) {
	if s.metrics == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	s.metrics.RecordRequest(method, status, time.Since(start))
}

// dispatch routes one JSON-RPC message. The returned session id, when
// non-empty, is echoed in the response header.
func (s *Server) dispatch(ctx context.Context, req *request, id types.Identity, r *http.Request) (*response, string) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req, id)

	case "notifications/initialized":
		if sess, _, ok := s.requireSession(r, id); ok && sess != nil {
			sess.MarkInitialized()
		}
		return nil, ""

	case "notifications/cancelled":
		s.handleCancelled(req, id, r)
		return nil, ""

	case "ping":
		sess, errResp, ok := s.requireSession(r, id)
		if !ok {
			return errResp, ""
		}
		if sess != nil {
			ema := sess.RecordPing(time.Now())
			s.logger.Debug().Str("session", sess.ID).Dur("ping_interval_ema", ema).Msg("ping")
		}
		return resultResponse(req.ID, struct{}{}), sessionIDOf(sess)

	case "tools/list":
		sess, errResp, ok := s.requireSession(r, id)
		if !ok {
			return errResp, ""
		}
		return resultResponse(req.ID, map[string]any{"tools": s.toolDefs}), sessionIDOf(sess)

	case "tools/call":
		return s.handleToolCall(ctx, req, id, r)

	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method)), ""
	}
}

func (s *Server) handleInitialize(req *request, id types.Identity) (*response, string) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid initialize params"), ""
		}
	}
	version, ok := negotiateProtocolVersion(params.ProtocolVersion)
	if !ok {
		return errorResponseData(req.ID, codeInvalidParams,
			fmt.Sprintf("unsupported protocol version: %s", params.ProtocolVersion),
			map[string]any{"supported": supportedProtocolVersions}), ""
	}

	result := initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":   map[string]any{"listChanged": true},
			"logging": map[string]any{},
		},
		ServerInfo: serverInfo{Name: serverName, Version: s.version},
	}

	if !s.cfg.Sessions {
		return resultResponse(req.ID, result), ""
	}

	sess := s.sessions.Create(id.Key(), version)
	s.logger.Info().
		Str("session", sess.ID).
		Str("identity", id.String()).
		Str("protocol_version", version).
		Str("client", params.ClientInfo.Name).
		Msg("session created")
	return resultResponse(req.ID, result), sess.ID
}

// requireSession resolves and checks the caller's session. In
// stateless mode every request is implicitly initialized and the
// session is nil.
func (s *Server) requireSession(r *http.Request, id types.Identity) (*Session, *response, bool) {
	if !s.cfg.Sessions {
		return nil, nil, true
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		return nil, errorResponse(nil, codeNotInitialized, "Server not initialized: missing "+sessionHeader+" header"), false
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, errorResponse(nil, codeNotInitialized, "Server not initialized: unknown or expired session"), false
	}
	if sess.IdentityKey != id.Key() {
		return nil, errorResponse(nil, codeInvalidRequest, "session does not belong to this identity"), false
	}
	sess.Touch(time.Now())
	return sess, nil, true
}

func sessionIDOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func (s *Server) handleCancelled(req *request, id types.Identity, r *http.Request) {
	var params cancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
		return
	}
	sess, _, ok := s.requireSession(r, id)
	if !ok {
		return
	}
	matched := s.inflight.Cancel(sessionIDOf(sess), string(params.RequestID), id.Key())
	s.logger.Debug().
		Str("request_id", string(params.RequestID)).
		Str("reason", params.Reason).
		Bool("matched", matched).
		Msg("cancellation received")
}

func (s *Server) handleToolCall(ctx context.Context, req *request, id types.Identity, r *http.Request) (*response, string) {
	sess, errResp, ok := s.requireSession(r, id)
	if !ok {
		return errResp, ""
	}

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tools/call requires a tool name"), sessionIDOf(sess)
	}

	ctx, span := s.tracer.StartRequest(ctx, "tools/call")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	sessionID := sessionIDOf(sess)
	if params.Meta != nil && len(params.Meta.ProgressToken) > 0 {
		reporter := NewProgressReporter(params.Meta.ProgressToken, func(n progressNotification) {
			s.publish(sessionID, n)
		})
		callCtx = tools.ContextWithProgress(callCtx, reporter.Report)
	}
	s.inflight.Register(sessionID, req.idString(), id.Key(), cancel)
	defer s.inflight.Done(sessionID, req.idString())

	toolReq := mcp.CallToolRequest{}
	toolReq.Params.Name = params.Name
	toolReq.Params.Arguments = params.Arguments

	result, err := s.runner.Call(callCtx, toolReq, id)
	if err != nil {
		if errors.Is(callCtx.Err(), context.Canceled) {
			// A cancelled request gets no response at all. Only a
			// deadline expiry surfaces as an error.
			return nil, sessionID
		}
		telemetry.RecordError(span, err)
		return s.toolError(req, callCtx, err), sessionID
	}
	return resultResponse(req.ID, result), sessionID
}

// toolError maps executor failures onto the JSON-RPC error taxonomy.
// A deadline expiry is reported as a query timeout; anything without
// an explicit code becomes an internal error with the detail withheld.
func (s *Server) toolError(req *request, callCtx context.Context, err error) *response {
	var perr *tools.ProtocolError
	if errors.As(err, &perr) {
		return errorResponse(req.ID, perr.Code, perr.Message)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errorResponse(req.ID, codeInternalError, "Query timeout")
	}
	s.logger.Error().Err(err).Msg("tool call failed")
	return errorResponse(req.ID, codeInternalError, "Internal error")
}

func writeJSONError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(code))
	_ = json.NewEncoder(w).Encode(errorResponse(id, code, message))
}
