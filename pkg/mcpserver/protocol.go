// Package mcpserver implements the MCP JSON-RPC protocol core and its
// streamable HTTP transport: sessions, request dispatch, cancellation,
// and server-to-client streaming.
package mcpserver

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes, plus the MCP extensions this server uses.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeNotInitialized = -32002
	codeRateLimited    = -32003
)

// Protocol versions this server speaks, newest last.
var supportedProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

const defaultProtocolVersion = "2025-03-26"

// negotiateProtocolVersion agrees on a protocol version. An omitted
// version gets the default; an unknown one is rejected.
func negotiateProtocolVersion(requested string) (string, bool) {
	if requested == "" {
		return defaultProtocolVersion, true
	}
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v, true
		}
	}
	return "", false
}

// request is an incoming JSON-RPC message. The id is kept raw so
// string and numeric ids round-trip untouched.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the message carries no id and thus
// expects no response.
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// idString renders the request id for inflight tracking.
func (r *request) idString() string {
	return string(r.ID)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func errorResponseData(id json.RawMessage, code int, message string, data any) *response {
	resp := errorResponse(id, code, message)
	resp.Error.Data = data
	return resp
}

// initializeParams is the client half of the handshake.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// initializeResult is the server half of the handshake.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// cancelledParams carries a cancellation notification.
type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// callToolParams mirrors the tools/call request body.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      *struct {
		ProgressToken json.RawMessage `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

// httpStatusFor maps a JSON-RPC error code to the transport status.
func httpStatusFor(code int) int {
	switch code {
	case codeParseError, codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
		return 400
	case codeNotInitialized:
		return 503
	case codeRateLimited:
		return 429
	default:
		return 500
	}
}
