// Package jsonrpc implements the plain JSON-RPC 2.0 envelope spec.md §4.9
// requires for POST /api/v1/rpc (and, reused verbatim, for POST /mcp's
// outer transport): request/response/error shapes and a method-name to
// handler dispatcher. No generic JSON-RPC 2.0 server library appears
// anywhere in the retrieved pack (mark3labs/mcp-go covers only the MCP
// dialect layered on top), so this envelope is hand-rolled over
// encoding/json + net/http — see DESIGN.md's standard-library exceptions.
package jsonrpc

import (
	"encoding/json"
	"net/http"
)

const Version = "2.0"

// Request is a single JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id, per the
// JSON-RPC 2.0 spec (and spec.md §4.9: "Notifications (no id) receive HTTP
// 200 with empty body").
func (r Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is a single JSON-RPC 2.0 reply. Exactly one of Result/Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeUnauthorized is an implementation-defined server error (the
	// -32000 to -32099 range JSON-RPC 2.0 reserves for this) used when a
	// request's bearer token is missing or fails verification.
	CodeUnauthorized = -32001
)

// Handler resolves one JSON-RPC method call to a result value or an error.
// It receives the full request (not just Params) so forwarding handlers
// (sandbox.repl.run, sandbox.command.run) can re-marshal the envelope they
// were called with.
type Handler func(req Request) (any, *Error)

// Dispatcher routes JSON-RPC 2.0 requests by method name.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// ServeHTTP implements the POST /api/v1/rpc (and /mcp) envelope: parse one
// request object, dispatch, and write one response object — except for
// notifications, which receive 200 with an empty body regardless of
// outcome. Error responses get the HTTP status StatusForError maps their
// JSON-RPC code to, per spec.md §6/§7 ("HTTP 4xx for validation and 5xx
// for internal errors; the body is always a JSON-RPC error object").
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()})
		return
	}

	resp := d.Dispatch(req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusOK)
		return
	}

	WriteResponse(w, resp)
}

// StatusForError maps a JSON-RPC error code to the HTTP status its response
// should carry: client-caused errors (parse/invalid-request/invalid-params/
// method-not-found) map to 4xx, anything else is an internal failure and
// maps to 500.
func StatusForError(e *Error) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeMethodNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteResponse writes resp as the HTTP body, choosing the status code via
// StatusForError when resp carries an error and 200 otherwise.
func WriteResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForError(resp.Error))
	_ = json.NewEncoder(w).Encode(resp)
}

// Dispatch resolves and invokes req's handler, returning a complete
// Response (callers that only need the notification short-circuit use
// ServeHTTP directly).
func (d *Dispatcher) Dispatch(req Request) Response {
	h, ok := d.handlers[req.Method]
	if !ok {
		return Response{JSONRPC: Version, ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}}
	}

	result, rpcErr := h(req)
	if rpcErr != nil {
		return Response{JSONRPC: Version, ID: req.ID, Error: rpcErr}
	}
	return Response{JSONRPC: Version, ID: req.ID, Result: result}
}

func writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *Error) {
	WriteResponse(w, Response{JSONRPC: Version, ID: id, Error: rpcErr})
}
