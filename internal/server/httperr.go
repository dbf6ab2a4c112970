package server

import (
	"net/http"

	"github.com/microsandbox/msb/internal/server/jsonrpc"
)

// httperr.go is the control-plane's HTTP-status mapping for /api/v1/rpc and
// /mcp, per spec.md §6/§7: validation failures (bad params, unknown
// sandbox name, unknown method) get 4xx, everything else — a failed
// orchestra.Up, a wedged portal, a store error — gets 5xx, and the body is
// always the JSON-RPC error object regardless of status.
// rpcErrorFromSandboxError (handlers.go) already classifies msberr kinds
// into jsonrpc.CodeInvalidParams vs jsonrpc.CodeInternalError; the
// code-to-status table itself lives in jsonrpc.StatusForError so both this
// package's two HTTP surfaces and any other jsonrpc.Dispatcher consumer
// share one mapping.

// writeRPCResponse writes resp to w with the status jsonrpc.StatusForError
// derives from resp.Error, used by both handleRPC and handleMCP so
// /api/v1/rpc and /mcp return consistent status codes for the same class
// of failure.
func writeRPCResponse(w http.ResponseWriter, resp jsonrpc.Response) {
	jsonrpc.WriteResponse(w, resp)
}
