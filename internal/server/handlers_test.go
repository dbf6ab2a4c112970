package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsandbox/msb/internal/server/jsonrpc"
)

func rpcCall(t *testing.T, s *Server, method string, params any) jsonrpc.Response {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	body, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version, Method: method, Params: paramsJSON, ID: json.RawMessage(`1`),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jsonrpc.StatusForError(resp.Error), rec.Code)
	return resp
}

func TestSandboxStartRejectsInvalidName(t *testing.T) {
	s := newTestServer(t)
	resp := rpcCall(t, s, "sandbox.start", map[string]any{"name": "1-bad-start"})
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestSandboxStartAndStopRoundTrip(t *testing.T) {
	s := newTestServer(t)
	image := t.TempDir()

	resp := rpcCall(t, s, "sandbox.start", map[string]any{
		"name": "dev",
		"config": map[string]any{
			"image": image,
			"shell": "/bin/sh",
			"scope": "public",
		},
	})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "running", result["status"])

	stopResp := rpcCall(t, s, "sandbox.stop", map[string]any{"name": "dev"})
	require.Nil(t, stopResp.Error)
}

func TestSandboxMetricsGetReturnsEmptyWhenNoSandboxes(t *testing.T) {
	s := newTestServer(t)
	resp := rpcCall(t, s, "sandbox.metrics.get", map[string]any{})
	require.Nil(t, resp.Error)
	require.Empty(t, resp.Result)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := rpcCall(t, s, "sandbox.bogus", map[string]any{})
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestSandboxReplRunFailsCleanlyWithoutRunningSandbox(t *testing.T) {
	s := newTestServer(t)
	resp := rpcCall(t, s, "sandbox.repl.run", map[string]any{"name": "ghost", "args": map[string]any{}})
	require.NotNil(t, resp.Error)
}
