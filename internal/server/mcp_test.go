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

func mcpCall(t *testing.T, s *Server, method string, params any) jsonrpc.Response {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	body, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version, Method: method, Params: paramsJSON, ID: json.RawMessage(`1`),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleMCP(rec, req)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jsonrpc.StatusForError(resp.Error), rec.Code)
	return resp
}

func TestMCPInitializeReportsProtocolVersion(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "initialize", map[string]any{})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "2024-11-05", result["protocolVersion"])
}

func TestMCPToolsListIncludesAllSandboxTools(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "tools/list", map[string]any{})
	require.Nil(t, resp.Error)

	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.Contains(t, string(encoded), "sandbox_start")
	require.Contains(t, string(encoded), "sandbox_command_run")
}

func TestMCPToolsCallUnknownToolReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "tools/call", map[string]any{"name": "not_a_tool", "arguments": map[string]any{}})
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestMCPToolsCallForwardsToSandboxHandler(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "tools/call", map[string]any{
		"name":      "sandbox_metrics_get",
		"arguments": map[string]any{},
	})
	require.Nil(t, resp.Error)
}

func TestMCPInitializeAdvertisesToolsAndPrompts(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "initialize", map[string]any{})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "microsandbox-server", result["serverInfo"].(map[string]any)["name"])

	caps, ok := result["capabilities"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, caps, "tools")
	require.Contains(t, caps, "prompts")
}

func TestMCPPromptsListIncludesBothTemplates(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "prompts/list", map[string]any{})
	require.Nil(t, resp.Error)

	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.Contains(t, string(encoded), "create_python_sandbox")
	require.Contains(t, string(encoded), "create_node_sandbox")
}

func TestMCPPromptsGetFillsSandboxName(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "prompts/get", map[string]any{
		"name":      "create_python_sandbox",
		"arguments": map[string]any{"sandbox_name": "my-py"},
	})
	require.Nil(t, resp.Error)

	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.Contains(t, string(encoded), "my-py")
	require.Contains(t, string(encoded), "microsandbox/python")
}

func TestMCPPromptsGetUnknownNameReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := mcpCall(t, s, "prompts/get", map[string]any{"name": "nope"})
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestMCPNotificationsInitializedIsANoop(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "notifications/initialized"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleMCP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.Bytes())
}
