package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/microsandbox/msb/internal/server/jsonrpc"
)

// mcpTools describes the five sandbox operations as MCP tools, using
// mark3labs/mcp-go's Tool/ToolOption builders — the same library
// Scoutflo-kubernetes-mcp-server's go.mod depends on for its Kubernetes MCP
// surface. Each schema declares only the sandbox `name`; tools/call passes
// `arguments` through unchanged as the sandbox.* params, so undeclared
// fields such as sandbox_start's `config` still reach the handlers in
// handlers.go.
var mcpTools = []mcp.Tool{
	mcp.NewTool("sandbox_start",
		mcp.WithDescription("Start (creating if needed) a sandbox in the current project"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Sandbox name")),
	),
	mcp.NewTool("sandbox_stop",
		mcp.WithDescription("Stop a running sandbox"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Sandbox name")),
	),
	mcp.NewTool("sandbox_metrics_get",
		mcp.WithDescription("Report status and resource usage for one or all sandboxes"),
		mcp.WithString("name", mcp.Description("Sandbox name; omit for all sandboxes")),
	),
	mcp.NewTool("sandbox_repl_run",
		mcp.WithDescription("Run code in a sandbox's REPL via its portal"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Sandbox name")),
	),
	mcp.NewTool("sandbox_command_run",
		mcp.WithDescription("Run a shell command in a sandbox via its portal"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Sandbox name")),
	),
}

// toolToMethod maps an MCP tool name to the internal JSON-RPC method that
// implements it, so tools/call can reuse the same handlers /api/v1/rpc
// dispatches to.
var toolToMethod = map[string]string{
	"sandbox_start":       "sandbox.start",
	"sandbox_stop":        "sandbox.stop",
	"sandbox_metrics_get": "sandbox.metrics.get",
	"sandbox_repl_run":    "sandbox.repl.run",
	"sandbox_command_run": "sandbox.command.run",
}

// callToolParams is the wire shape of an MCP tools/call request's params,
// decoded directly rather than through mcp.CallToolRequest's helpers so the
// forwarding path stays a plain envelope rewrite.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// handleMCP implements POST /mcp: the same JSON-RPC 2.0 envelope as
// /api/v1/rpc, but dispatching MCP's own method namespace
// (initialize, tools/list, tools/call, prompts/list, prompts/get,
// notifications/initialized) instead of the sandbox.* namespace directly.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMCPResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: err.Error()}})
		return
	}

	if authErr := s.authorize(r); authErr != nil {
		if req.IsNotification() {
			w.WriteHeader(jsonrpc.StatusForError(authErr))
			return
		}
		writeMCPResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: authErr})
		return
	}

	result, rpcErr := s.dispatchMCP(req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusOK)
		return
	}
	if rpcErr != nil {
		writeMCPResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr})
		return
	}
	writeMCPResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: result})
}

func writeMCPResponse(w http.ResponseWriter, resp jsonrpc.Response) {
	writeRPCResponse(w, resp)
}

// promptTemplates implements §4.9's static create_python_sandbox /
// create_node_sandbox prompts, grounded on microsandbox-server's
// handle_mcp_get_prompt: each fills a sandbox_name argument (defaulting to
// "<lang>-sandbox") into a fixed instruction to call sandbox_start with a
// language-specific image/memory/cpu/workdir configuration.
var promptTemplates = map[string]struct {
	description string
	defaultName string
	image       string
}{
	"create_python_sandbox": {
		description: "Create a Python development sandbox",
		defaultName: "python-sandbox",
		image:       "microsandbox/python",
	},
	"create_node_sandbox": {
		description: "Create a Node.js development sandbox",
		defaultName: "node-sandbox",
		image:       "microsandbox/node",
	},
}

var promptList = []map[string]any{
	{
		"name":        "create_python_sandbox",
		"description": "Create a Python development sandbox",
		"arguments": []map[string]any{
			{"name": "sandbox_name", "description": "Name for the new sandbox", "required": true},
		},
	},
	{
		"name":        "create_node_sandbox",
		"description": "Create a Node.js development sandbox",
		"arguments": []map[string]any{
			{"name": "sandbox_name", "description": "Name for the new sandbox", "required": true},
		},
	},
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) dispatchMCP(req jsonrpc.Request) (any, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "microsandbox-server", "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}, "prompts": map[string]any{}},
		}, nil

	case "notifications/initialized":
		return nil, nil

	case "tools/list":
		return map[string]any{"tools": mcpTools}, nil

	case "tools/call":
		var p callToolParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
		method, ok := toolToMethod[p.Name]
		if !ok {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown tool: " + p.Name}
		}

		inner := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, Params: p.Arguments, ID: req.ID}
		resp := s.rpc.Dispatch(inner)
		if resp.Error != nil {
			return mcp.NewToolResultText(resp.Error.Message), nil
		}

		text, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
		}
		return mcp.NewToolResultText(string(text)), nil

	case "prompts/list":
		return map[string]any{"prompts": promptList}, nil

	case "prompts/get":
		var p getPromptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
		tmpl, ok := promptTemplates[p.Name]
		if !ok {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "prompt not found: " + p.Name}
		}
		sandboxName := p.Arguments["sandbox_name"]
		if sandboxName == "" {
			sandboxName = tmpl.defaultName
		}
		text := fmt.Sprintf(
			"Create a sandbox named '%s' using the sandbox_start tool with the following configuration:\n\n"+
				"- Image: %s\n"+
				"- Memory: 512 MiB\n"+
				"- CPUs: 1\n"+
				"- Working directory: /workspace\n\n"+
				"This will set up a development environment ready for code execution.",
			sandboxName, tmpl.image,
		)
		return map[string]any{
			"description": tmpl.description,
			"messages": []map[string]any{
				{"role": "user", "content": map[string]any{"type": "text", "text": text}},
			},
		}, nil

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}
