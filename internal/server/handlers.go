package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/microsandbox/msb/internal/config"
	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/server/jsonrpc"
)

var sandboxNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

func rpcErrorFromSandboxError(err error) *jsonrpc.Error {
	kind, ok := msberr.KindOf(err)
	code := jsonrpc.CodeInternalError
	if ok && kind.IsUserError() {
		code = jsonrpc.CodeInvalidParams
	}
	return &jsonrpc.Error{Code: code, Message: err.Error()}
}

// buildDispatcher registers the five JSON-RPC methods spec.md §4.9 defines
// for POST /api/v1/rpc.
func (s *Server) buildDispatcher() *jsonrpc.Dispatcher {
	d := jsonrpc.NewDispatcher()
	d.Register("sandbox.start", s.handleSandboxStart)
	d.Register("sandbox.stop", s.handleSandboxStop)
	d.Register("sandbox.metrics.get", s.handleSandboxMetricsGet)
	d.Register("sandbox.repl.run", s.handleSandboxReplRun)
	d.Register("sandbox.command.run", s.handleSandboxCommandRun)
	return d
}

type startParams struct {
	Name   string                    `json:"name"`
	Config sandboxfile.SandboxConfig `json:"config"`
}

// handleSandboxStart implements spec.md §4.9's sandbox.start algorithm:
// validate the name, create the project's sandbox entry (merging config
// into the Sandboxfile if new or changed), assign a host port for the
// portal's guest port, start the sandbox detached, and poll until it
// reports running (or the deadline elapses).
func (s *Server) handleSandboxStart(req jsonrpc.Request) (any, *jsonrpc.Error) {
	var p startParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	if !sandboxNameRe.MatchString(p.Name) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("invalid sandbox name %q: must be 1-63 chars, alphanumeric/underscore/dash, starting with a letter", p.Name)}
	}

	configPath := filepath.Join(s.projectDir, s.configFile)
	file, err := sandboxfile.Load(configPath)
	if err != nil {
		file = sandboxfile.Default()
		file.Path = configPath
	}

	firstPull := true
	if existing, ok := file.Config.Sandboxes[p.Name]; ok {
		firstPull = existing.Image != p.Config.Image
	}

	if err := file.MergeSandbox(p.Name, p.Config); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}
	if err := file.Save(); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	hostPort, err := s.ports.Assign(p.Name, config.DefaultPortalGuestPort)
	if err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	ctx := context.Background()
	if err := s.orch.Up(ctx, []string{p.Name}, true); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	deadline := config.StartDeadlineRegular
	if firstPull {
		deadline = config.StartDeadlineFirstPull
	}
	if err := s.pollUntilRunning(ctx, p.Name, deadline); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	return map[string]any{
		"name":     p.Name,
		"status":   "running",
		"hostPort": hostPort,
	}, nil
}

// pollUntilRunning waits for orchestra.Status to report name as running,
// per spec.md §4.9's 20ms poll interval.
func (s *Server) pollUntilRunning(ctx context.Context, name string, deadline time.Duration) error {
	timeout := time.After(deadline)
	for {
		statuses, err := s.orch.Status([]string{name})
		if err == nil {
			for _, st := range statuses {
				if st.Name == name && st.Running {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return msberr.New(msberr.SupervisorError, "sandbox-start", "sandbox "+name+" did not become ready in time")
		case <-time.After(config.StartPollInterval):
		}
	}
}

type nameParams struct {
	Name string `json:"name"`
}

// handleSandboxStop implements sandbox.stop: shut the sandbox down and
// release its assigned host port.
func (s *Server) handleSandboxStop(req jsonrpc.Request) (any, *jsonrpc.Error) {
	var p nameParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	if err := s.orch.Down(context.Background(), []string{p.Name}); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}
	if err := s.ports.Release(p.Name); err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	return map[string]any{"name": p.Name, "status": "stopped"}, nil
}

type metricsParams struct {
	Name string `json:"name,omitempty"`
}

// handleSandboxMetricsGet implements sandbox.metrics.get: report status and
// resource usage for one sandbox, or every sandbox in the project when Name
// is empty.
func (s *Server) handleSandboxMetricsGet(req jsonrpc.Request) (any, *jsonrpc.Error) {
	var p metricsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}

	var names []string
	if p.Name != "" {
		names = []string{p.Name}
	}

	statuses, err := s.orch.Status(names)
	if err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}
	return statuses, nil
}

type forwardParams struct {
	Name string `json:"name"`
}

// handleSandboxReplRun implements sandbox.repl.run: forward the original
// envelope to the sandbox's in-VM portal after resolving its host port.
func (s *Server) handleSandboxReplRun(req jsonrpc.Request) (any, *jsonrpc.Error) {
	return s.forward(req)
}

// handleSandboxCommandRun implements sandbox.command.run identically to
// sandbox.repl.run: both are thin forwards to the portal, which interprets
// the method-specific payload.
func (s *Server) handleSandboxCommandRun(req jsonrpc.Request) (any, *jsonrpc.Error) {
	return s.forward(req)
}

func (s *Server) forward(req jsonrpc.Request) (any, *jsonrpc.Error) {
	var p forwardParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	hostPort, ok := s.ports.HostPortFor(p.Name, config.DefaultPortalGuestPort)
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "sandbox " + p.Name + " has no assigned port; is it running?"}
	}

	envelope, err := json.Marshal(req)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}

	body, err := s.forwardToPortal(context.Background(), hostPort, envelope)
	if err != nil {
		return nil, rpcErrorFromSandboxError(err)
	}

	var portalResp jsonrpc.Response
	if err := json.Unmarshal(body, &portalResp); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "malformed portal response: " + err.Error()}
	}
	if portalResp.Error != nil {
		return nil, portalResp.Error
	}
	return portalResp.Result, nil
}
