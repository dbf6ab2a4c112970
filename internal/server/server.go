// Package server implements the Control-Plane Server of spec.md §4.9: a
// JSON-RPC 2.0 / MCP HTTP server that assigns host ports to in-VM portal
// endpoints, forwards REPL/command calls to the portal after readiness
// probing, and issues JWT-based API keys.
//
// Grounded on `servin/pkg/runtime`'s ContainerRuntime for overall component
// wiring (construct every manager once, route requests to their methods),
// generalized from an in-process container engine to an HTTP front end
// over internal/runner and internal/orchestra, using `gorilla/mux` for
// routing (the same dependency jesseduffield-lazydocker's Docker/Podman
// HTTP client plumbing pulls in) and `golang-jwt/jwt/v5` for token issuance
// (the same dependency ssahani-hypersdk and knative-func carry).
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/microsandbox/msb/internal/config"
	layerpkg "github.com/microsandbox/msb/internal/layer"
	"github.com/microsandbox/msb/internal/menv"
	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/msbhome"
	"github.com/microsandbox/msb/internal/obs"
	"github.com/microsandbox/msb/internal/orchestra"
	"github.com/microsandbox/msb/internal/portmgr"
	"github.com/microsandbox/msb/internal/registry"
	"github.com/microsandbox/msb/internal/runner"
	"github.com/microsandbox/msb/internal/server/jsonrpc"
	"github.com/microsandbox/msb/internal/store/ocidb"
	"github.com/microsandbox/msb/internal/store/sandboxdb"
)

// Server is the control-plane HTTP server for a single project.
type Server struct {
	home        msbhome.Layout
	projectDir  string
	configFile  string
	serverKey   string
	authEnabled bool
	issuedToken string

	log      *obs.Logger
	ready    atomic.Bool
	ports    *portmgr.Manager
	sbStore  *sandboxdb.Store
	ociStore *ocidb.Store
	runner   *runner.Runner
	orch     *orchestra.Orchestra

	router *mux.Router
	rpc    *jsonrpc.Dispatcher
}

// New wires every manager the server needs for one project and returns an
// http.Handler-ready Server. resetKey forces server.key regeneration
// (spec.md §4.9's "--reset-key"). dev disables Keygen and bearer-token
// enforcement entirely (spec.md §4.9's "on start, if no --dev").
// IssuedToken() reports the token minted for this run, if any.
func New(home msbhome.Layout, projectDir, configFile string, resetKey, dev bool, log *obs.Logger) (*Server, error) {
	if log == nil {
		log = obs.L()
	}

	menvLayout, err := menv.Init(projectDir, configFile)
	if err != nil {
		return nil, err
	}

	ociStore, err := ocidb.Open(home.OCIDB)
	if err != nil {
		return nil, err
	}
	sbStore, err := sandboxdb.Open(menvLayout.SandboxDB)
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewClient(home.Root, ociStore, log)
	if err != nil {
		return nil, err
	}
	extractor := layerpkg.New(log)
	rnr := runner.New(home, ociStore, reg, extractor, log)
	orch := orchestra.New(projectDir, configFile, rnr, sbStore)

	projectHomeDir := filepath.Join(home.Root, "projects", projectSlug(projectDir))
	if err := os.MkdirAll(projectHomeDir, 0o755); err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "new-server", projectHomeDir)
	}
	ports, err := portmgr.Open(filepath.Join(projectHomeDir, "portal.ports"))
	if err != nil {
		return nil, err
	}

	var serverKey, issuedToken string
	if !dev {
		serverKey, err = loadOrCreateServerKey(home.ServerKey, resetKey)
		if err != nil {
			return nil, err
		}
		issuedToken, err = issueToken(serverKey, config.TokenTTL)
		if err != nil {
			return nil, err
		}
	}

	if err := acquirePIDFile(home.ServerPID); err != nil {
		return nil, err
	}

	s := &Server{
		home:        home,
		projectDir:  projectDir,
		configFile:  configFile,
		serverKey:   serverKey,
		authEnabled: !dev,
		log:         log,
		ports:       ports,
		sbStore:     sbStore,
		ociStore:    ociStore,
		runner:      rnr,
		orch:        orch,
		issuedToken: issuedToken,
	}
	s.rpc = s.buildDispatcher()
	s.router = s.buildRouter()
	return s, nil
}

// IssuedToken returns the "msb_"+JWT bearer token minted on this start, for
// the caller (cmd/msb's `serve`) to print for operator use. Empty when the
// server was started with dev mode, which disables auth entirely.
func (s *Server) IssuedToken() string { return s.issuedToken }

func projectSlug(projectDir string) string {
	sum := sha256.Sum256([]byte(projectDir))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	return r
}

// ServeHTTP makes Server usable directly with http.Server / httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetReady flips the internal readiness flag GET /health reports against.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// handleRPC implements POST /api/v1/rpc: decode one envelope, dispatch by
// method, and write one response — except notifications (no id), which get
// HTTP 200 with an empty body regardless of outcome. Error responses carry
// the 4xx/5xx status writeRPCResponse derives from the JSON-RPC error code
// (httperr.go).
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCResponse(w, jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			Error:   &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "parse error: " + err.Error()},
		})
		return
	}

	if authErr := s.authorize(r); authErr != nil {
		if req.IsNotification() {
			w.WriteHeader(jsonrpc.StatusForError(authErr))
			return
		}
		writeRPCResponse(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: authErr})
		return
	}

	resp := s.rpc.Dispatch(req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeRPCResponse(w, resp)
}

// authorize checks r's bearer token against the server key when auth is
// enabled (spec.md §4.9's Keygen); dev mode (authEnabled == false) skips
// this entirely.
func (s *Server) authorize(r *http.Request) *jsonrpc.Error {
	if !s.authEnabled {
		return nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return &jsonrpc.Error{Code: jsonrpc.CodeUnauthorized, Message: "missing bearer token"}
	}
	if err := verifyToken(s.serverKey, token); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeUnauthorized, Message: err.Error()}
	}
	return nil
}

// Close releases the server's store handles and deletes its pid file.
func (s *Server) Close() error {
	_ = releasePIDFile(s.home.ServerPID)
	if err := s.sbStore.Close(); err != nil {
		return err
	}
	return s.ociStore.Close()
}
