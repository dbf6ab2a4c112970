package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsandbox/msb/internal/obs"
)

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestProbeReadySucceedsOnHealthyPortal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	s := &Server{log: obs.L()}
	port := listenerPort(t, ts.Listener)

	require.NoError(t, s.probeReady(context.Background(), port))
}

func TestProbeReadyFailsWhenNothingListens(t *testing.T) {
	s := &Server{log: obs.L()}
	// Port 1 is privileged/unassigned on virtually every test host.
	err := s.probeReady(context.Background(), 1)
	require.Error(t, err)
}

func TestForwardToPortalReturnsBodyVerbatim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/rpc", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "sandbox.repl.run", body["method"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": "ok"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	s := &Server{log: obs.L()}
	port := listenerPort(t, ts.Listener)

	envelope, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "sandbox.repl.run", "id": 1})
	body, err := s.forwardToPortal(context.Background(), port, envelope)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, "ok", resp["result"])
}
