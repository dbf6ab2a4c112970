package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/microsandbox/msb/internal/config"
	"github.com/microsandbox/msb/internal/msberr"
)

// probeReady polls HEAD /health on the sandbox's portal until it answers
// 200, per spec.md §4.9's exact cadence: 10ms interval, 50ms per-attempt
// timeout, up to 300 attempts (≈3s). A 503 means "not ready yet, keep
// retrying"; any other non-200 is logged and retried the same way.
func (s *Server) probeReady(ctx context.Context, hostPort int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", hostPort)
	client := &http.Client{Timeout: config.PortalProbeTimeout}

	for attempt := 0; attempt < config.PortalProbeMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
				if resp.StatusCode != http.StatusServiceUnavailable {
					s.log.Warnf("portal probe on port %d: unexpected status %d", hostPort, resp.StatusCode)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.PortalProbeInterval):
		}
	}
	return msberr.New(msberr.SupervisorError, "probe-ready", fmt.Sprintf("portal on port %d never became ready", hostPort))
}

// forwardToPortal implements spec.md §4.9's repl.run/command.run forwarding:
// resolve the sandbox's host port, probe readiness, then POST the original
// JSON-RPC envelope verbatim to the portal's /api/v1/rpc and return its
// response body untouched.
func (s *Server) forwardToPortal(ctx context.Context, hostPort int, envelope json.RawMessage) (json.RawMessage, error) {
	if err := s.probeReady(ctx, hostPort); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/rpc", hostPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "forward-to-portal", url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "forward-to-portal", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "forward-to-portal", url)
	}
	return body, nil
}
