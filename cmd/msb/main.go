// Command msb is the thin CLI entrypoint for the control-plane server.
// spec.md §1 treats the CLI surface as an external collaborator of the
// server, not a component this repo must fully build, so msb stays a
// minimal flag-based dispatcher: `msb serve` runs the server in this
// process; every other subcommand is a JSON-RPC client that POSTs to an
// already-running server's /api/v1/rpc.
//
// Cobra is deliberately not used here (see DESIGN.md's dropped-dependency
// notes) — a handful of subcommands each taking one or two flags doesn't
// need a command framework, and the teacher's own cobra tree has no
// remaining call site once the CLI itself is out of scope.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/microsandbox/msb/internal/msbhome"
	"github.com/microsandbox/msb/internal/obs"
	"github.com/microsandbox/msb/internal/server"
	"github.com/microsandbox/msb/internal/server/jsonrpc"
)

const serverShutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "start":
		err = cmdRPC(os.Args[2:], "sandbox.start", true)
	case "stop":
		err = cmdRPC(os.Args[2:], "sandbox.stop", false)
	case "status":
		err = cmdRPC(os.Args[2:], "sandbox.metrics.get", false)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "msb:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: msb <serve|start|stop|status> [flags]")
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	projectDir := fs.String("project-dir", ".", "project directory containing the Sandboxfile")
	configFile := fs.String("config-file", "Sandboxfile.yaml", "Sandboxfile name within project-dir")
	addr := fs.String("addr", "127.0.0.1:5555", "address to listen on")
	resetKey := fs.Bool("reset-key", false, "regenerate server.key on start")
	dev := fs.Bool("dev", false, "disable keygen and bearer-token authentication")
	if err := fs.Parse(args); err != nil {
		return err
	}

	home, err := msbhome.Ensure()
	if err != nil {
		return err
	}

	log, err := obs.New(obs.Info, false, "")
	if err != nil {
		return err
	}

	srv, err := server.New(home, *projectDir, *configFile, *resetKey, *dev, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.SetReady(true)

	if token := srv.IssuedToken(); token != "" {
		fmt.Println("API key:", token)
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sig:
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	}
	return nil
}

func cmdRPC(args []string, method string, withConfig bool) error {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:5555", "address of a running msb serve")
	name := fs.String("name", "", "sandbox name")
	image := fs.String("image", "", "sandbox image or local rootfs path (start only)")
	shell := fs.String("shell", "/bin/sh", "sandbox shell (start only)")
	token := fs.String("token", "", "msb_ bearer token (required unless the server was started with -dev)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	params := map[string]any{"name": *name}
	if withConfig {
		params["config"] = map[string]any{"image": *image, "shell": *shell}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	reqID, err := json.Marshal(uuid.NewString())
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, "http://"+*addr+"/api/v1/rpc", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if *token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %s", method, rpcResp.Error.Message)
	}

	out, err := json.MarshalIndent(rpcResp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
