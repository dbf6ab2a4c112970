// Package supervisor spawns and tracks the external microVM driver process
// for a single sandbox. The driver itself (the actual hypervisor) is out of
// scope (spec.md §1): this package only shells out to it and records its
// pid, mirroring the two-process model spec.md §4.6 describes ("spawn the
// supervisor as an external process").
//
// Grounded on servin/pkg/vm.VMProvider's lifecycle verbs (Create/Start/
// Stop/Destroy, IsRunning, GetInfo), trimmed from an in-process
// per-platform hypervisor abstraction to a thin external-process launcher:
// spec.md treats the microVM driver as external, so the rich VMProvider
// interface collapses to Spawn/Signal/IsAlive over an *exec.Cmd.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/microsandbox/msb/internal/msberr"
)

const envSupervisorExe = "MSBRUN_EXE"

// Spec is everything the Sandbox Runner resolves before spawning the
// supervisor (spec.md §4.6 step 5).
type Spec struct {
	LogDir             string
	SandboxName        string
	ConfigFile         string
	ConfigLastModified string
	SandboxDBPath      string
	NetworkScope       string
	ExecPath           string
	Argv               []string
	NumVCPUs           int
	MemoryMiB          int
	Workdir            string
	Envs               []string // KEY=VALUE
	PortMappings       []string // host:guest
	MappedDirs         []string // host:guest
	LayerDirs          []string // base->top extracted dirs
	RootfsDescription  string   // "native:<path>" or "overlayfs:<p1>:<p2>:..."
	Detach             bool

	// Stdout/Stderr override the inherited os.Stdout/os.Stderr streams
	// used in non-detached mode. Orchestra.Up sets these to per-sandbox
	// colored line-prefixing writers when multiplexing several sandboxes'
	// output; nil means inherit directly.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a running supervisor process.
type Handle struct {
	cmd *exec.Cmd
	PID int
}

func exePath() string {
	if v := os.Getenv(envSupervisorExe); v != "" {
		return v
	}
	self, err := os.Executable()
	if err != nil {
		return "msbrun"
	}
	return filepath.Join(filepath.Dir(self), "msbrun")
}

// Spawn launches the supervisor process with spec's flags. If spec.Detach,
// the process is started in a new session with stdio redirected to
// /dev/null and Spawn returns immediately without waiting; otherwise stdio
// is inherited and Spawn blocks until the process exits, returning a
// SupervisorError on non-zero exit.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	args := buildArgs(spec)
	cmd := exec.CommandContext(ctx, exePath(), args...)

	if spec.Detach {
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, msberr.Wrap(err, msberr.SupervisorError, "spawn", spec.SandboxName)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
		cmd.SysProcAttr = daemonSysProcAttr()

		if err := cmd.Start(); err != nil {
			return nil, msberr.Wrap(err, msberr.SupervisorError, "spawn", spec.SandboxName)
		}
		return &Handle{cmd: cmd, PID: cmd.Process.Pid}, nil
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return nil, msberr.Wrap(err, msberr.SupervisorError, "spawn", fmt.Sprintf("%s exited with error", spec.SandboxName))
	}
	return &Handle{cmd: cmd}, nil
}

func buildArgs(spec Spec) []string {
	args := []string{
		"--log-dir", spec.LogDir,
		"--sandbox-name", spec.SandboxName,
		"--config-file", spec.ConfigFile,
		"--config-last-modified", spec.ConfigLastModified,
		"--sandbox-db", spec.SandboxDBPath,
		"--scope", spec.NetworkScope,
		"--exec-path", spec.ExecPath,
		"--rootfs", spec.RootfsDescription,
	}
	if spec.NumVCPUs > 0 {
		args = append(args, "--num-vcpus", strconv.Itoa(spec.NumVCPUs))
	}
	if spec.MemoryMiB > 0 {
		args = append(args, "--memory-mib", strconv.Itoa(spec.MemoryMiB))
	}
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	for _, e := range spec.Envs {
		args = append(args, "--env", e)
	}
	for _, p := range spec.PortMappings {
		args = append(args, "--port", p)
	}
	for _, d := range spec.MappedDirs {
		args = append(args, "--dir", d)
	}
	for _, l := range spec.LayerDirs {
		args = append(args, "--layer", l)
	}
	if len(spec.Argv) > 0 {
		args = append(args, "--")
		args = append(args, spec.Argv...)
	}
	return args
}

// Signal forwards a signal to the supervisor process, used by
// Orchestra.Down (spec.md §4.7: "stop ... by sending SIGTERM to the supervisor pid").
func Signal(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return msberr.Wrap(err, msberr.SupervisorError, "signal", strconv.Itoa(pid))
	}
	if err := proc.Signal(sig); err != nil {
		return msberr.Wrap(err, msberr.SupervisorError, "signal", strconv.Itoa(pid))
	}
	return nil
}

// IsAlive reports whether pid refers to a live process, via signal 0 — the
// same liveness check spec.md §4.9's PID-file lifecycle uses.
func IsAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return isAliveSignal(proc) == nil
}
