//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func isAliveSignal(proc *os.Process) error {
	return proc.Signal(unix.Signal(0))
}
