package server

import (
	"os"
	"strconv"
	"strings"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/supervisor"
)

// acquirePIDFile implements spec.md §4.9's PID lifecycle: write
// <home>/server.pid on start; if the file exists and the pid is live
// (signal 0), refuse; if stale, clean up and proceed.
func acquirePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && supervisor.IsAlive(pid) {
			return msberr.New(msberr.SupervisorError, "acquire-pid-file",
				"server already running with pid "+strconv.Itoa(pid))
		}
		_ = os.Remove(path)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// releasePIDFile deletes the pid file on clean shutdown.
func releasePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return msberr.Wrap(err, msberr.IO, "release-pid-file", path)
	}
	return nil
}
