// Package obs provides the structured logging used across msb's
// supervisor, registry client, and control-plane server.
package obs

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus' level enum but keeps the teacher's naming so
// call sites read the same across the codebase.
type Level = logrus.Level

const (
	Debug Level = logrus.DebugLevel
	Info  Level = logrus.InfoLevel
	Warn  Level = logrus.WarnLevel
	Error Level = logrus.ErrorLevel
	Fatal Level = logrus.FatalLevel
)

// Logger wraps a *logrus.Logger with the file+stderr dual output the
// teacher's pkg/logger provided, plus field helpers for the structured
// call sites (sandbox name, digest, port) used throughout msb.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// New creates a logger writing to stderr and, if logFile is non-empty, to
// that file as well. verbose selects a text formatter with caller info;
// non-verbose uses compact JSON suitable for log aggregation.
func New(level Level, verbose bool, logFile string) (*Logger, error) {
	l := logrus.New()
	l.SetLevel(level)

	if verbose {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		l.SetReportCaller(true)
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	var file *os.File
	writers := []io.Writer{os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}

	l.SetOutput(io.MultiWriter(writers...))

	return &Logger{Logger: l, file: file}, nil
}

// Close releases the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DefaultLogPath returns the platform default log file path, mirroring the
// teacher's runtime.GOOS switch in pkg/logger.GetLogPath.
func DefaultLogPath() string {
	var dir string
	switch runtime.GOOS {
	case "windows", "darwin":
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".microsandbox", "log")
	default:
		dir = "/var/log/microsandbox"
	}
	return filepath.Join(dir, "server.log")
}

var std, _ = New(Info, false, "")

// SetLevel adjusts the package-level default logger's level.
func SetLevel(level Level) { std.SetLevel(level) }

// L returns the package-level default logger for call sites that don't
// carry their own (e.g. init-time code before a configured logger exists).
func L() *Logger { return std }
