package server

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")

	require.NoError(t, acquirePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquirePIDFileRefusesWhenHolderIsAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := acquirePIDFile(path)
	require.Error(t, err)
}

func TestAcquirePIDFileCleansUpStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	// PID 99999999 is outside any real process table's range.
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o644))

	require.NoError(t, acquirePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestReleasePIDFileRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, os.WriteFile(path, []byte("123"), 0o644))

	require.NoError(t, releasePIDFile(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestReleasePIDFileIgnoresMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, releasePIDFile(path))
}
