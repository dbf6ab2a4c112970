package sandboxdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveOrUpdateSandboxIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "sandbox.db"))
	require.NoError(t, err)
	defer st.Close()

	id1, err := st.SaveOrUpdateSandbox("dev", "/proj/Sandboxfile", "2024-01-01T00:00:00Z", StatusRunning, 111, 222, "native:/var/lib/msb/rootfs")
	require.NoError(t, err)

	id2, err := st.SaveOrUpdateSandbox("dev", "/proj/Sandboxfile", "2024-01-02T00:00:00Z", StatusRunning, 333, 444, "native:/var/lib/msb/rootfs")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	row, err := st.GetSandbox("dev", "/proj/Sandboxfile")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, 333, row.SupervisorPID)
}

func TestGetRunningConfigSandboxesFiltersByStatus(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "sandbox.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.SaveOrUpdateSandbox("a", "/proj/Sandboxfile", "t", StatusRunning, 1, 2, "")
	require.NoError(t, err)
	_, err = st.SaveOrUpdateSandbox("b", "/proj/Sandboxfile", "t", StatusStopped, 3, 4, "")
	require.NoError(t, err)

	rows, err := st.GetRunningConfigSandboxes("/proj/Sandboxfile")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].Name)
}
