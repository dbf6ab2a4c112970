package portmgr

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignReusesStillBindablePort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	m, err := Open(path)
	require.NoError(t, err)

	p1, err := m.Assign("proj/sb", 8888)
	require.NoError(t, err)
	p2, err := m.Assign("proj/sb", 8888)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	got, ok := m.HostPortFor("proj/sb", 8888)
	require.True(t, ok)
	require.Equal(t, p2, got)
}

func TestAssignReallocatesWhenPriorPortNoLongerBindable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	m, err := Open(path)
	require.NoError(t, err)

	p1, err := m.Assign("proj/sb", 8888)
	require.NoError(t, err)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p1))
	require.NoError(t, err)
	defer l.Close()

	p2, err := m.Assign("proj/sb", 8888)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestAssignPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	m, err := Open(path)
	require.NoError(t, err)

	port, err := m.Assign("proj/sb", 8888)
	require.NoError(t, err)

	reloaded, err := Open(path)
	require.NoError(t, err)
	got, ok := reloaded.HostPortFor("proj/sb", 8888)
	require.True(t, ok)
	require.Equal(t, port, got)
}

func TestReleaseRemovesAllMappingsForKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	m, err := Open(path)
	require.NoError(t, err)

	_, err = m.Assign("proj/sb", 8888)
	require.NoError(t, err)
	require.NoError(t, m.Release("proj/sb"))

	_, ok := m.HostPortFor("proj/sb", 8888)
	require.False(t, ok)
}
