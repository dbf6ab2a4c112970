package rootfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchScriptsWritesShellAndNamedScripts(t *testing.T) {
	root := t.TempDir()
	err := PatchScripts(root, map[string]string{"start": "echo hi"}, "/bin/sh")
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(root, ".sandbox", "scripts", "start"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(body))

	shell, err := os.ReadFile(filepath.Join(root, ".sandbox", "scripts", "shell"))
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", string(shell))
}

func TestPatchScriptsWipesStaleScripts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, PatchScripts(root, map[string]string{"old": "x"}, "/bin/sh"))
	require.NoError(t, PatchScripts(root, map[string]string{"new": "y"}, "/bin/sh"))

	_, err := os.Stat(filepath.Join(root, ".sandbox", "scripts", "old"))
	require.True(t, os.IsNotExist(err))
}

func TestPatchFstabIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dirs := []MappedDir{{GuestPath: "/mnt/data"}}
	require.NoError(t, PatchFstab(root, dirs))
	require.NoError(t, PatchFstab(root, dirs))

	data, err := os.ReadFile(filepath.Join(root, "etc", "fstab"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "virtiofs_0"))

	_, err = os.Stat(filepath.Join(root, "mnt", "data"))
	require.NoError(t, err)
}

func TestPatchResolvConfSkipsWhenNameserverPresentInLowerLayer(t *testing.T) {
	lower := t.TempDir()
	patch := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(lower, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(lower, "etc", "resolv.conf"), []byte("nameserver 10.0.0.1\n"), 0o644))

	require.NoError(t, PatchResolvConf(patch, []string{lower}))

	_, err := os.Stat(filepath.Join(patch, "etc", "resolv.conf"))
	require.True(t, os.IsNotExist(err))
}

func TestPatchResolvConfWritesDefaultsWhenAbsent(t *testing.T) {
	patch := t.TempDir()
	require.NoError(t, PatchResolvConf(patch, nil))

	data, err := os.ReadFile(filepath.Join(patch, "etc", "resolv.conf"))
	require.NoError(t, err)
	require.Contains(t, string(data), "nameserver 1.1.1.1")
	require.Contains(t, string(data), "nameserver 8.8.8.8")
}
