package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestLayer(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Size:     int64(len(e.data)),
			Linkname: e.linkname,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if len(e.data) > 0 {
			_, err := tw.Write(e.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "layer.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	data     []byte
	linkname string
}

func TestExtractBasicFilesAndDirs(t *testing.T) {
	tarPath := writeTestLayer(t, []tarEntry{
		{name: "a/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/hello.txt", typeflag: tar.TypeReg, mode: 0o644, data: []byte("hi")},
	})

	extractDir := filepath.Join(t.TempDir(), "extracted")
	e := New(nil)
	require.NoError(t, e.Extract(tarPath, extractDir, nil))

	data, err := os.ReadFile(filepath.Join(extractDir, "a", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	fi, err := os.Stat(filepath.Join(extractDir, "a", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm()&0o600)
}

func TestExtractIsIdempotentOnNonEmptyDir(t *testing.T) {
	tarPath := writeTestLayer(t, []tarEntry{
		{name: "f.txt", typeflag: tar.TypeReg, mode: 0o644, data: []byte("v1")},
	})
	extractDir := filepath.Join(t.TempDir(), "extracted")
	e := New(nil)
	require.NoError(t, e.Extract(tarPath, extractDir, nil))

	// Mutate on disk, then re-run Extract with a layer that would produce
	// different content; the non-empty dir should short-circuit.
	require.NoError(t, os.WriteFile(filepath.Join(extractDir, "f.txt"), []byte("mutated"), 0o644))
	require.NoError(t, e.Extract(tarPath, extractDir, nil))

	data, err := os.ReadFile(filepath.Join(extractDir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "mutated", string(data))
}

func TestExtractRecoversAncestorDirFromParentLayer(t *testing.T) {
	baseTar := writeTestLayer(t, []tarEntry{
		{name: "a/b/c/", typeflag: tar.TypeDir, mode: 0o755},
	})
	topTar := writeTestLayer(t, []tarEntry{
		// No explicit directory entries for a/, a/b/, a/b/c/ — only the leaf file.
		{name: "a/b/c/d.txt", typeflag: tar.TypeReg, mode: 0o644, data: []byte("leaf")},
	})

	root := t.TempDir()
	baseDir := filepath.Join(root, "base.extracted")
	topDir := filepath.Join(root, "top.extracted")

	e := New(nil)
	require.NoError(t, e.Extract(baseTar, baseDir, nil))
	require.NoError(t, e.Extract(topTar, topDir, []string{baseDir}))

	data, err := os.ReadFile(filepath.Join(topDir, "a", "b", "c", "d.txt"))
	require.NoError(t, err)
	require.Equal(t, "leaf", string(data))
}

func TestExtractNeutralizesParentTraversal(t *testing.T) {
	tarPath := writeTestLayer(t, []tarEntry{
		{name: "../evil.txt", typeflag: tar.TypeReg, mode: 0o644, data: []byte("x")},
	})
	extractRoot := t.TempDir()
	extractDir := filepath.Join(extractRoot, "extracted")
	e := New(nil)
	require.NoError(t, e.Extract(tarPath, extractDir, nil))

	// The ".." must be clamped at extractDir, never escape to extractRoot.
	_, err := os.Stat(filepath.Join(extractRoot, "evil.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(extractDir, "evil.txt"))
	require.NoError(t, err)
}
