package ocidb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayerOrderingPreservesBaseFirst(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "oci.db"))
	require.NoError(t, err)
	defer st.Close()

	imgID, err := st.SaveOrGetImage("docker.io/microsandbox/python:latest", 0)
	require.NoError(t, err)

	manifestID, err := st.SaveManifest(imgID, nil, 2, "application/vnd.oci.image.manifest.v1+json", "{}")
	require.NoError(t, err)

	base, err := st.SaveOrUpdateLayer("application/vnd.oci.image.layer.v1.tar+gzip", "sha256:base", 100, "sha256:diffbase")
	require.NoError(t, err)
	top, err := st.SaveOrUpdateLayer("application/vnd.oci.image.layer.v1.tar+gzip", "sha256:top", 200, "sha256:difftop")
	require.NoError(t, err)

	require.NoError(t, st.SaveManifestLayer(manifestID, base, 0))
	require.NoError(t, st.SaveManifestLayer(manifestID, top, 1))

	digests, err := st.GetImageLayerDigests("docker.io/microsandbox/python:latest")
	require.NoError(t, err)
	require.Equal(t, []string{"sha256:base", "sha256:top"}, digests)
}

func TestSaveOrUpdateLayerIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "oci.db"))
	require.NoError(t, err)
	defer st.Close()

	id1, err := st.SaveOrUpdateLayer("application/vnd.oci.image.layer.v1.tar+gzip", "sha256:abc", 10, "sha256:diff")
	require.NoError(t, err)
	id2, err := st.SaveOrUpdateLayer("application/vnd.oci.image.layer.v1.tar+gzip", "sha256:abc", 10, "sha256:diff")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}
