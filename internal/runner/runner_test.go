package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsandbox/msb/internal/msbhome"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/ocidb"
)

func TestResolveExecPrefersExplicitExecOverEverything(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Command: "node server.js", Scripts: map[string]string{"start": "echo hi"}}
	opts := Options{Exec: []string{"/bin/custom"}, Args: []string{"--flag"}}

	path, argv, err := resolveExec(opts, sb)
	require.NoError(t, err)
	require.Equal(t, "/bin/custom", path)
	require.Equal(t, []string{"--flag"}, argv)
}

func TestResolveExecUsesNamedScript(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Scripts: map[string]string{"test": "pytest"}}
	opts := Options{ScriptName: "test"}

	path, _, err := resolveExec(opts, sb)
	require.NoError(t, err)
	require.Equal(t, "/.sandbox/scripts/test", path)
}

func TestResolveExecRejectsUnknownScriptName(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Scripts: map[string]string{"start": "echo hi"}}
	opts := Options{ScriptName: "nonexistent"}

	_, _, err := resolveExec(opts, sb)
	require.Error(t, err)
}

func TestResolveExecAllowsReservedShellScriptNameWithoutScriptsEntry(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Shell: "/bin/bash"}
	opts := Options{ScriptName: "shell"}

	path, _, err := resolveExec(opts, sb)
	require.NoError(t, err)
	require.Equal(t, "/.sandbox/scripts/shell", path)
}

func TestResolveExecFallsBackToStartScript(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Scripts: map[string]string{"start": "echo hi"}}
	opts := Options{}

	path, _, err := resolveExec(opts, sb)
	require.NoError(t, err)
	require.Equal(t, "/.sandbox/scripts/start", path)
}

func TestResolveExecFallsBackToCommandThenShell(t *testing.T) {
	sb := sandboxfile.SandboxConfig{Command: "node server.js --port 8080"}
	path, argv, err := resolveExec(Options{}, sb)
	require.NoError(t, err)
	require.Equal(t, "node", path)
	require.Equal(t, []string{"server.js", "--port", "8080"}, argv)

	sb2 := sandboxfile.SandboxConfig{Shell: "/bin/ash"}
	path2, _, err := resolveExec(Options{}, sb2)
	require.NoError(t, err)
	require.Equal(t, "/bin/ash", path2)
}

func TestRebaseVolumesOnlyRewritesRelativeHostPaths(t *testing.T) {
	out := rebaseVolumes([]string{"./data:/data", "/abs/host:/container"}, "/proj")
	require.Equal(t, []string{filepath.Join("/proj", "./data") + ":/data", "/abs/host:/container"}, out)
}

// TestRunNativeSandboxSpawnsSupervisorAndRecordsRow exercises the full
// native (non-image) run path end to end: config load, .menv init, rootfs
// patch, supervisor spawn (against a stub MSBRUN_EXE), and the sandboxdb
// row write.
func TestRunNativeSandboxSpawnsSupervisorAndRecordsRow(t *testing.T) {
	projectDir := t.TempDir()
	rootfsDir := t.TempDir()

	configYAML := "sandboxes:\n  dev:\n    image: " + rootfsDir + "\n    shell: /bin/sh\n    scope: public\n"
	configPath := filepath.Join(projectDir, "Sandboxfile.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))

	stubExe := filepath.Join(t.TempDir(), "msbrun-stub.sh")
	require.NoError(t, os.WriteFile(stubExe, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("MSBRUN_EXE", stubExe)

	homeRoot := t.TempDir()
	layout := msbhome.Layout{
		Root:     homeRoot,
		Layers:   filepath.Join(homeRoot, "layers"),
		Installs: filepath.Join(homeRoot, "installs"),
	}
	require.NoError(t, os.MkdirAll(layout.Layers, 0o755))

	ociPath := filepath.Join(homeRoot, "oci.db")
	ociStore, err := ocidb.Open(ociPath)
	require.NoError(t, err)
	defer ociStore.Close()

	r := New(layout, ociStore, nil, nil, nil)

	err = r.Run(context.Background(), Options{
		SandboxName: "dev",
		ProjectDir:  projectDir,
		ConfigFile:  "Sandboxfile.yaml",
		Detach:      true,
	})
	require.NoError(t, err)
}
