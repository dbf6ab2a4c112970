package orchestra

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsandbox/msb/internal/msbhome"
	"github.com/microsandbox/msb/internal/runner"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/ocidb"
	"github.com/microsandbox/msb/internal/store/sandboxdb"
)

func TestResolveOrderSortsByDependsOn(t *testing.T) {
	cfg := &sandboxfile.MicrosandboxConfig{Sandboxes: map[string]sandboxfile.SandboxConfig{
		"web": {DependsOn: []string{"db"}},
		"db":  {},
		"cache": {DependsOn: []string{"db"}},
	}}

	order, err := resolveOrder(cfg)
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	require.Less(t, pos["db"], pos["web"])
	require.Less(t, pos["db"], pos["cache"])
}

func TestResolveOrderDetectsCycle(t *testing.T) {
	cfg := &sandboxfile.MicrosandboxConfig{Sandboxes: map[string]sandboxfile.SandboxConfig{
		"a": {DependsOn: []string{"b"}},
		"b": {DependsOn: []string{"a"}},
	}}

	_, err := resolveOrder(cfg)
	require.Error(t, err)
}

func TestSelectNamesRejectsUnknownName(t *testing.T) {
	cfg := &sandboxfile.MicrosandboxConfig{Sandboxes: map[string]sandboxfile.SandboxConfig{
		"web": {},
	}}

	_, err := selectNames(cfg, []string{"ghost"})
	require.Error(t, err)
}

func TestSelectNamesEmptyReturnsFullOrder(t *testing.T) {
	cfg := &sandboxfile.MicrosandboxConfig{Sandboxes: map[string]sandboxfile.SandboxConfig{
		"web": {}, "db": {},
	}}

	names, err := selectNames(cfg, nil)
	require.NoError(t, err)
	require.Len(t, names, 2)
}

func newTestOrchestra(t *testing.T) (*Orchestra, string) {
	t.Helper()
	projectDir := t.TempDir()
	rootfsDir := t.TempDir()

	configYAML := "sandboxes:\n  dev:\n    image: " + rootfsDir + "\n    shell: /bin/sh\n    scope: public\n"
	configPath := filepath.Join(projectDir, "Sandboxfile.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))

	stubExe := filepath.Join(t.TempDir(), "msbrun-stub.sh")
	stubScript := "#!/bin/sh\ntrap 'exit 0' TERM INT\nwhile :; do sleep 1; done\n"
	require.NoError(t, os.WriteFile(stubExe, []byte(stubScript), 0o755))
	t.Setenv("MSBRUN_EXE", stubExe)

	homeRoot := t.TempDir()
	layout := msbhome.Layout{Root: homeRoot, Layers: filepath.Join(homeRoot, "layers")}
	require.NoError(t, os.MkdirAll(layout.Layers, 0o755))

	ociStore, err := ocidb.Open(filepath.Join(homeRoot, "oci.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ociStore.Close() })

	rnr := runner.New(layout, ociStore, nil, nil, nil)

	sbStore, err := sandboxdb.Open(filepath.Join(projectDir, ".menv", "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sbStore.Close() })

	o := New(projectDir, "Sandboxfile.yaml", rnr, sbStore)
	t.Cleanup(func() {
		if row, err := sbStore.GetSandbox("dev", "Sandboxfile.yaml"); err == nil && row != nil && row.SupervisorPID != 0 {
			if proc, err := os.FindProcess(row.SupervisorPID); err == nil {
				_ = proc.Kill()
			}
		}
	})
	return o, projectDir
}

func TestUpStartsDetachedAndRecordsRunningRow(t *testing.T) {
	o, _ := newTestOrchestra(t)

	err := o.Up(context.Background(), nil, true)
	require.NoError(t, err)

	row, err := o.Store.GetSandbox("dev", "Sandboxfile.yaml")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, sandboxdb.StatusRunning, row.Status)
}

func TestStatusReportsRunningAfterUp(t *testing.T) {
	o, _ := newTestOrchestra(t)
	require.NoError(t, o.Up(context.Background(), nil, true))

	statuses, err := o.Status(nil)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, "dev", statuses[0].Name)
	require.True(t, statuses[0].Running)
}

func TestDownStopsRunningSandbox(t *testing.T) {
	o, _ := newTestOrchestra(t)
	require.NoError(t, o.Up(context.Background(), nil, true))

	err := o.Down(context.Background(), nil)
	require.NoError(t, err)

	row, err := o.Store.GetSandbox("dev", "Sandboxfile.yaml")
	require.NoError(t, err)
	require.Equal(t, sandboxdb.StatusStopped, row.Status)
}
