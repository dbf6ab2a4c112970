// Package runner implements the Sandbox Runner component of spec.md §4.6:
// reconciling a sandbox's declared config against its image (or native
// rootfs), computing the overlay stack, resolving the exec path and argv,
// and spawning the supervisor.
//
// Grounded on servin/pkg/container's New+Run shape (construct managers,
// build a rootfs, spawn, record state), restructured around rootfs
// *resolution* (native vs. image overlay) instead of always building one
// from scratch, and spawning an external supervisor process
// (internal/supervisor) instead of an in-process namespace entry — the
// spec's two-process model replaces the teacher's single-process container
// entry.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microsandbox/msb/internal/menv"
	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/msbhome"
	"github.com/microsandbox/msb/internal/obs"
	"github.com/microsandbox/msb/internal/registry"
	"github.com/microsandbox/msb/internal/rootfs"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/ocidb"
	"github.com/microsandbox/msb/internal/store/sandboxdb"
	"github.com/microsandbox/msb/internal/supervisor"

	layerpkg "github.com/microsandbox/msb/internal/layer"
)

const reservedScriptName = "shell"

// Options is run(...)'s full parameter set (spec.md §4.6).
type Options struct {
	SandboxName      string
	ScriptName       string // optional
	ProjectDir       string
	ConfigFile       string
	Args             []string
	Detach           bool
	Exec             []string // optional, overrides everything
	UseImageDefaults bool

	// Stdout/Stderr, when set, override inherited stdio for a non-detached
	// run. Orchestra uses these to multiplex several sandboxes' output.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner wires together the Persistent Store, Registry Client, Layer
// Extractor, and Rootfs Patcher to execute spec.md §4.6's run algorithm.
type Runner struct {
	home       msbhome.Layout
	ociStore   *ocidb.Store
	registry   *registry.Client
	extractor  *layerpkg.Extractor
	log        *obs.Logger
}

// New wires a Runner from an already-initialized home layout.
func New(home msbhome.Layout, ociStore *ocidb.Store, reg *registry.Client, extractor *layerpkg.Extractor, log *obs.Logger) *Runner {
	if log == nil {
		log = obs.L()
	}
	return &Runner{home: home, ociStore: ociStore, registry: reg, extractor: extractor, log: log}
}

// Run implements spec.md §4.6 steps 1-6.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	configPath := filepath.Join(opts.ProjectDir, opts.ConfigFile)
	file, err := sandboxfile.Load(configPath)
	if err != nil {
		return err
	}
	sb, ok := file.Config.Sandboxes[opts.SandboxName]
	if !ok {
		return msberr.New(msberr.SandboxNotFoundInConfig, "run", opts.SandboxName)
	}

	menvLayout, err := menv.Init(opts.ProjectDir, opts.ConfigFile)
	if err != nil {
		return err
	}
	sbStore, err := sandboxdb.Open(menvLayout.SandboxDB)
	if err != nil {
		return err
	}
	defer sbStore.Close()

	fi, err := os.Stat(configPath)
	if err != nil {
		return msberr.Wrap(err, msberr.ConfigNotFound, "run", configPath)
	}
	configLastModified := fi.ModTime().UTC().Format(time.RFC3339)

	prevRow, err := sbStore.GetSandbox(opts.SandboxName, opts.ConfigFile)
	if err != nil {
		return err
	}
	configChanged := prevRow == nil || prevRow.ConfigLastModified != configLastModified

	rootfsDesc, layerDirs, scope, execCfg, err := r.resolveRootfs(ctx, opts, &sb, menvLayout, configChanged)
	if err != nil {
		return err
	}

	execPath, argv, err := resolveExec(opts, execCfg)
	if err != nil {
		return err
	}

	spec := supervisor.Spec{
		LogDir:             filepath.Join(menvLayout.Log, opts.ConfigFile),
		SandboxName:        opts.SandboxName,
		ConfigFile:         opts.ConfigFile,
		ConfigLastModified: configLastModified,
		SandboxDBPath:      menvLayout.SandboxDB,
		NetworkScope:       scope.String(),
		ExecPath:           execPath,
		Argv:               argv,
		NumVCPUs:           int(execCfg.CPUs),
		MemoryMiB:          execCfg.Memory,
		Workdir:            execCfg.Workdir,
		Envs:               execCfg.Envs,
		PortMappings:       execCfg.Ports,
		MappedDirs:         rebaseVolumes(execCfg.Volumes, opts.ProjectDir),
		LayerDirs:          layerDirs,
		RootfsDescription:  rootfsDesc,
		Detach:             opts.Detach,
		Stdout:             opts.Stdout,
		Stderr:             opts.Stderr,
	}

	handle, err := supervisor.Spawn(ctx, spec)
	if err != nil {
		return err
	}

	pid := handle.PID
	if _, err := sbStore.SaveOrUpdateSandbox(opts.SandboxName, opts.ConfigFile, configLastModified, sandboxdb.StatusRunning, pid, 0, rootfsDesc); err != nil {
		return err
	}

	return nil
}

// resolveRootfs implements spec.md §4.6 step 3, returning the tagged
// rootfs_paths description, the ordered (base-first) extracted layer dirs
// (empty for native), the effective network scope, and the sandbox config
// after image defaults have been merged in (workdir/env/command/ports).
func (r *Runner) resolveRootfs(ctx context.Context, opts Options, sb *sandboxfile.SandboxConfig, menvLayout menv.Layout, configChanged bool) (string, []string, sandboxfile.NetworkScope, sandboxfile.SandboxConfig, error) {
	src, err := sandboxfile.ParseImageSource(sb.Image, isLocalDir)
	if err != nil {
		return "", nil, sb.Scope, *sb, err
	}

	patchDir := filepath.Join(menvLayout.Patch, opts.ConfigFile, opts.SandboxName)
	rwDir := filepath.Join(menvLayout.RW, opts.ConfigFile, opts.SandboxName)
	if err := os.MkdirAll(patchDir, 0o755); err != nil {
		return "", nil, sb.Scope, *sb, msberr.Wrap(err, msberr.IO, "resolve-rootfs", patchDir)
	}
	if err := os.MkdirAll(rwDir, 0o755); err != nil {
		return "", nil, sb.Scope, *sb, msberr.Wrap(err, msberr.IO, "resolve-rootfs", rwDir)
	}

	if src.Kind == sandboxfile.SourceLocalPath {
		if configChanged {
			if err := rootfs.PatchAll(src.LocalPath, src.LocalPath, []string{src.LocalPath}, sb.Scripts, effectiveShell(*sb), nil); err != nil {
				return "", nil, sb.Scope, *sb, err
			}
		}
		return "native:" + src.LocalPath, nil, sb.Scope, *sb, nil
	}

	pulled, err := r.registry.Pull(ctx, src.Reference, registry.PullOptions{})
	if err != nil {
		return "", nil, sb.Scope, *sb, err
	}

	layerDirs := make([]string, len(pulled.LayerDigests))
	tarPaths := make([]string, len(pulled.LayerDigests))
	for i, dig := range pulled.LayerDigests {
		layerDirs[i] = filepath.Join(r.home.Layers, sanitizeDigest(dig)+".extracted")
		tarPaths[i] = filepath.Join(r.home.Layers, sanitizeDigest(dig))
	}
	if err := r.extractor.ExtractAll(tarPaths, layerDirs); err != nil {
		return "", nil, sb.Scope, *sb, err
	}

	merged := *sb
	if opts.UseImageDefaults {
		merged = applyImageDefaults(*sb, pulled)
	}

	overlayDirs := append(append([]string{}, layerDirs...), patchDir)
	if configChanged {
		mapped := make([]rootfs.MappedDir, 0, len(merged.Volumes))
		for _, v := range merged.Volumes {
			parts := strings.SplitN(v, ":", 2)
			if len(parts) == 2 {
				mapped = append(mapped, rootfs.MappedDir{GuestPath: parts[1]})
			}
		}
		if err := rootfs.PatchAll(rwDir, patchDir, overlayDirs, merged.Scripts, effectiveShell(merged), mapped); err != nil {
			return "", nil, merged.Scope, merged, err
		}
	}

	stack := append(append([]string{}, overlayDirs...), rwDir)
	return "overlayfs:" + strings.Join(stack, ":"), layerDirs, merged.Scope, merged, nil
}

func sanitizeDigest(d string) string { return d }

func isLocalDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func effectiveShell(sb sandboxfile.SandboxConfig) string {
	if sb.Shell != "" {
		return sb.Shell
	}
	return "/bin/sh"
}

// applyImageDefaults implements spec.md §4.6 step 3's image-default merge:
// workdir, env (image env prepended to sandbox env), command (from
// entrypoint+cmd, falling back to shell), exposed ports union.
func applyImageDefaults(sb sandboxfile.SandboxConfig, pulled *registry.PulledImage) sandboxfile.SandboxConfig {
	out := sb
	if out.Workdir == "" {
		out.Workdir = pulled.Config.Config.WorkingDir
	}
	if len(pulled.Config.Config.Env) > 0 {
		out.Envs = append(append([]string{}, pulled.Config.Config.Env...), out.Envs...)
	}
	if out.Command == "" {
		parts := append(append([]string{}, pulled.Config.Config.Entrypoint...), pulled.Config.Config.Cmd...)
		if len(parts) > 0 {
			out.Command = strings.Join(parts, " ")
		}
	}
	for port := range pulled.Config.Config.ExposedPorts {
		has := false
		for _, p := range out.Ports {
			if strings.HasSuffix(p, ":"+port) || p == port {
				has = true
				break
			}
		}
		if !has {
			out.Ports = append(out.Ports, port)
		}
	}
	return out
}

func rebaseVolumes(volumes []string, projectDir string) []string {
	out := make([]string, len(volumes))
	for i, v := range volumes {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			out[i] = v
			continue
		}
		host := parts[0]
		if !filepath.IsAbs(host) {
			host = filepath.Join(projectDir, host)
		}
		out[i] = host + ":" + parts[1]
	}
	return out
}

// resolveExec implements spec.md §4.6 step 4.
func resolveExec(opts Options, sb sandboxfile.SandboxConfig) (string, []string, error) {
	if len(opts.Exec) > 0 {
		return opts.Exec[0], append(append([]string{}, opts.Exec[1:]...), opts.Args...), nil
	}

	if opts.ScriptName != "" {
		if opts.ScriptName != reservedScriptName {
			if _, ok := sb.Scripts[opts.ScriptName]; !ok {
				return "", nil, msberr.New(msberr.ScriptNotFoundInSandbox, "resolve-exec", opts.ScriptName)
			}
		}
		return fmt.Sprintf("/.sandbox/scripts/%s", opts.ScriptName), opts.Args, nil
	}

	if _, ok := sb.Scripts["start"]; ok {
		return "/.sandbox/scripts/start", opts.Args, nil
	}

	if sb.Command != "" {
		fields := strings.Fields(sb.Command)
		return fields[0], append(append([]string{}, fields[1:]...), opts.Args...), nil
	}

	return effectiveShell(sb), opts.Args, nil
}
