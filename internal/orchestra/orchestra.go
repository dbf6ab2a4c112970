// Package orchestra implements the Orchestra component of spec.md §4.7: a
// multi-sandbox coordinator for a single project/config that runs
// apply/up/down/status in dependency order with multiplexed colored output.
//
// Grounded on servin/pkg/compose/project.go's Project type: LoadProject's
// per-service map, resolveDependencies' topological sort over depends_on,
// and Up/Down's dependency-ordered (resp. reverse-ordered) iteration carry
// over directly — generalized from in-process container start/stop calls
// to spawning/signalling the external supervisor via internal/runner and
// internal/supervisor, and from synchronous fmt.Printf status lines to a
// structured Status() plus real colored multiplexed output when attached.
package orchestra

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/microsandbox/msb/internal/config"
	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/runner"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/sandboxdb"
	"github.com/microsandbox/msb/internal/supervisor"
)

var prefixColors = []color.Attribute{
	color.FgCyan, color.FgYellow, color.FgGreen, color.FgMagenta, color.FgBlue, color.FgRed,
}

// Orchestra coordinates every sandbox declared in one project/config file.
type Orchestra struct {
	ProjectDir string
	ConfigFile string

	Runner *runner.Runner
	Store  *sandboxdb.Store

	sizeCache diskSizeCache
}

// New wires an Orchestra for a single project/config pair.
func New(projectDir, configFile string, r *runner.Runner, store *sandboxdb.Store) *Orchestra {
	return &Orchestra{ProjectDir: projectDir, ConfigFile: configFile, Runner: r, Store: store}
}

// SandboxStatus is spec.md §4.7 status's per-sandbox result shape.
type SandboxStatus struct {
	Name          string
	Running       bool
	SupervisorPID int
	MicroVMPID    int
	CPUPercent    float64
	RSSMiB        uint64
	DiskBytes     int64
	RootfsPaths   string
}

func (o *Orchestra) configPath() string {
	return o.ProjectDir + "/" + o.ConfigFile
}

func (o *Orchestra) load() (*sandboxfile.File, error) {
	return sandboxfile.Load(o.configPath())
}

// resolveOrder topologically sorts names by depends_on, base→top (the same
// "simple topological sort" servin's resolveDependencies performs),
// bounded by config.MaxDependencyDepth.
func resolveOrder(cfg *sandboxfile.MicrosandboxConfig) ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]int)
	var order []string

	var visit func(name string, depth int) error
	visit = func(name string, depth int) error {
		if depth > config.MaxDependencyDepth {
			return msberr.New(msberr.InvalidArgument, "resolve-order",
				fmt.Sprintf("dependency depth exceeds %d at %q", config.MaxDependencyDepth, name))
		}
		if visiting[name] > 0 {
			return msberr.New(msberr.InvalidArgument, "resolve-order",
				fmt.Sprintf("circular dependency detected involving sandbox %q", name))
		}
		if visited[name] {
			return nil
		}
		visiting[name] = 1

		sb, ok := cfg.Sandboxes[name]
		if !ok {
			return msberr.New(msberr.SandboxNotFoundInConfig, "resolve-order", name)
		}
		for _, dep := range sb.DependsOn {
			if _, ok := cfg.Sandboxes[dep]; !ok {
				return msberr.New(msberr.SandboxNotFoundInConfig, "resolve-order",
					fmt.Sprintf("sandbox %q depends on unknown sandbox %q", name, dep))
			}
			if err := visit(dep, depth+1); err != nil {
				return err
			}
		}

		visiting[name] = 0
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for name := range cfg.Sandboxes {
		if err := visit(name, 0); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// selectNames validates requested names against config, returning the full
// dependency-ordered subset (spec.md §4.7: "any requested name not in
// config fails the whole operation before spawning").
func selectNames(cfg *sandboxfile.MicrosandboxConfig, requested []string) ([]string, error) {
	order, err := resolveOrder(cfg)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return order, nil
	}

	want := make(map[string]bool, len(requested))
	for _, n := range requested {
		if _, ok := cfg.Sandboxes[n]; !ok {
			return nil, msberr.New(msberr.SandboxNotFoundInConfig, "select-names", n)
		}
		want[n] = true
	}

	out := make([]string, 0, len(requested))
	for _, n := range order {
		if want[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (o *Orchestra) isRunning(name string) (*sandboxdb.SandboxRow, bool) {
	row, err := o.Store.GetSandbox(name, o.ConfigFile)
	if err != nil || row == nil {
		return row, false
	}
	return row, row.Status == sandboxdb.StatusRunning && supervisor.IsAlive(row.SupervisorPID)
}

// Up starts the intersection of (names ∪ all-in-config) minus currently
// running (spec.md §4.7). Detached sandboxes start concurrently; attached
// sandboxes multiplex colored output and all must terminate before Up
// returns.
func (o *Orchestra) Up(ctx context.Context, names []string, detach bool) error {
	file, err := o.load()
	if err != nil {
		return err
	}
	selected, err := selectNames(&file.Config, names)
	if err != nil {
		return err
	}

	var toStart []string
	for _, n := range selected {
		if _, running := o.isRunning(n); !running {
			toStart = append(toStart, n)
		}
	}
	if len(toStart) == 0 {
		return nil
	}

	if detach {
		return o.startConcurrently(ctx, toStart, true, nil, nil)
	}
	return o.startMultiplexed(ctx, toStart)
}

func (o *Orchestra) startConcurrently(ctx context.Context, names []string, detach bool, stdout, stderr io.Writer) error {
	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = o.Runner.Run(ctx, runner.Options{
				SandboxName:      name,
				ProjectDir:       o.ProjectDir,
				ConfigFile:       o.ConfigFile,
				Detach:           detach,
				UseImageDefaults: true,
				Stdout:           stdout,
				Stderr:           stderr,
			})
		}(i, name)
	}
	wg.Wait()

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s | %s", names[i], err.Error()))
		}
	}
	if len(failures) > 0 {
		return msberr.New(msberr.SupervisorError, "orchestra-up", fmt.Sprintf("%d sandbox(es) failed: %v", len(failures), failures))
	}
	return nil
}

// startMultiplexed runs each sandbox attached, prefixing every output line
// with a colored "name | " tag (spec.md §4.7: "multiplexes child
// stdout/stderr through the parent with per-sandbox color and a
// `name | message` prefix").
func (o *Orchestra) startMultiplexed(ctx context.Context, names []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(names))

	for i, name := range names {
		attr := prefixColors[i%len(prefixColors)]
		prefixer := color.New(attr).SprintFunc()

		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		wg.Add(1)
		go streamPrefixed(name, prefixer, outR)
		wg.Add(1)
		go streamPrefixed(name, prefixer, errR)

		wg.Add(1)
		go func(i int, name string, outW, errW *io.PipeWriter) {
			defer wg.Done()
			defer outW.Close()
			defer errW.Close()
			errs[i] = o.Runner.Run(ctx, runner.Options{
				SandboxName:      name,
				ProjectDir:       o.ProjectDir,
				ConfigFile:       o.ConfigFile,
				Detach:           false,
				UseImageDefaults: true,
				Stdout:           outW,
				Stderr:           errW,
			})
		}(i, name, outW, errW)
	}
	wg.Wait()

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s | exit code: %s", names[i], exitCodeOf(err)))
		}
	}
	if len(failures) > 0 {
		return msberr.New(msberr.SupervisorError, "orchestra-up", fmt.Sprintf("%v", failures))
	}
	return nil
}

func streamPrefixed(name string, prefix func(a ...any) string, r *io.PipeReader) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fmt.Printf("%s | %s\n", prefix(name), scanner.Text())
	}
}

func exitCodeOf(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strconv.Itoa(exitErr.ExitCode())
	}
	if sbErr, ok := err.(*msberr.SandboxError); ok {
		return sbErr.Message
	}
	return err.Error()
}

// Down stops the intersection of (names ∪ all-in-config) ∩ currently
// running, by sending SIGTERM to each supervisor pid and awaiting exit.
func (o *Orchestra) Down(ctx context.Context, names []string) error {
	file, err := o.load()
	if err != nil {
		return err
	}
	selected, err := selectNames(&file.Config, names)
	if err != nil {
		return err
	}

	// Reverse dependency order for shutdown, matching servin's Down.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	var failures []string
	for _, name := range selected {
		row, running := o.isRunning(name)
		if !running {
			continue
		}
		if err := supervisor.Signal(row.SupervisorPID, syscall.SIGTERM); err != nil {
			failures = append(failures, fmt.Sprintf("%s | %v", name, err))
			continue
		}
		awaitExit(row.SupervisorPID, 10*time.Second)
		if err := o.Store.UpdateStatus(name, o.ConfigFile, sandboxdb.StatusStopped); err != nil {
			failures = append(failures, fmt.Sprintf("%s | %v", name, err))
		}
	}
	if len(failures) > 0 {
		return msberr.New(msberr.SupervisorError, "orchestra-down", fmt.Sprintf("%v", failures))
	}
	return nil
}

func awaitExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !supervisor.IsAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Apply starts anything in config but not running, and stops anything
// running but not in config (spec.md §4.7).
func (o *Orchestra) Apply(ctx context.Context) error {
	file, err := o.load()
	if err != nil {
		return err
	}
	order, err := resolveOrder(&file.Config)
	if err != nil {
		return err
	}

	var toStart []string
	for _, n := range order {
		if _, running := o.isRunning(n); !running {
			toStart = append(toStart, n)
		}
	}

	rows, err := o.Store.GetRunningConfigSandboxes(o.ConfigFile)
	if err != nil {
		return err
	}
	var toStop []string
	for _, row := range rows {
		if _, ok := file.Config.Sandboxes[row.Name]; !ok {
			toStop = append(toStop, row.Name)
		}
	}

	if len(toStart) > 0 {
		if err := o.startConcurrently(ctx, toStart, true, nil, nil); err != nil {
			return err
		}
	}
	if len(toStop) > 0 {
		if err := o.Down(ctx, toStop); err != nil {
			return err
		}
	}
	return nil
}

// Status returns {running, supervisor_pid, microvm_pid, cpu%, rss_mib,
// disk_bytes, rootfs_paths} for each selected sandbox (spec.md §4.7).
func (o *Orchestra) Status(names []string) ([]SandboxStatus, error) {
	file, err := o.load()
	if err != nil {
		return nil, err
	}
	selected, err := selectNames(&file.Config, names)
	if err != nil {
		return nil, err
	}

	out := make([]SandboxStatus, 0, len(selected))
	for _, name := range selected {
		row, running := o.isRunning(name)
		st := SandboxStatus{Name: name}
		if row != nil {
			st.SupervisorPID = row.SupervisorPID
			st.MicroVMPID = row.MicroVMPID
			st.RootfsPaths = row.RootfsPaths
			st.Running = running
		}
		if running {
			st.CPUPercent, st.RSSMiB = processStats(row.SupervisorPID)
			st.DiskBytes = o.diskUsage(name, row.RootfsPaths)
		}
		out = append(out, st)
	}
	return out, nil
}

// processStats reads CPU%/RSS for pid via gopsutil, spec.md §4.7's
// "cpu%, rss_mib" fields. Best-effort: a dead or inaccessible pid yields
// zeros rather than an error, since status must keep reporting for every
// other sandbox.
func processStats(pid int) (cpuPercent float64, rssMiB uint64) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rssMiB = mem.RSS / (1024 * 1024)
	}
	return cpuPercent, rssMiB
}

// diskUsage returns the writable-layer size for an overlay rootfs, or the
// whole root for native (spec.md §4.7), through the 30s TTL cache.
func (o *Orchestra) diskUsage(sandboxName, rootfsPaths string) int64 {
	return o.sizeCache.get(sandboxName, rootfsPaths, config.DiskSizeTTL)
}
