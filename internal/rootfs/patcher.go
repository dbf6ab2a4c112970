// Package rootfs implements the Rootfs Patcher component of spec.md §4.5:
// the four in-place mutations applied to a sandbox's native rootfs or
// patch-layer directory before a microVM boots from it.
//
// Grounded on servin/pkg/rootfs (rootfs_linux.go's SetupMounts for the
// fstab-writing shape, copyEssentialFiles for the "write a handful of
// fixed files with fixed permissions" shape) generalized to the spec's
// scripts/fstab/resolv.conf/stat-override mutations, plus servin/pkg/vfs's
// xattr-free permission handling replaced by github.com/pkg/xattr for the
// override_stat write (same library as internal/layer).
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/xattr"

	"github.com/microsandbox/msb/internal/layer"
	"github.com/microsandbox/msb/internal/msberr"
)

const fstabHeader = `# /etc/fstab: static file system information.
#
# <file system> <mount point>   <type>  <options>       <dump>  <pass>
proc            /proc           proc    defaults        0       0
127.0.0.1       localhost
`

// PatchScripts implements spec.md §4.5 "Scripts": wipe and rewrite
// <rootfs>/.sandbox/scripts/ from the sandbox's scripts map, plus a `shell`
// file naming the interpreter for named-script argv resolution.
func PatchScripts(rootfsDir string, scripts map[string]string, shell string) error {
	scriptsDir := filepath.Join(rootfsDir, ".sandbox", "scripts")
	if err := os.RemoveAll(scriptsDir); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-scripts", scriptsDir)
	}
	if err := os.MkdirAll(scriptsDir, 0o750); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-scripts", scriptsDir)
	}

	for name, body := range scripts {
		content := fmt.Sprintf("#!%s\n%s\n", shell, body)
		path := filepath.Join(scriptsDir, name)
		if err := os.WriteFile(path, []byte(content), 0o750); err != nil {
			return msberr.Wrap(err, msberr.IO, "patch-scripts", path)
		}
	}

	shellPath := filepath.Join(scriptsDir, "shell")
	if err := os.WriteFile(shellPath, []byte(shell), 0o750); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-scripts", shellPath)
	}
	return nil
}

// MappedDir is a host:guest directory mapping for a virtiofs mount.
type MappedDir struct {
	GuestPath string
}

// PatchFstab implements spec.md §4.5 "Virtiofs mounts": idempotently merges
// one virtiofs_<i> row per mapped directory into <rootfs>/etc/fstab.
func PatchFstab(rootfsDir string, dirs []MappedDir) error {
	fstabPath := filepath.Join(rootfsDir, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(fstabPath), 0o755); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-fstab", fstabPath)
	}

	existing, err := os.ReadFile(fstabPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return msberr.Wrap(err, msberr.IO, "patch-fstab", fstabPath)
		}
		existing = []byte(fstabHeader)
	}

	content := string(existing)
	for i, d := range dirs {
		tag := fmt.Sprintf("virtiofs_%d", i)
		row := fmt.Sprintf("%s\t%s\tvirtiofs\tdefaults\t0\t0", tag, d.GuestPath)
		if strings.Contains(content, tag) {
			continue
		}
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += row + "\n"

		mountPoint := filepath.Join(rootfsDir, d.GuestPath)
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return msberr.Wrap(err, msberr.IO, "patch-fstab", mountPoint)
		}
	}

	if err := os.WriteFile(fstabPath, []byte(content), 0o644); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-fstab", fstabPath)
	}
	return nil
}

// PatchResolvConf implements spec.md §4.5 "DNS defaults". overlayDirs are
// every lower-layer and patch directory (base-first) to consult; per the
// Open Question resolved in DESIGN.md, the rw top layer is never consulted.
// The default resolv.conf, when needed, is written into patchDir.
func PatchResolvConf(patchDir string, overlayDirs []string) error {
	for _, dir := range overlayDirs {
		path := filepath.Join(dir, "etc", "resolv.conf")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), "nameserver") {
			return nil
		}
	}

	resolvPath := filepath.Join(patchDir, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(resolvPath), 0o755); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-resolv-conf", resolvPath)
	}
	content := "nameserver 1.1.1.1\nnameserver 8.8.8.8\n"
	if err := os.WriteFile(resolvPath, []byte(content), 0o644); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-resolv-conf", resolvPath)
	}
	return nil
}

// rootOverrideStatValue is the fixed xattr value spec.md §4.5 "Stat
// override on root" mandates: root-owned, mode 0755, directory type bits.
const rootOverrideStatValue = "0:0:040755"

// PatchStatOverride implements spec.md §4.5 "Stat override on root": sets
// the override_stat xattr on rwDir so the guest observes root:root 0755
// regardless of the host uid/gid the writable layer was created under.
func PatchStatOverride(rwDir string) error {
	if err := xattr.Set(rwDir, layer.OverrideStatXattr, []byte(rootOverrideStatValue)); err != nil {
		return msberr.Wrap(err, msberr.IO, "patch-stat-override", rwDir)
	}
	return nil
}

// PatchAll runs all four mutations for a sandbox rootfs, in the order the
// Sandbox Runner invokes them when a config's timestamp has changed.
func PatchAll(rwDir, patchDir string, overlayDirs []string, scripts map[string]string, shell string, mappedDirs []MappedDir) error {
	if err := PatchScripts(rwDir, scripts, shell); err != nil {
		return err
	}
	if err := PatchFstab(rwDir, mappedDirs); err != nil {
		return err
	}
	if err := PatchResolvConf(patchDir, overlayDirs); err != nil {
		return err
	}
	return PatchStatOverride(rwDir)
}
