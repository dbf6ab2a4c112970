// Package msbhome resolves the global microsandbox home directory and
// manages the install/uninstall alias shims and credentials/server-key
// files that live under it.
//
// Grounded on servin/pkg/state/state.go's NewStateManager per-platform
// runtime.GOOS switch for the home directory default, generalized from a
// fixed container-state directory to the env-overridable
// MICROSANDBOX_HOME the spec requires.
package msbhome

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsandbox/msb/internal/msberr"
)

const envHome = "MICROSANDBOX_HOME"

const aliasMarker = "MSB-ALIAS:"

// Resolve returns <MICROSANDBOX_HOME>, falling back to a platform default
// under the user's home directory.
func Resolve() (string, error) {
	if v := os.Getenv(envHome); v != "" {
		return v, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", msberr.Wrap(err, msberr.IO, "resolve-home", "")
	}

	// Unlike servin's NewStateManager (which roots Linux under /var/lib),
	// spec.md §4.8 fixes the default under the user's home directory on
	// every platform, so there is no per-OS branch here.
	return filepath.Join(home, ".microsandbox"), nil
}

// Layout is the set of well-known paths under home.
type Layout struct {
	Root        string
	Layers      string
	Installs    string
	SandboxDB   string
	OCIDB       string
	ServerKey   string
	ServerPID   string
	Credentials string
}

// Ensure resolves home and creates the directories it needs.
func Ensure() (Layout, error) {
	root, err := Resolve()
	if err != nil {
		return Layout{}, err
	}
	l := Layout{
		Root:        root,
		Layers:      filepath.Join(root, "layers"),
		Installs:    filepath.Join(root, "installs"),
		SandboxDB:   filepath.Join(root, "sandbox.db"),
		OCIDB:       filepath.Join(root, "oci.db"),
		ServerKey:   filepath.Join(root, "server.key"),
		ServerPID:   filepath.Join(root, "server.pid"),
		Credentials: filepath.Join(root, "credentials.json"),
	}
	for _, dir := range []string{l.Root, l.Layers, l.Installs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, msberr.Wrap(err, msberr.IO, "ensure-home", dir)
		}
	}
	return l, nil
}

// Install materializes a per-alias YAML under <home>/installs/ and writes a
// shell shim into ~/.local/bin/<alias> containing the MSB-ALIAS marker, per
// spec.md §4.8.
func Install(alias string, installYAML []byte, msbExePath string) error {
	l, err := Ensure()
	if err != nil {
		return err
	}

	yamlPath := filepath.Join(l.Installs, alias+".yaml")
	if err := os.WriteFile(yamlPath, installYAML, 0o644); err != nil {
		return msberr.Wrap(err, msberr.IO, "install", yamlPath)
	}

	binDir, err := localBinDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return msberr.Wrap(err, msberr.IO, "install", binDir)
	}

	shimPath := filepath.Join(binDir, alias)
	shim := fmt.Sprintf("#!/bin/sh\n# %s %s\nexec %q run --alias %q -- \"$@\"\n", aliasMarker, alias, msbExePath, alias)
	if err := os.WriteFile(shimPath, []byte(shim), 0o755); err != nil {
		return msberr.Wrap(err, msberr.IO, "install", shimPath)
	}
	return nil
}

// Uninstall removes the alias's shim only if it carries the MSB-ALIAS
// marker, and removes the alias's installed YAML.
func Uninstall(alias string) error {
	l, err := Ensure()
	if err != nil {
		return err
	}

	binDir, err := localBinDir()
	if err != nil {
		return err
	}
	shimPath := filepath.Join(binDir, alias)
	if data, err := os.ReadFile(shimPath); err == nil {
		if strings.Contains(string(data), aliasMarker) {
			if err := os.Remove(shimPath); err != nil {
				return msberr.Wrap(err, msberr.IO, "uninstall", shimPath)
			}
		}
	}

	yamlPath := filepath.Join(l.Installs, alias+".yaml")
	if err := os.Remove(yamlPath); err != nil && !os.IsNotExist(err) {
		return msberr.Wrap(err, msberr.IO, "uninstall", yamlPath)
	}
	return nil
}

func localBinDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", msberr.Wrap(err, msberr.IO, "local-bin-dir", "")
	}
	return filepath.Join(home, ".local", "bin"), nil
}

// Clean removes every installed alias's YAML, refusing (unless force) when
// any config file still exists under installs/.
func Clean(force bool) error {
	l, err := Ensure()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(l.Installs)
	if err != nil {
		return msberr.Wrap(err, msberr.IO, "home-clean", l.Installs)
	}
	if len(entries) > 0 && !force {
		return msberr.New(msberr.InvalidArgument, "home-clean", "installs/ is not empty; pass force to remove")
	}
	return os.RemoveAll(l.Installs)
}
