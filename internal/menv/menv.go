// Package menv manages a project's `.menv/` directory: the per-project
// log/rw/patch layout and sandbox database, plus `.gitignore` maintenance
// and the project-scoped `clean` operation (spec.md §4.8).
//
// Grounded on servin/pkg/compose's Project/LoadProject shape (a
// project-rooted directory carrying state + a config file path),
// generalized from servin's single global container-state directory to a
// project-local `.menv/` tree.
package menv

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/sandboxdb"
)

const dirName = ".menv"

// Layout is the set of well-known paths under a project's .menv/.
type Layout struct {
	Root      string
	Log       string
	RW        string
	Patch     string
	SandboxDB string
}

// ForProject returns the .menv/ layout rooted at projectDir.
func ForProject(projectDir string) Layout {
	root := filepath.Join(projectDir, dirName)
	return Layout{
		Root:      root,
		Log:       filepath.Join(root, "log"),
		RW:        filepath.Join(root, "rw"),
		Patch:     filepath.Join(root, "patch"),
		SandboxDB: filepath.Join(root, "sandbox.db"),
	}
}

// Init creates the .menv/ directories, runs sandbox DB migrations, writes a
// default Sandboxfile if missing, and appends .menv/ to .gitignore.
func Init(projectDir, configFile string) (Layout, error) {
	l := ForProject(projectDir)
	for _, dir := range []string{l.Root, l.Log, l.RW, l.Patch} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, msberr.Wrap(err, msberr.IO, "menv-init", dir)
		}
	}

	st, err := sandboxdb.Open(l.SandboxDB)
	if err != nil {
		return Layout{}, err
	}
	st.Close()

	configPath := filepath.Join(projectDir, configFile)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		f := sandboxfile.Default()
		f.Path = configPath
		if err := f.Save(); err != nil {
			return Layout{}, err
		}
	}

	if err := appendGitignore(projectDir, dirName); err != nil {
		return Layout{}, err
	}

	return l, nil
}

// appendGitignore idempotently appends entry to <projectDir>/.gitignore,
// preserving existing entries and the file's trailing newline convention.
func appendGitignore(projectDir, entry string) error {
	path := filepath.Join(projectDir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return msberr.Wrap(err, msberr.IO, "gitignore", path)
		}
		data = nil
	}

	lines := strings.Split(string(data), "\n")
	for _, l := range lines {
		if strings.TrimSpace(l) == entry {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"

	return os.WriteFile(path, []byte(content), 0o644)
}

// Clean implements spec.md §4.8 clean: with sandboxName set, removes just
// that sandbox's rw/patch/log subtrees and DB row; otherwise removes the
// whole .menv/, refusing unless force when a config file still exists.
func Clean(projectDir, configFile, sandboxName string, force bool) error {
	l := ForProject(projectDir)

	if sandboxName != "" {
		st, err := sandboxdb.Open(l.SandboxDB)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := os.RemoveAll(filepath.Join(l.RW, configFile, sandboxName)); err != nil {
			return msberr.Wrap(err, msberr.IO, "clean", sandboxName)
		}
		if err := os.RemoveAll(filepath.Join(l.Patch, configFile, sandboxName)); err != nil {
			return msberr.Wrap(err, msberr.IO, "clean", sandboxName)
		}
		logPath := filepath.Join(l.Log, configFile, sandboxName+".log")
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			return msberr.Wrap(err, msberr.IO, "clean", logPath)
		}
		return st.DeleteSandbox(sandboxName, configFile)
	}

	configPath := filepath.Join(projectDir, configFile)
	if _, err := os.Stat(configPath); err == nil && !force {
		return msberr.New(msberr.InvalidArgument, "clean", "config file still exists; pass force to remove .menv/")
	}
	return os.RemoveAll(l.Root)
}
