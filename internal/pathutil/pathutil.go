// Package pathutil implements the normalized-path part of spec.md §3's
// "Path & Config Model"; the network-scope enum lives in internal/sandboxfile.
package pathutil

import (
	"fmt"
	"path"
	"strings"

	"github.com/microsandbox/msb/internal/msberr"
)

// Scope is the filesystem scope a path is normalized against: Any allows
// arbitrary absolute paths, Root additionally rejects traversal above the
// normalized root ("/").
type Scope int

const (
	Any Scope = iota
	Root
)

// Normalize collapses "." and ".." components the way filepath.Clean does,
// but additionally rejects (for Scope Root) any path whose traversal would
// rise above "/". Matches the property test in spec.md §8:
// normalize_path("/a/./b/..", Any) == "/a".
func Normalize(p string, scope Scope) (string, error) {
	if p == "" {
		return "", msberr.New(msberr.PathValidation, "normalize", "empty path")
	}

	abs := p
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}

	cleaned := path.Clean(abs)

	if scope == Root {
		depth := 0
		for _, seg := range strings.Split(strings.TrimPrefix(abs, "/"), "/") {
			switch seg {
			case "", ".":
				continue
			case "..":
				depth--
				if depth < 0 {
					return "", msberr.New(msberr.PathValidation, "normalize",
						fmt.Sprintf("path %q rises above root", p))
				}
			default:
				depth++
			}
		}
	}

	return cleaned, nil
}

// RejectParentComponent rejects a path that contains a literal ".."
// component, used by the layer extractor when validating ancestor-recovery
// paths (spec.md §4.4 step 1: "Reject ancestor components equal to '..'").
func RejectParentComponent(p string) error {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return msberr.New(msberr.PathValidation, "reject-parent", fmt.Sprintf("path %q contains '..'", p))
		}
	}
	return nil
}
