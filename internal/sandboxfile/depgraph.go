package sandboxfile

import (
	"fmt"

	"github.com/microsandbox/msb/internal/config"
	"github.com/microsandbox/msb/internal/msberr"
)

// CheckDependencyGraph detects cycles in the depends_on adjacency map and
// rejects chains deeper than config.MaxDependencyDepth, per spec.md §9
// ("Cyclic references ... represent as adjacency map and bound traversal by
// the documented dependency-depth constant").
//
// Grounded on servin/pkg/compose/project.go's resolveDependencies, which
// performs the same depth-first walk over a single compose file's services.
func CheckDependencyGraph(sandboxes map[string]SandboxConfig) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(sandboxes))

	var visit func(name string, depth int) error
	visit = func(name string, depth int) error {
		if depth > config.MaxDependencyDepth {
			return msberr.New(msberr.InvalidArgument, "check-dependency-graph",
				fmt.Sprintf("dependency chain exceeds max depth %d", config.MaxDependencyDepth))
		}
		switch color[name] {
		case gray:
			return msberr.New(msberr.InvalidArgument, "check-dependency-graph",
				fmt.Sprintf("cyclic dependency involving %q", name))
		case black:
			return nil
		}

		color[name] = gray
		sb, ok := sandboxes[name]
		if !ok {
			return msberr.New(msberr.SandboxNotFoundInConfig, "check-dependency-graph",
				fmt.Sprintf("sandbox %q depends on undefined sandbox", name))
		}
		for _, dep := range sb.DependsOn {
			if err := visit(dep, depth+1); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range sandboxes {
		if err := visit(name, 0); err != nil {
			return err
		}
	}
	return nil
}
