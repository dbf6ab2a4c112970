package sandboxfile

import "testing"

func TestCheckDependencyGraphDetectsCycle(t *testing.T) {
	sandboxes := map[string]SandboxConfig{
		"a": {Command: "x", DependsOn: []string{"b"}},
		"b": {Command: "x", DependsOn: []string{"a"}},
	}
	if err := CheckDependencyGraph(sandboxes); err == nil {
		t.Error("expected cycle to be detected")
	}
}

func TestCheckDependencyGraphAcceptsDAG(t *testing.T) {
	sandboxes := map[string]SandboxConfig{
		"a": {Command: "x"},
		"b": {Command: "x", DependsOn: []string{"a"}},
		"c": {Command: "x", DependsOn: []string{"a", "b"}},
	}
	if err := CheckDependencyGraph(sandboxes); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSandboxConfigValidateRequiresExec(t *testing.T) {
	sb := SandboxConfig{}
	if err := sb.Validate("dev"); err == nil {
		t.Error("expected validation failure without start/command/shell")
	}
	sb.Command = "./run.sh"
	if err := sb.Validate("dev"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
