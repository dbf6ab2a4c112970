package sandboxfile

import (
	"encoding/json"
	"fmt"

	"github.com/microsandbox/msb/internal/msberr"
)

// NetworkScope is the sandbox network-isolation level (spec.md §3).
type NetworkScope int

// The values start at -2 so that ScopePublic, the default, is the zero
// value: a sandbox without a scope key decodes as public, and omitempty
// drops public on serialize.
const (
	ScopeNone NetworkScope = iota - 2
	ScopeGroup
	ScopePublic // default
	ScopeAny
)

func (s NetworkScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeGroup:
		return "group"
	case ScopePublic:
		return "public"
	case ScopeAny:
		return "any"
	default:
		return "public"
	}
}

// ParseNetworkScope parses the YAML scope string, defaulting to public for
// an empty value (spec.md §3: "public (default)").
func ParseNetworkScope(s string) (NetworkScope, error) {
	switch s {
	case "", "public":
		return ScopePublic, nil
	case "none":
		return ScopeNone, nil
	case "group":
		return ScopeGroup, nil
	case "any":
		return ScopeAny, nil
	default:
		return ScopePublic, msberr.New(msberr.InvalidNetworkScope, "parse-network-scope",
			fmt.Sprintf("unknown network scope %q", s))
	}
}

func (s NetworkScope) MarshalYAML() (any, error) {
	if s == ScopePublic {
		return nil, nil // omit default on serialize, per spec.md §6
	}
	return s.String(), nil
}

func (s *NetworkScope) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseNetworkScope(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON/UnmarshalJSON mirror the YAML string encoding, so a
// SandboxConfig can round-trip through the JSON-RPC params of
// sandbox.start as well as through the Sandboxfile's YAML.
func (s NetworkScope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *NetworkScope) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseNetworkScope(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ImageSourceKind discriminates the tagged union of sandbox image sources
// (Design Notes §9: "Polymorphism ... image sources (Reference, LocalPath)
// as tagged variants").
type ImageSourceKind int

const (
	SourceReference ImageSourceKind = iota
	SourceLocalPath
)

// ImageSource is either a parsed registry Reference or a local rootfs path.
type ImageSource struct {
	Kind      ImageSourceKind
	Reference Reference
	LocalPath string
}

// ParseImageSource classifies a sandbox's `image:` string. A value is a
// local path when it begins with "/" or "." or exists on disk as a
// directory; otherwise it is parsed as a registry Reference.
func ParseImageSource(raw string, isLocalDir func(string) bool) (ImageSource, error) {
	if raw == "" {
		return ImageSource{}, msberr.New(msberr.InvalidArgument, "parse-image-source", "empty image")
	}
	if looksLikePath(raw) || (isLocalDir != nil && isLocalDir(raw)) {
		return ImageSource{Kind: SourceLocalPath, LocalPath: raw}, nil
	}
	ref, err := ParseReference(raw)
	if err != nil {
		return ImageSource{}, err
	}
	return ImageSource{Kind: SourceReference, Reference: ref}, nil
}

func looksLikePath(s string) bool {
	return len(s) > 0 && (s[0] == '/' || s[0] == '.')
}

func (i ImageSource) String() string {
	switch i.Kind {
	case SourceLocalPath:
		return i.LocalPath
	default:
		return i.Reference.String()
	}
}

// Script maps a script name to its shell body (spec.md §3 "scripts
// (name→body)").
type Script struct {
	Name string
	Body string
}

// SandboxConfig is the per-sandbox declarative spec (spec.md §3).
type SandboxConfig struct {
	Image      string            `yaml:"image"`
	Memory     int               `yaml:"memory,omitempty"`
	CPUs       float64           `yaml:"cpus,omitempty"`
	Volumes    []string          `yaml:"volumes,omitempty"`
	Ports      []string          `yaml:"ports,omitempty"`
	Envs       []string          `yaml:"envs,omitempty"`
	EnvFile    string            `yaml:"env_file,omitempty"`
	DependsOn  []string          `yaml:"depends_on,omitempty"`
	Workdir    string            `yaml:"workdir,omitempty"`
	Shell      string            `yaml:"shell,omitempty"`
	Scripts    map[string]string `yaml:"scripts,omitempty"`
	Command    string            `yaml:"command,omitempty"`
	Imports    map[string]string `yaml:"imports,omitempty"`
	Exports    map[string]string `yaml:"exports,omitempty"`
	Scope      NetworkScope      `yaml:"scope,omitempty"`
}

// Validate enforces spec.md §3's invariant: at least one of
// scripts["start"], command, or shell must be defined.
func (c *SandboxConfig) Validate(name string) error {
	_, hasStart := c.Scripts["start"]
	if !hasStart && c.Command == "" && c.Shell == "" {
		return msberr.New(msberr.MissingStartOrExecOrShell, "validate-sandbox",
			fmt.Sprintf("sandbox %q needs scripts.start, command, or shell", name))
	}
	if c.Scope < ScopeNone || c.Scope > ScopeAny {
		return msberr.New(msberr.InvalidNetworkScope, "validate-sandbox",
			fmt.Sprintf("sandbox %q has invalid network scope", name))
	}
	return nil
}

// BuildConfig is an entry in the optional top-level `builds` map.
type BuildConfig struct {
	Context    string            `yaml:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
}

// Meta holds free-form project metadata.
type Meta struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// MicrosandboxConfig is the full Sandboxfile document (spec.md §3, §6).
type MicrosandboxConfig struct {
	Meta      Meta                     `yaml:"meta,omitempty"`
	Modules   map[string]string        `yaml:"modules,omitempty"`
	Builds    map[string]BuildConfig   `yaml:"builds,omitempty"`
	Sandboxes map[string]SandboxConfig `yaml:"sandboxes,omitempty"`
}

// ValidateAll validates every sandbox and the dependency graph (max depth
// from config.MaxDependencyDepth, enforced in depgraph.go).
func (c *MicrosandboxConfig) ValidateAll() error {
	for name, sb := range c.Sandboxes {
		sbCopy := sb
		if err := sbCopy.Validate(name); err != nil {
			return err
		}
	}
	return CheckDependencyGraph(c.Sandboxes)
}
