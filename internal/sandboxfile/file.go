package sandboxfile

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/microsandbox/msb/internal/msberr"
)

// File wraps a parsed Sandboxfile together with its raw yaml.Node document
// tree, so a single sandbox's config can be merged in place without
// reformatting the rest of the file (spec.md §3: "YAML (de)serialization
// preserving formatting for in-place edits").
//
// Grounded on servin/pkg/compose/parser.go's ComposeFile struct-tag
// approach for the read path; the node-tree edit path has no teacher
// precedent (servin never edits compose files in place) and is built fresh
// using yaml.v3, the node-editing API already present in the dependency
// graph.
type File struct {
	Path     string
	Config   MicrosandboxConfig
	document yaml.Node
}

// Load reads and parses a Sandboxfile. A missing file is reported as an
// msberr.ConfigNotFound error; any other read failure as msberr.IO.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, msberr.Wrap(err, msberr.ConfigNotFound, "load-sandboxfile", path)
		}
		return nil, msberr.Wrap(err, msberr.IO, "load-sandboxfile", path)
	}
	return Parse(path, data)
}

// Parse parses raw YAML bytes into a File, keeping the document node tree
// for later in-place merges.
func Parse(path string, data []byte) (*File, error) {
	f := &File{Path: path}

	if len(data) == 0 {
		f.document = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
		return f, nil
	}

	if err := yaml.Unmarshal(data, &f.document); err != nil {
		return nil, msberr.Wrap(err, msberr.ConfigParse, "parse-sandboxfile", path)
	}
	if err := yaml.Unmarshal(data, &f.Config); err != nil {
		return nil, msberr.Wrap(err, msberr.ConfigParse, "parse-sandboxfile", path)
	}
	if f.document.Kind != yaml.DocumentNode || len(f.document.Content) == 0 {
		f.document = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	return f, nil
}

// Default returns an empty, ready-to-save Sandboxfile, used when
// sandbox.start synthesizes one for a project that has none yet.
func Default() *File {
	f, _ := Parse("", nil)
	return f
}

// MergeSandbox merges (inserting or replacing) a single sandbox's config
// into both the typed Config map and the raw node tree, so Save only
// rewrites the affected mapping entries.
func (f *File) MergeSandbox(name string, sb SandboxConfig) error {
	if f.Config.Sandboxes == nil {
		f.Config.Sandboxes = make(map[string]SandboxConfig)
	}
	f.Config.Sandboxes[name] = sb

	root := f.document.Content[0]
	sandboxesNode, err := ensureMappingKey(root, "sandboxes")
	if err != nil {
		return err
	}

	encoded := &yaml.Node{}
	if err := encoded.Encode(sb); err != nil {
		return msberr.Wrap(err, msberr.ConfigParse, "merge-sandbox", name)
	}

	setMappingKey(sandboxesNode, name, encoded)
	return nil
}

// Save writes the document node tree back to Path, preserving any
// untouched mapping entries' original formatting.
func (f *File) Save() error {
	out, err := yaml.Marshal(&f.document)
	if err != nil {
		return msberr.Wrap(err, msberr.ConfigParse, "save-sandboxfile", f.Path)
	}
	if err := os.WriteFile(f.Path, out, 0o644); err != nil {
		return msberr.Wrap(err, msberr.IO, "save-sandboxfile", f.Path)
	}
	return nil
}

// ensureMappingKey returns the value node for key under a mapping root,
// creating an empty mapping if the key is absent.
func ensureMappingKey(mapping *yaml.Node, key string) (*yaml.Node, error) {
	if mapping.Kind != yaml.MappingNode {
		return nil, msberr.New(msberr.ConfigParse, "ensure-mapping-key", "document root is not a mapping")
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1], nil
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	mapping.Content = append(mapping.Content, keyNode, valNode)
	return valNode, nil
}

// setMappingKey inserts or replaces key's value node under mapping.
func setMappingKey(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	mapping.Content = append(mapping.Content, keyNode, value)
}
