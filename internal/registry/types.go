package registry

import (
	"encoding/json"
	"runtime"

	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/microsandbox/msb/internal/sandboxfile"
)

// dockerAttestationAnnotation marks a manifest-list entry as a Docker
// build-attestation rather than a real platform image (spec.md §4.3 step 2:
// "skip Docker attestation entries identified by the
// vnd.docker.reference.type annotation").
const dockerAttestationAnnotation = "vnd.docker.reference.type"

// Platform is the (os, arch[, variant]) triple a manifest is selected for.
type Platform struct {
	OS      string
	Arch    string
	Variant string
}

// HostPlatform returns the platform this process runs on, the default
// target for manifest selection.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) matches(o specsv1.Platform) bool {
	return p.OS == o.OS && p.Arch == o.Architecture
}

func (p Platform) archOnlyMatches(o specsv1.Platform) bool {
	return p.Arch == o.Architecture
}

// PullOptions customizes a Pull call.
type PullOptions struct {
	Platform Platform
	Auth     *ExplicitAuth
	Quiet    bool
}

// PulledImage is the result of a successful Pull: everything the Sandbox
// Runner needs to resolve an overlay stack (spec.md §4.6).
type PulledImage struct {
	Reference    sandboxfile.Reference
	ManifestJSON json.RawMessage
	Config       specsv1.Image
	LayerDigests []string // base→top
}

// Layer is a downloaded/extracted blob handle (spec.md §4.3
// "download_image_blob ... Return a handle that exposes the raw tar path
// and the extracted-dir path").
type Layer struct {
	Digest       string
	DiffID       string
	MediaType    string
	Size         int64
	TarPath      string
	ExtractedDir string
}
