// Package registry implements the Registry Client component of spec.md
// §4.1/§4.3: auth resolution, manifest/index/config fetch, platform
// selection, and resumable digest-verified blob download.
//
// Grounded on servin/pkg/registry/client.go's Client struct (httpClient +
// dataDir + JSON-file config) generalized from servin's simplified
// local/remote tar-blob push/pull to the real OCI distribution API
// (manifests, index, config, ranged blob downloads) using
// github.com/opencontainers/go-digest and github.com/opencontainers/
// image-spec for the wire types servin never needed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/obs"
	"github.com/microsandbox/msb/internal/sandboxfile"
	"github.com/microsandbox/msb/internal/store/ocidb"
)

// Client pulls OCI images into the layer cache rooted at dataDir, recording
// image/manifest/config/layer rows in the given oci store.
type Client struct {
	httpClient *http.Client
	dataDir    string
	store      *ocidb.Store
	creds      *credentialStore
	log        *obs.Logger
}

// NewClient creates a registry client. dataDir is <home>; layers are stored
// under <dataDir>/layers.
func NewClient(dataDir string, st *ocidb.Store, log *obs.Logger) (*Client, error) {
	if err := os.MkdirAll(layersDir(dataDir), 0o755); err != nil {
		return nil, msberr.Wrap(err, msberr.IO, "new-client", dataDir)
	}
	if log == nil {
		log = obs.L()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dataDir:    dataDir,
		store:      st,
		creds:      newCredentialStore(dataDir),
		log:        log,
	}, nil
}

func layersDir(dataDir string) string { return filepath.Join(dataDir, "layers") }

func (c *Client) layerTarPath(dig string) string {
	return filepath.Join(layersDir(c.dataDir), sanitizeDigest(dig))
}

func (c *Client) layerExtractedDir(dig string) string {
	return filepath.Join(layersDir(c.dataDir), sanitizeDigest(dig)+".extracted")
}

func sanitizeDigest(d string) string {
	// digests are "<alg>:<hex>"; keep the colon so the on-disk name matches
	// spec.md §3's "<home>/layers/<digest>" exactly (":" is valid on the
	// Unix filesystems msb targets).
	return d
}

// AllLayersExtracted reports whether every layer digest recorded for
// reference is present both in the DB and on disk (non-empty extracted
// dir). Per spec.md §4.3 step 1 and the Open Question in §9, this check is
// NOT re-verified against the raw layer tar or a deeper disk scan: if a
// user hand-deletes a layer's extracted directory's *sibling* files but
// leaves a non-empty directory, or deletes the DB row but not the
// directory, behavior is undefined by design (documented gap, not a bug).
func (c *Client) AllLayersExtracted(ref sandboxfile.Reference) (bool, error) {
	digests, err := c.store.GetImageLayerDigests(ref.CacheKey())
	if err != nil {
		return false, err
	}
	if len(digests) == 0 {
		return false, nil
	}
	for _, d := range digests {
		layer, err := c.store.GetLayer(d)
		if err != nil {
			return false, err
		}
		if layer == nil {
			return false, nil
		}
		if !nonEmptyDir(c.layerExtractedDir(d)) {
			return false, nil
		}
	}
	return true, nil
}

func nonEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Pull implements spec.md §4.3 steps 1-5.
func (c *Client) Pull(ctx context.Context, ref sandboxfile.Reference, opts PullOptions) (*PulledImage, error) {
	if opts.Platform == (Platform{}) {
		opts.Platform = HostPlatform()
	}

	if done, err := c.AllLayersExtracted(ref); err != nil {
		return nil, err
	} else if done {
		digests, err := c.store.GetImageLayerDigests(ref.CacheKey())
		if err != nil {
			return nil, err
		}
		cfg, err := c.cachedConfig(ref)
		if err != nil {
			return nil, err
		}
		return &PulledImage{Reference: ref, Config: cfg, LayerDigests: digests}, nil
	}

	host := resolveHost(ref.Host, c.log)
	auth, err := c.resolveAuth(host, opts.Auth)
	if err != nil {
		return nil, err
	}

	manifest, manifestJSON, err := c.fetchManifestForPlatform(ctx, host, ref, auth, opts.Platform)
	if err != nil {
		return nil, err
	}

	imgID, err := c.store.SaveOrGetImage(ref.CacheKey(), 0)
	if err != nil {
		return nil, err
	}

	cfg, err := c.fetchConfig(ctx, host, ref, auth, manifest.Config.Digest.String())
	if err != nil {
		return nil, err
	}

	manifestID, err := c.store.SaveManifest(imgID, nil, manifest.SchemaVersion, manifest.MediaType, "{}")
	if err != nil {
		return nil, err
	}
	if err := c.saveConfigRow(manifestID, cfg); err != nil {
		return nil, err
	}

	// Write manifest-layer join rows up-front (spec.md §4.3 step 4), before
	// any blob download begins, so a crash mid-pull still links correctly.
	layerRowIDs := make([]int64, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		layerID, err := c.store.SaveOrUpdateLayer(desc.MediaType, desc.Digest.String(), desc.Size, "")
		if err != nil {
			return nil, err
		}
		if err := c.store.SaveManifestLayer(manifestID, layerID, i); err != nil {
			return nil, err
		}
		layerRowIDs[i] = layerID
	}

	digests := make([]string, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		layer, err := c.downloadImageBlob(ctx, host, ref, auth, desc.Digest.String(), desc.Size)
		if err != nil {
			return nil, err
		}
		digests[i] = layer.Digest
	}

	return &PulledImage{Reference: ref, ManifestJSON: manifestJSON, Config: cfg, LayerDigests: digests}, nil
}

func (c *Client) cachedConfig(ref sandboxfile.Reference) (specsv1.Image, error) {
	// The config JSON blob itself is not separately cached on disk beyond
	// the DB row in this implementation; re-fetching it is cheap (it is a
	// small JSON document, unlike layer blobs) so the cache fast-path still
	// issues one manifest+config round trip. This keeps AllLayersExtracted
	// a pure disk/DB check without needing a third cache file.
	host := resolveHost(ref.Host, c.log)
	auth, err := c.resolveAuth(host, nil)
	if err != nil {
		return specsv1.Image{}, err
	}
	manifest, _, err := c.fetchManifestForPlatform(context.Background(), host, ref, auth, HostPlatform())
	if err != nil {
		return specsv1.Image{}, err
	}
	return c.fetchConfig(context.Background(), host, ref, auth, manifest.Config.Digest.String())
}

func (c *Client) saveConfigRow(manifestID int64, cfg specsv1.Image) error {
	marshal := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	return c.store.SaveConfig(manifestID, ocidb.Config{
		Architecture: cfg.Architecture,
		OS:           cfg.OS,
		Env:          marshal(cfg.Config.Env),
		Cmd:          marshal(cfg.Config.Cmd),
		Entrypoint:   marshal(cfg.Config.Entrypoint),
		Volumes:      marshal(cfg.Config.Volumes),
		ExposedPorts: marshal(cfg.Config.ExposedPorts),
		WorkingDir:   cfg.Config.WorkingDir,
		User:         cfg.Config.User,
		RootFSType:   cfg.RootFS.Type,
		DiffIDs:      marshal(cfg.RootFS.DiffIDs),
		History:      marshal(cfg.History),
	})
}

// resolveHost implements the Open Question in spec.md §9: every reference
// on the Sandboxes.io registry falls back to Docker Hub with a warning; the
// namespace is not inspected, so `library` references fall back as well.
// Preserved verbatim; do not rewrite without a failing test.
func resolveHost(host string, log *obs.Logger) string {
	if host == "sandboxes.io" {
		log.Warn("sandboxes.io registry namespace mapping is not fully defined upstream; falling back to docker.io")
		return "docker.io"
	}
	return host
}

// verifyDigest hashes path with the algorithm named in dig and compares.
func verifyDigest(path string, dig digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "verify-digest", path)
	}
	defer f.Close()

	verifier := dig.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "verify-digest", path)
	}
	if !verifier.Verified() {
		return msberr.New(msberr.ImageLayerDownloadFailed, "verify-digest", fmt.Sprintf("digest mismatch for %s", path))
	}
	return nil
}
