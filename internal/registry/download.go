package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/sandboxfile"
)

const (
	mediaTypeIndex          = "application/vnd.oci.image.index.v1+json"
	mediaTypeDockerIndex    = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeManifest       = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
)

// distributionEndpoint maps a registry's credential/config host to the host
// its OCI distribution API actually listens on. docker.io is the one
// registry where these differ: the credential/cache key is "docker.io" but
// the v2 API is served from registry-1.docker.io, not docker.io itself.
func distributionEndpoint(host string) string {
	if host == "docker.io" {
		return "registry-1.docker.io"
	}
	return host
}

func blobURL(host, repo, dig string) string {
	return fmt.Sprintf("https://%s/v2/%s/blobs/%s", distributionEndpoint(host), repo, dig)
}

func manifestURL(host, repo, ref string) string {
	return fmt.Sprintf("https://%s/v2/%s/manifests/%s", distributionEndpoint(host), repo, ref)
}

func (c *Client) authorize(req *http.Request, auth Auth) {
	switch {
	case auth.Token != "":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case auth.Username != "":
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

// withRetry retries fn up to maxAttempts times with exponential backoff,
// per SPEC_FULL.md §4.3's added resilience note for transient registry
// failures (network resets, 5xx responses). Context cancellation aborts
// immediately without consuming a retry.
func withRetry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// fetchManifestForPlatform implements spec.md §4.3 step 2: fetch the index
// (if the top-level document is one), pick the manifest entry matching
// opts.Platform while skipping Docker build-attestation entries, falling
// back to an arch-only match, and finally to the first non-attestation
// entry if nothing matches exactly.
func (c *Client) fetchManifestForPlatform(ctx context.Context, host string, ref sandboxfile.Reference, auth Auth, platform Platform) (specsv1.Manifest, json.RawMessage, error) {
	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	sel := tag
	if ref.Digest != "" {
		sel = ref.Digest.String()
	}

	var body []byte
	var contentType string
	err := withRetry(ctx, 3, 200*time.Millisecond, func() error {
		b, ct, err := c.getRaw(ctx, manifestURL(host, ref.Repo, sel), auth, []string{
			mediaTypeIndex, mediaTypeDockerIndex, mediaTypeManifest, mediaTypeDockerManifest,
		})
		if err != nil {
			return err
		}
		body, contentType = b, ct
		return nil
	})
	if err != nil {
		return specsv1.Manifest{}, nil, err
	}

	if contentType == mediaTypeIndex || contentType == mediaTypeDockerIndex {
		var index specsv1.Index
		if err := json.Unmarshal(body, &index); err != nil {
			return specsv1.Manifest{}, nil, msberr.Wrap(err, msberr.ConfigParse, "fetch-manifest", "decode index")
		}
		desc, err := selectPlatformDescriptor(index.Manifests, platform)
		if err != nil {
			return specsv1.Manifest{}, nil, err
		}
		var manifestBody []byte
		err = withRetry(ctx, 3, 200*time.Millisecond, func() error {
			b, _, err := c.getRaw(ctx, manifestURL(host, ref.Repo, desc.Digest.String()), auth, []string{mediaTypeManifest, mediaTypeDockerManifest})
			manifestBody = b
			return err
		})
		if err != nil {
			return specsv1.Manifest{}, nil, err
		}
		var manifest specsv1.Manifest
		if err := json.Unmarshal(manifestBody, &manifest); err != nil {
			return specsv1.Manifest{}, nil, msberr.Wrap(err, msberr.ConfigParse, "fetch-manifest", "decode manifest")
		}
		return manifest, manifestBody, nil
	}

	var manifest specsv1.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return specsv1.Manifest{}, nil, msberr.Wrap(err, msberr.ConfigParse, "fetch-manifest", "decode manifest")
	}
	return manifest, body, nil
}

func selectPlatformDescriptor(entries []specsv1.Descriptor, platform Platform) (specsv1.Descriptor, error) {
	var archOnly *specsv1.Descriptor
	var firstReal *specsv1.Descriptor
	for i := range entries {
		desc := entries[i]
		if desc.Annotations[dockerAttestationAnnotation] != "" {
			continue
		}
		if firstReal == nil {
			firstReal = &entries[i]
		}
		if desc.Platform == nil {
			continue
		}
		if platform.matches(*desc.Platform) {
			return desc, nil
		}
		if archOnly == nil && platform.archOnlyMatches(*desc.Platform) {
			archOnly = &entries[i]
		}
	}
	if archOnly != nil {
		return *archOnly, nil
	}
	if firstReal != nil {
		return *firstReal, nil
	}
	return specsv1.Descriptor{}, msberr.New(msberr.ImageLayerDownloadFailed, "select-platform", "no usable manifest entry for platform")
}

func (c *Client) fetchConfig(ctx context.Context, host string, ref sandboxfile.Reference, auth Auth, configDigest string) (specsv1.Image, error) {
	var body []byte
	err := withRetry(ctx, 3, 200*time.Millisecond, func() error {
		b, _, err := c.getRaw(ctx, blobURL(host, ref.Repo, configDigest), auth, nil)
		body = b
		return err
	})
	if err != nil {
		return specsv1.Image{}, err
	}
	var cfg specsv1.Image
	if err := json.Unmarshal(body, &cfg); err != nil {
		return specsv1.Image{}, msberr.Wrap(err, msberr.ConfigParse, "fetch-config", "decode image config")
	}
	return cfg, nil
}

func (c *Client) getRaw(ctx context.Context, url string, auth Auth, accept []string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "http-get", url)
	}
	for _, a := range accept {
		req.Header.Add("Accept", a)
	}
	c.authorize(req, auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "http-get", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", msberr.New(msberr.ImageLayerDownloadFailed, "http-get", fmt.Sprintf("%s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "http-get", url)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// downloadImageBlob implements spec.md §4.3 step 5 ("download_image_blob"):
// resumable ranged download of a single layer blob into
// <home>/layers/<digest>, verified against digest on completion, then
// returns a handle recording both the tar path and the (not-yet-populated)
// extracted-dir path for internal/layer to fill in.
func (c *Client) downloadImageBlob(ctx context.Context, host string, ref sandboxfile.Reference, auth Auth, dig string, expectedSize int64) (*Layer, error) {
	tarPath := c.layerTarPath(dig)

	if fi, err := os.Stat(tarPath); err == nil && expectedSize > 0 && fi.Size() == expectedSize {
		if verifyDigest(tarPath, digest.Digest(dig)) == nil {
			return &Layer{Digest: dig, Size: expectedSize, TarPath: tarPath, ExtractedDir: c.layerExtractedDir(dig)}, nil
		}
		// Corrupt/partial from a prior run; truncate and redo.
		_ = os.Remove(tarPath)
	}

	err := withRetry(ctx, 3, 500*time.Millisecond, func() error {
		return c.rangedDownload(ctx, host, ref.Repo, dig, auth, tarPath)
	})
	if err != nil {
		return nil, err
	}

	if err := verifyDigest(tarPath, digest.Digest(dig)); err != nil {
		_ = os.Remove(tarPath)
		return nil, err
	}

	return &Layer{Digest: dig, Size: expectedSize, TarPath: tarPath, ExtractedDir: c.layerExtractedDir(dig)}, nil
}

// rangedDownload resumes from any bytes already on disk using an HTTP Range
// request, falling back to a full GET when the registry does not honor
// Range (no Content-Range / non-206 response).
func (c *Client) rangedDownload(ctx context.Context, host, repo, dig string, auth Auth, destPath string) error {
	var startOffset int64
	if fi, err := os.Stat(destPath); err == nil {
		startOffset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL(host, repo, dig), nil)
	if err != nil {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "download-blob", dig)
	}
	c.authorize(req, auth)
	if startOffset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(startOffset, 10)+"-")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "download-blob", dig)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		flags |= os.O_TRUNC
		startOffset = 0
	default:
		return msberr.New(msberr.ImageLayerDownloadFailed, "download-blob", fmt.Sprintf("%s: status %d", dig, resp.StatusCode))
	}

	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "download-blob", dig)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil && !errors.Is(err, io.EOF) {
		return msberr.Wrap(err, msberr.ImageLayerDownloadFailed, "download-blob", dig)
	}
	return nil
}
