package sandboxfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/microsandbox/msb/internal/msberr"
)

// defaultRegistryEnvVar is consulted when a reference names no explicit
// registry host (spec.md §3: "Registry host resolution ... or a
// configurable default (environment variable)").
const defaultRegistryEnvVar = "MSB_REGISTRY_HOST"

// Reference is a parsed OCI image identifier: [host/]repo[:tag][@digest].
type Reference struct {
	Host   string
	Repo   string
	Tag    string
	Digest digest.Digest

	// explicitHost records whether the parsed string named a host, so
	// String can round-trip per spec.md §8's Ref round-trip property
	// (normalize never invents a "docker.io/" prefix for a bare repo).
	explicitHost bool
}

// ParseReference parses a reference string per spec.md §4.1.
func ParseReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, msberr.New(msberr.InvalidArgument, "parse-reference", "empty reference")
	}

	rest := s
	var dig digest.Digest
	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		d, err := digest.Parse(rest[idx+1:])
		if err != nil {
			return Reference{}, msberr.Wrap(err, msberr.InvalidArgument, "parse-reference", "invalid digest")
		}
		dig = d
		rest = rest[:idx]
	}

	var tag string
	host, repo := splitHostRepo(rest)
	explicitHost := host != ""

	// Tag is the last ":" after the repo portion; avoid matching a port in
	// the host portion (already split off by splitHostRepo).
	if idx := strings.LastIndex(repo, ":"); idx != -1 {
		tag = repo[idx+1:]
		repo = repo[:idx]
	}

	if repo == "" {
		return Reference{}, msberr.New(msberr.InvalidArgument, "parse-reference", "missing repository")
	}

	if host == "" {
		host = defaultRegistryHost()
	}

	return Reference{Host: normalizeHost(host), Repo: repo, Tag: tag, Digest: dig, explicitHost: explicitHost}, nil
}

// splitHostRepo separates an optional leading "host/" component. A
// component is treated as a host when it contains ".", ":", or equals
// "localhost" (spec.md §3).
func splitHostRepo(s string) (host, rest string) {
	idx := strings.Index(s, "/")
	if idx == -1 {
		return "", s
	}
	candidate := s[:idx]
	if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
		return candidate, s[idx+1:]
	}
	return "", s
}

func defaultRegistryHost() string {
	if v := os.Getenv(defaultRegistryEnvVar); v != "" {
		return v
	}
	return "docker.io"
}

// normalizeHost lowercases the host, strips scheme/trailing slash, and
// collapses index.docker.io to docker.io for cache-key purposes.
func normalizeHost(host string) string {
	h := strings.ToLower(host)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimSuffix(h, "/")
	if h == "index.docker.io" {
		h = "docker.io"
	}
	return h
}

// String serializes the reference back to [host/]repo[:tag][@digest],
// round-tripping per spec.md §8's Ref round-trip property: the host is
// emitted only when the parsed string named one explicitly, even if that
// host is docker.io, so parse("docker.io/library/x").String() reproduces
// the input instead of silently dropping the host.
func (r Reference) String() string {
	var b strings.Builder
	if r.explicitHost && r.Host != "" {
		b.WriteString(r.Host)
		b.WriteString("/")
	}
	b.WriteString(r.Repo)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest.String())
	}
	return b.String()
}

// CacheKey is the normalized string used to key on-disk/DB state: always
// includes the collapsed host even when docker.io, so index.docker.io and
// docker.io references share one cache entry.
func (r Reference) CacheKey() string {
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	key := fmt.Sprintf("%s/%s:%s", r.Host, r.Repo, tag)
	if r.Digest != "" {
		key += "@" + r.Digest.String()
	}
	return key
}

// Equal reports structural equality, per spec.md §4.1 ("Equality is
// structural").
func (r Reference) Equal(o Reference) bool {
	return r.Host == o.Host && r.Repo == o.Repo && r.Tag == o.Tag && r.Digest == o.Digest
}

// MarshalText implements encoding.TextMarshaler so Reference can be embedded
// directly in YAML/JSON sandbox configs.
func (r Reference) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reference) UnmarshalText(text []byte) error {
	parsed, err := ParseReference(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
