package orchestra

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type sizeEntry struct {
	bytes     int64
	expiresAt time.Time
}

// diskSizeCache bounds repeated recursive directory-size polling cost with
// a TTL cache keyed by sandbox name (spec.md §4.7: "Directory sizes are
// recursively summed with a 30-second TTL cache to bound repeated polling
// cost").
type diskSizeCache struct {
	mu      sync.RWMutex
	entries map[string]sizeEntry
}

func (c *diskSizeCache) get(sandboxName, rootfsPaths string, ttl time.Duration) int64 {
	c.mu.RLock()
	if e, ok := c.entries[sandboxName]; ok && time.Now().Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.bytes
	}
	c.mu.RUnlock()

	bytes := computeDiskUsage(rootfsPaths)

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]sizeEntry)
	}
	c.entries[sandboxName] = sizeEntry{bytes: bytes, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return bytes
}

// computeDiskUsage sums the writable (last) layer for an overlay stack, or
// the whole root for native (spec.md §4.7).
func computeDiskUsage(rootfsPaths string) int64 {
	switch {
	case strings.HasPrefix(rootfsPaths, "native:"):
		return dirSize(strings.TrimPrefix(rootfsPaths, "native:"))
	case strings.HasPrefix(rootfsPaths, "overlayfs:"):
		parts := strings.Split(strings.TrimPrefix(rootfsPaths, "overlayfs:"), ":")
		if len(parts) == 0 {
			return 0
		}
		return dirSize(parts[len(parts)-1])
	default:
		return 0
	}
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
