// Package layer implements the Layer Extractor component of spec.md §4.4:
// gzip+tar extraction of a downloaded OCI layer blob into an on-disk tree,
// with ownership preserved in an xattr (since the extracting process may
// not be running as root), ancestor-directory recovery when a layer's tar
// omits intermediate directories present only in a parent layer, and a
// deferred hardlink pass.
//
// Grounded on servin/pkg/rootfs (rootfs_linux.go's copyDirectory/copyFile
// walk-and-copy shape, generalized from a plain recursive copy to tar-entry
// unpacking) and servin/pkg/vfs/linux_vfs.go's copyDir/copyFile. Ownership
// preservation uses github.com/pkg/xattr, grounded via taboola-shmocker's
// and kata-containers' dependency on it.
package layer

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/xattr"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/obs"
	"github.com/microsandbox/msb/internal/pathutil"
)

// OverrideStatXattr is the extended attribute name spec.md §4.4 step 3
// stores the original uid/gid/mode triple under, before widening on-disk
// permissions so guest processes (which may run as an unrelated uid) can
// always read/write/traverse the extracted tree.
const OverrideStatXattr = "user.containers.override_stat"

type pendingHardlink struct {
	entryPath string
	linkname  string
	uid, gid  int
	mode      int64
}

// Extractor unpacks downloaded layer tarballs into extracted directories,
// consulting the ancestorDirs passed to Extract (the extracted dirs of every
// already-extracted layer older than the one being unpacked, base-first) for
// ancestor directory recovery.
type Extractor struct {
	workers int
	log     *obs.Logger
}

// New creates an Extractor with a worker pool sized to the host's CPU
// count, per SPEC_FULL.md §5's bounded-extraction-pool note.
func New(log *obs.Logger) *Extractor {
	if log == nil {
		log = obs.L()
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	return &Extractor{workers: workers, log: log}
}

// Extract unpacks tarPath (a gzip-compressed tar layer blob) into
// extractDir, consulting ancestorDirs (base-first extracted directories of
// earlier layers in the same image) for ancestor recovery. Idempotent: if
// extractDir already exists and is non-empty, this is a no-op.
func (e *Extractor) Extract(tarPath, extractDir string, ancestorDirs []string) error {
	if entries, err := os.ReadDir(extractDir); err == nil && len(entries) > 0 {
		return nil
	}

	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return msberr.Wrap(err, msberr.LayerExtraction, "extract", extractDir)
	}

	err := e.unpackOnce(tarPath, extractDir, ancestorDirs)
	if err != nil {
		e.log.Warn(fmt.Sprintf("layer extraction failed, retrying once: %v", err))
		err = e.unpackOnce(tarPath, extractDir, ancestorDirs)
	}
	if err != nil {
		return msberr.Wrap(err, msberr.LayerExtraction, "extract", extractDir)
	}
	return nil
}

func (e *Extractor) unpackOnce(tarPath, extractDir string, ancestorDirs []string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	var hardlinks []pendingHardlink
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name := strings.TrimPrefix(filepath.Clean("/"+hdr.Name), "/")
		if err := pathutil.RejectParentComponent(name); err != nil {
			return err
		}
		entryPath := filepath.Join(extractDir, name)

		if hdr.Typeflag == tar.TypeLink {
			hardlinks = append(hardlinks, pendingHardlink{
				entryPath: entryPath,
				linkname:  filepath.Join(extractDir, hdr.Linkname),
				uid:       hdr.Uid,
				gid:       hdr.Gid,
				mode:      fileTypeMode(hdr),
			})
			continue
		}

		if err := e.unpackEntry(tr, hdr, extractDir, entryPath, ancestorDirs); err != nil {
			return err
		}
	}

	for _, hl := range hardlinks {
		if err := os.Link(hl.linkname, hl.entryPath); err != nil {
			e.log.Warn(fmt.Sprintf("hardlink %s -> %s failed: %v", hl.entryPath, hl.linkname, err))
			continue
		}
		if fi, err := os.Lstat(hl.entryPath); err == nil {
			widenAndShadow(hl.entryPath, fi, e.log)
			setOverrideStat(hl.entryPath, hl.uid, hl.gid, hl.mode, e.log)
		}
	}

	return nil
}

func (e *Extractor) unpackEntry(tr *tar.Reader, hdr *tar.Header, extractDir, entryPath string, ancestorDirs []string) error {
	if err := e.ensureParentDirs(entryPath, extractDir, ancestorDirs); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(entryPath, 0o755); err != nil {
			return err
		}
	case tar.TypeSymlink:
		_ = os.Remove(entryPath)
		if err := os.Symlink(hdr.Linkname, entryPath); err != nil {
			return err
		}
		// Step 2: skip ownership/permission operations on symlinks beyond
		// the unpack itself — os.Lchown/Lchmod are not applied here.
		return nil
	default:
		out, err := os.OpenFile(entryPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}

	uid, gid, mode := hdr.Uid, hdr.Gid, fileTypeMode(hdr)
	if err := os.Chmod(entryPath, os.FileMode(mode).Perm()); err != nil {
		return err
	}
	widenPerm(entryPath, hdr.Typeflag == tar.TypeDir, e.log)
	setOverrideStat(entryPath, uid, gid, mode, e.log)
	return nil
}

// fileTypeMode reconstructs the original full mode (type bits + perm bits)
// from a tar header, per spec.md §4.4 step 3 ("mode includes the full
// file-type bits").
func fileTypeMode(hdr *tar.Header) int64 {
	var typeBits int64
	switch hdr.Typeflag {
	case tar.TypeDir:
		typeBits = 0o040000
	case tar.TypeSymlink:
		typeBits = 0o120000
	case tar.TypeBlock:
		typeBits = 0o060000
	case tar.TypeChar:
		typeBits = 0o020000
	case tar.TypeFifo:
		typeBits = 0o010000
	default:
		typeBits = 0o100000
	}
	return typeBits | (hdr.Mode & 0o7777)
}

// ensureParentDirs walks entryPath's ancestor chain from extractDir
// downward, creating any missing directory by locating a donor of the same
// relative path in any ancestor layer (spec.md §4.4 step 1).
func (e *Extractor) ensureParentDirs(entryPath, extractDir string, ancestorDirs []string) error {
	rel, err := filepath.Rel(extractDir, filepath.Dir(entryPath))
	if err != nil || rel == "." {
		return nil
	}
	if err := pathutil.RejectParentComponent(rel); err != nil {
		return err
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	cur := extractDir
	accumulated := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		accumulated = filepath.Join(accumulated, part)
		cur = filepath.Join(cur, part)
		if _, err := os.Stat(cur); err == nil {
			continue
		}
		if err := e.recoverAncestorDir(cur, accumulated, ancestorDirs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) recoverAncestorDir(dest, relPath string, ancestorDirs []string) error {
	for i := len(ancestorDirs) - 1; i >= 0; i-- {
		donor := filepath.Join(ancestorDirs[i], relPath)
		fi, err := os.Lstat(donor)
		if err != nil || !fi.IsDir() {
			continue
		}
		if err := os.MkdirAll(dest, fi.Mode().Perm()); err != nil {
			return err
		}
		copyXattrs(donor, dest, e.log)
		return nil
	}
	// No donor found anywhere: create a bare directory so unpack can
	// continue; this matches "fail hard on second failure" being scoped to
	// the unpack retry, not to a missing ancestor with no donor.
	return os.MkdirAll(dest, 0o755)
}

func widenPerm(path string, isDir bool, log *obs.Logger) {
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	widenAndShadow(path, fi, log)
}

func widenAndShadow(path string, fi os.FileInfo, log *obs.Logger) {
	if fi.Mode()&os.ModeSymlink != 0 {
		return
	}
	extra := os.FileMode(0o600)
	if fi.IsDir() {
		extra = 0o700
	}
	widened := fi.Mode().Perm() | extra
	if widened != fi.Mode().Perm() {
		_ = os.Chmod(path, widened)
	}
}

// setOverrideStat stores "<uid>:<gid>:0<octal_mode>" in OverrideStatXattr
// (spec.md §4.4 step 3); it does not touch on-disk permission bits. Missing
// xattr support is logged and ignored, never fatal.
func setOverrideStat(path string, uid, gid int, mode int64, log *obs.Logger) {
	value := fmt.Sprintf("%d:%d:0%o", uid, gid, mode)
	if err := xattr.Set(path, OverrideStatXattr, []byte(value)); err != nil {
		log.Warn(fmt.Sprintf("xattr unsupported for %s, skipping override_stat: %v", path, err))
	}
}

func copyXattrs(src, dst string, log *obs.Logger) {
	names, err := xattr.List(src)
	if err != nil {
		return
	}
	for _, name := range names {
		val, err := xattr.Get(src, name)
		if err != nil {
			continue
		}
		if err := xattr.Set(dst, name, val); err != nil {
			log.Warn(fmt.Sprintf("failed to copy xattr %s from %s to %s: %v", name, src, dst, err))
		}
	}
}

// ExtractAll unpacks one image's layers in base-to-top order: layer i's
// ancestor recovery may need a donor directory from any already-extracted
// layer 0..i-1, so layers within a single image cannot be extracted out of
// order or concurrently with each other. The Extractor's worker count
// instead bounds how many *images* (or other extraction jobs) run this
// method concurrently — see Pool below.
func (e *Extractor) ExtractAll(tarPaths, extractDirs []string) error {
	if len(tarPaths) != len(extractDirs) {
		return msberr.New(msberr.LayerExtraction, "extract-all", "mismatched tar/extract dir counts")
	}

	for i := range tarPaths {
		ancestors := append([]string(nil), extractDirs[:i]...)
		if err := e.Extract(tarPaths[i], extractDirs[i], ancestors); err != nil {
			return err
		}
	}
	return nil
}

// Pool returns a new semaphore channel with capacity equal to the
// Extractor's worker count. Each call returns a fresh channel, so it bounds
// only the callers that share one returned channel; the Extractor itself
// does not route Extract or ExtractAll through it.
func (e *Extractor) Pool() chan struct{} {
	return make(chan struct{}, e.workers)
}
