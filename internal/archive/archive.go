// Package archive lists and extracts the two container formats used by
// redistributable manifests: tarballs (gzip, xz, zstd, bzip2 or plain)
// and zip files.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/redist/internal/safety"
)

// Kind is the container format of an archive.
type Kind int

const (
	KindUnknown Kind = iota
	KindTar
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindTar:
		return "tar"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned for archives whose kind is KindUnknown.
var ErrUnsupported = errors.New("unsupported archive type")

// Classify picks the container format from a file name. Names containing
// ".tar." are tarballs, names containing ".zip" are zip files, and
// everything else is unknown.
func Classify(name string) Kind {
	base := filepath.Base(name)
	switch {
	case strings.Contains(base, ".tar."):
		return KindTar
	case strings.Contains(base, ".zip"):
		return KindZip
	default:
		return KindUnknown
	}
}

// Result describes one extraction.
type Result struct {
	Kind    Kind
	Entries []string // member names in archive order
	Files   int
	Dirs    int
	Links   int
	Skipped int // device nodes, fifos and other special members
	Bytes   int64
}

// Entries lists the member names of the archive at path.
func Entries(path string) ([]string, error) {
	switch Classify(path) {
	case KindTar:
		return tarEntries(path)
	case KindZip:
		return zipEntries(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// Extract unpacks the archive at path under destDir. Member paths and
// symlink targets are confined to destDir, including through links
// created by earlier members; a member that would escape it aborts the
// extraction.
func Extract(path, destDir string) (*Result, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", destDir, err)
	}
	root, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", destDir, err)
	}
	switch Classify(path) {
	case KindTar:
		return extractTar(path, root)
	case KindZip:
		return extractZip(path, root)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// CommonPrefix returns the longest string prefix shared by all names.
// It compares characters, not path segments.
func CommonPrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	first, last := sorted[0], sorted[len(sorted)-1]
	i := 0
	for i < len(first) && i < len(last) && first[i] == last[i] {
		i++
	}
	return first[:i]
}

// TopLevel returns the single top-level path every member lives under.
// The common prefix of the names is cut back to its first segment, and
// that segment is accepted only if every member is it or sits below it as
// a whole segment, so "cuda/" and "cuda-extras/" share no top level.
func TopLevel(names []string) (string, bool) {
	var clean []string
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" || n == "." {
			continue
		}
		clean = append(clean, n)
	}

	top, _, _ := strings.Cut(CommonPrefix(clean), "/")
	if top == "" {
		return "", false
	}
	for _, n := range clean {
		if n != top && !strings.HasPrefix(n, top+"/") {
			return "", false
		}
	}
	return top, true
}

// memberMode keeps permission bits and makes the entry writable by its
// owner so the extracted tree can later be merged and removed.
func memberMode(mode os.FileMode) os.FileMode {
	perm := mode.Perm() | 0o200
	if perm&0o400 == 0 {
		perm |= 0o400
	}
	return perm
}

func setModTime(path string, t time.Time) {
	if t.IsZero() {
		return
	}
	_ = os.Chtimes(path, t, t)
}

// resolveMember returns where a non-directory member lands on disk once
// links extracted earlier along its parent path are followed.
func resolveMember(root, destPath string) (string, error) {
	parent, err := safety.ResolvedUnder(root, filepath.Dir(destPath))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(destPath)), nil
}

// replaceWithSymlink creates a symlink at dest, replacing a previous
// non-directory entry from an earlier member or extraction.
func replaceWithSymlink(target, dest string) error {
	if fi, err := os.Lstat(dest); err == nil && !fi.IsDir() {
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	return os.Symlink(target, dest)
}
