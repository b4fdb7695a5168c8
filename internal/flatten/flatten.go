// Package flatten merges extracted archive trees into a shared per-platform
// output directory.
package flatten

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BuildTag derives the build tag from an archive filename. Redist archives
// are named "<component>-<os>-<arch>-<version>[_<tag>]-archive.<ext>"; the
// tag is the second "_"-separated field of the fourth "-"-separated field,
// e.g. "cuda12" in "libcudnn-linux-x86_64-8.9.0.131_cuda12-archive.tar.xz".
// ok is false for names without that shape.
func BuildTag(name string) (string, bool) {
	fields := strings.Split(filepath.Base(name), "-")
	if len(fields) < 4 {
		return "", false
	}
	parts := strings.Split(fields[3], "_")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Status is the outcome of a merge.
type Status int

const (
	Merged Status = iota
	ConflictTolerated
	Failed
)

func (s Status) String() string {
	switch s {
	case Merged:
		return "merged"
	case ConflictTolerated:
		return "conflict_tolerated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MergeResult describes one Merge call.
type MergeResult struct {
	Status    Status
	Files     int
	Links     int
	Conflicts []string // destination paths kept because their type differs
	Err       error
}

// Merge copies the tree rooted at src into dest, creating dest as needed.
// Existing directories are merged into, existing files and links are
// replaced, and symlinks are recreated with the same target text without
// being followed. A destination entry whose type disagrees with the source
// (directory vs non-directory) is left alone, its source subtree skipped,
// and the result marked ConflictTolerated. Any other error fails the merge.
func Merge(src, dest string) MergeResult {
	var res MergeResult

	info, err := os.Lstat(src)
	if err != nil {
		return failed(res, fmt.Errorf("reading merge source: %w", err))
	}
	if !info.IsDir() {
		return failed(res, fmt.Errorf("merge source %s is not a directory", src))
	}

	if err := mergeDir(src, dest, &res); err != nil {
		return failed(res, err)
	}
	if len(res.Conflicts) > 0 {
		res.Status = ConflictTolerated
	}
	return res
}

func failed(res MergeResult, err error) MergeResult {
	res.Status = Failed
	res.Err = err
	return res
}

func mergeDir(src, dest string, res *MergeResult) error {
	if di, err := os.Lstat(dest); err == nil && !di.IsDir() {
		res.Conflicts = append(res.Conflicts, dest)
		return nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dest, e.Name())

		fi, err := os.Lstat(s)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s, err)
		}
		di, derr := os.Lstat(d)
		destIsDir := derr == nil && di.IsDir()

		switch {
		case fi.IsDir():
			if err := mergeDir(s, d, res); err != nil {
				return err
			}

		case fi.Mode()&os.ModeSymlink != 0:
			if destIsDir {
				res.Conflicts = append(res.Conflicts, d)
				continue
			}
			target, err := os.Readlink(s)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", s, err)
			}
			if err := removeIfExists(d); err != nil {
				return err
			}
			if err := os.Symlink(target, d); err != nil {
				return fmt.Errorf("creating symlink %s: %w", d, err)
			}
			res.Links++

		case fi.Mode().IsRegular():
			if destIsDir {
				res.Conflicts = append(res.Conflicts, d)
				continue
			}
			if err := removeIfExists(d); err != nil {
				return err
			}
			if err := linkOrCopyFile(s, d, fi.Mode().Perm()); err != nil {
				return fmt.Errorf("copying %s: %w", s, err)
			}
			res.Files++
		}
	}
	return nil
}

// removeIfExists clears a file or link so the replacement never writes
// through an existing symlink.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func linkOrCopyFile(src, dst string, perm os.FileMode) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
