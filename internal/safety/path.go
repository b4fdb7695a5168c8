package safety

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot indicates a path that would land outside its root.
var ErrEscapesRoot = errors.New("path escapes root")

// CleanRelativePath validates and normalizes a relative path.
// It rejects absolute paths and parent traversal segments.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: parent traversal in %q", ErrEscapesRoot, p)
	}
	return clean, nil
}

// SafeJoinUnder joins a validated relative path under root and verifies
// the final path remains inside root.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// MemberPath maps an archive member name onto root. Leading "./" and
// trailing slashes are accepted since both are common in tarballs; the
// archive root itself ("." or "./") yields ok == false.
func MemberPath(root, name string) (dest string, ok bool, err error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/")
	if trimmed == "" || trimmed == "." {
		return "", false, nil
	}
	dest, err = SafeJoinUnder(root, trimmed)
	if err != nil {
		return "", false, fmt.Errorf("archive member %q: %w", name, err)
	}
	return dest, true, nil
}

// LinkTargetUnder verifies that a symlink at linkPath pointing at target
// resolves inside root. Absolute targets are rejected outright.
func LinkTargetUnder(root, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("%w: absolute link target %q", ErrEscapesRoot, target)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), target)
	if _, err := EnsureUnderRoot(root, resolved); err != nil {
		return fmt.Errorf("link %s -> %s: %w", linkPath, target, err)
	}
	return nil
}

// ResolvedUnder resolves the symlinks already on disk along dir and
// verifies the result is still inside root. Components of dir that do not
// exist yet are kept as written. A dangling link along dir is an error,
// since nothing can be created beneath it.
func ResolvedUnder(root, dir string) (string, error) {
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	existing, rest := dir, ""
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: unresolvable link in %q: %v", ErrEscapesRoot, dir, err)
	}
	resolved := filepath.Join(real, rest)
	if _, err := EnsureUnderRoot(rootReal, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, candidate)
	}
	return candAbs, nil
}
