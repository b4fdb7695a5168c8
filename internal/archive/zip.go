package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/BadgerOps/redist/internal/safety"
)

// maxLinkTarget bounds how much of a zip symlink member is read as its target.
const maxLinkTarget = 4096

func zipEntries(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, memberName(f))
	}
	return names, nil
}

func extractZip(path, destDir string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	res := &Result{Kind: KindZip}
	for _, f := range zr.File {
		name := memberName(f)
		res.Entries = append(res.Entries, name)

		destPath, ok, err := safety.MemberPath(destDir, name)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}

		mode := f.Mode()
		isDir := mode.IsDir() || strings.HasSuffix(name, "/")
		if isDir {
			destPath, err = safety.ResolvedUnder(destDir, destPath)
		} else {
			destPath, err = resolveMember(destDir, destPath)
		}
		if err != nil {
			return res, fmt.Errorf("archive member %q: %w", f.Name, err)
		}

		switch {
		case isDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return res, fmt.Errorf("creating directory: %w", err)
			}
			res.Dirs++

		case mode&os.ModeSymlink != 0:
			target, err := readZipMember(f, maxLinkTarget)
			if err != nil {
				return res, fmt.Errorf("reading link %s: %w", f.Name, err)
			}
			if err := safety.LinkTargetUnder(destDir, destPath, target); err != nil {
				return res, err
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return res, fmt.Errorf("creating directory: %w", err)
			}
			if err := replaceWithSymlink(target, destPath); err != nil {
				return res, fmt.Errorf("creating symlink %s: %w", f.Name, err)
			}
			res.Links++

		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return res, fmt.Errorf("opening %s: %w", f.Name, err)
			}
			n, err := writeMember(destPath, rc, mode)
			rc.Close()
			if err != nil {
				return res, fmt.Errorf("extracting %s: %w", f.Name, err)
			}
			setModTime(destPath, f.Modified)
			res.Files++
			res.Bytes += n

		default:
			res.Skipped++
		}
	}
	return res, nil
}

// memberName returns the member's name with "/" separators; Windows-built
// zips may use backslashes.
func memberName(f *zip.File) string {
	return strings.ReplaceAll(f.Name, `\`, "/")
}

func readZipMember(f *zip.File, limit int64) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := safety.ReadAllWithLimit(rc, limit)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
