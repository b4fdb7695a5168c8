package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/redist/internal/safety"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicXZ    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicBzip2 = []byte{'B', 'Z', 'h'}
)

// openTar opens a tarball, detecting its compression by magic number
// rather than by extension. Uncompressed tarballs pass through.
func openTar(path string) (*tar.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}

	var r io.Reader = br
	closeFn := f.Close
	switch {
	case bytes.HasPrefix(head, magicXZ):
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("creating xz reader: %w", err)
		}
		r = xr
	case bytes.HasPrefix(head, magicGzip):
		gr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		r = gr
		closeFn = func() error {
			gr.Close()
			return f.Close()
		}
	case bytes.HasPrefix(head, magicZstd):
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		r = zr
		closeFn = func() error {
			zr.Close()
			return f.Close()
		}
	case bytes.HasPrefix(head, magicBzip2):
		r = bzip2.NewReader(br)
	}

	return tar.NewReader(r), closeFn, nil
}

func tarEntries(path string) ([]string, error) {
	tr, closeFn, err := openTar(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return names, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		names = append(names, header.Name)
	}
	return names, nil
}

func extractTar(path, destDir string) (*Result, error) {
	tr, closeFn, err := openTar(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	res := &Result{Kind: KindTar}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		res.Entries = append(res.Entries, header.Name)

		destPath, ok, err := safety.MemberPath(destDir, header.Name)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		if header.Typeflag == tar.TypeDir {
			destPath, err = safety.ResolvedUnder(destDir, destPath)
		} else {
			destPath, err = resolveMember(destDir, destPath)
		}
		if err != nil {
			return res, fmt.Errorf("archive member %q: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return res, fmt.Errorf("creating directory: %w", err)
			}
			res.Dirs++

		case tar.TypeReg, tar.TypeRegA:
			n, err := writeMember(destPath, tr, header.FileInfo().Mode())
			if err != nil {
				return res, fmt.Errorf("extracting %s: %w", header.Name, err)
			}
			setModTime(destPath, header.ModTime)
			res.Files++
			res.Bytes += n

		case tar.TypeSymlink:
			if err := safety.LinkTargetUnder(destDir, destPath, header.Linkname); err != nil {
				return res, err
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return res, fmt.Errorf("creating directory: %w", err)
			}
			if err := replaceWithSymlink(header.Linkname, destPath); err != nil {
				return res, fmt.Errorf("creating symlink %s: %w", header.Name, err)
			}
			res.Links++

		case tar.TypeLink:
			target, ok, err := safety.MemberPath(destDir, header.Linkname)
			if err != nil {
				return res, err
			}
			if !ok {
				return res, fmt.Errorf("hard link %s points at the archive root", header.Name)
			}
			if target, err = resolveMember(destDir, target); err != nil {
				return res, fmt.Errorf("hard link %s: %w", header.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return res, fmt.Errorf("creating directory: %w", err)
			}
			_ = os.Remove(destPath)
			if err := os.Link(target, destPath); err != nil {
				return res, fmt.Errorf("creating hard link %s: %w", header.Name, err)
			}
			res.Files++

		default:
			res.Skipped++
		}
	}
	return res, nil
}

// writeMember copies r into a new file at dest, creating parent dirs.
func writeMember(dest string, r io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	if fi, err := os.Lstat(dest); err == nil && !fi.Mode().IsRegular() && !fi.IsDir() {
		if err := os.Remove(dest); err != nil {
			return 0, err
		}
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, memberMode(mode))
	if err != nil {
		return 0, fmt.Errorf("creating file %s: %w", dest, err)
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	// OpenFile's mode is subject to umask and ignored for existing files.
	return n, os.Chmod(dest, memberMode(mode))
}
