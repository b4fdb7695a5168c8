package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/redist/internal/safety"
)

type member struct {
	name string
	body string
	link string
	typ  byte
	mode int64
}

func buildTar(t *testing.T, members []member) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Typeflag: m.typ, Mode: m.mode, Linkname: m.link}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
			if hdr.Typeflag == tar.TypeDir {
				hdr.Mode = 0o755
			}
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(m.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", m.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(m.body)); err != nil {
				t.Fatalf("Write(%s): %v", m.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, kind string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch kind {
	case "gz":
		w = gzip.NewWriter(&buf)
	case "xz":
		w, err = xz.NewWriter(&buf)
	case "zst":
		w, err = zstd.NewWriter(&buf)
	case "plain":
		return data
	default:
		t.Fatalf("unknown compression %q", kind)
	}
	if err != nil {
		t.Fatalf("creating %s writer: %v", kind, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing %s writer: %v", kind, err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

var cudaMembers = []member{
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/", typ: tar.TypeDir},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/include/", typ: tar.TypeDir},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/include/cub.h", body: "cub"},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/bin/tool", body: "#!/bin/sh\n", mode: 0o755},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/lib/libcccl.so", typ: tar.TypeSymlink, link: "libcccl.so.1"},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/lib/libcccl.so.1", body: "elf"},
	{name: "cuda_cccl-linux-x86_64-12.0.90-archive/LICENSE.hard", typ: tar.TypeLink, link: "cuda_cccl-linux-x86_64-12.0.90-archive/include/cub.h"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"cuda_cccl-linux-x86_64-12.0.90-archive.tar.xz", KindTar},
		{"/work/pkg.tar.gz", KindTar},
		{"pkg.tar.zst", KindTar},
		{"cuda_cccl-windows-x86_64-12.0.90-archive.zip", KindZip},
		{"installer.bin", KindUnknown},
		{"pkg.tgz", KindUnknown},
		{"pkg.tar", KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.name); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestExtractTarCompressions(t *testing.T) {
	raw := buildTar(t, cudaMembers)
	for _, kind := range []string{"gz", "xz", "zst", "plain"} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			// The extension is always .tar.xz; compression is sniffed.
			path := writeFile(t, filepath.Join(dir, "cuda_cccl.tar.xz"), compress(t, kind, raw))
			dest := filepath.Join(dir, "out")

			res, err := Extract(path, dest)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if res.Kind != KindTar {
				t.Errorf("Kind = %s, want tar", res.Kind)
			}
			if len(res.Entries) != len(cudaMembers) {
				t.Errorf("Entries = %d, want %d", len(res.Entries), len(cudaMembers))
			}
			if res.Files != 4 || res.Dirs != 2 || res.Links != 1 {
				t.Errorf("Files/Dirs/Links = %d/%d/%d, want 4/2/1", res.Files, res.Dirs, res.Links)
			}

			top := filepath.Join(dest, "cuda_cccl-linux-x86_64-12.0.90-archive")
			data, err := os.ReadFile(filepath.Join(top, "include", "cub.h"))
			if err != nil || string(data) != "cub" {
				t.Errorf("cub.h = %q, %v", data, err)
			}
			target, err := os.Readlink(filepath.Join(top, "lib", "libcccl.so"))
			if err != nil || target != "libcccl.so.1" {
				t.Errorf("Readlink = %q, %v; want libcccl.so.1", target, err)
			}
			fi, err := os.Stat(filepath.Join(top, "bin", "tool"))
			if err != nil {
				t.Fatalf("Stat(tool): %v", err)
			}
			if fi.Mode().Perm()&0o100 == 0 {
				t.Errorf("tool mode = %v, want executable", fi.Mode())
			}
			hard, err := os.ReadFile(filepath.Join(top, "LICENSE.hard"))
			if err != nil || string(hard) != "cub" {
				t.Errorf("hard link = %q, %v", hard, err)
			}
		})
	}
}

func TestEntriesTar(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "a.tar.gz"), compress(t, "gz", buildTar(t, cudaMembers[:3])))

	got, err := Entries(path)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	want := []string{
		"cuda_cccl-linux-x86_64-12.0.90-archive/",
		"cuda_cccl-linux-x86_64-12.0.90-archive/include/",
		"cuda_cccl-linux-x86_64-12.0.90-archive/include/cub.h",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Entries() = %v, want %v", got, want)
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	tests := []struct {
		name    string
		members []member
	}{
		{"parent traversal", []member{{name: "../evil", body: "x"}}},
		{"nested traversal", []member{{name: "pkg/../../evil", body: "x"}}},
		{"absolute link", []member{{name: "pkg/link", typ: tar.TypeSymlink, link: "/etc/passwd"}}},
		{"relative link out", []member{{name: "pkg/link", typ: tar.TypeSymlink, link: "../../outside"}}},
		{"hard link out", []member{{name: "pkg/hard", typ: tar.TypeLink, link: "../outside"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, filepath.Join(dir, "bad.tar.gz"), compress(t, "gz", buildTar(t, tt.members)))
			dest := filepath.Join(dir, "out")

			_, err := Extract(path, dest)
			if !errors.Is(err, safety.ErrEscapesRoot) {
				t.Fatalf("Extract() error = %v, want ErrEscapesRoot", err)
			}
			if _, err := os.Lstat(filepath.Join(dir, "evil")); !os.IsNotExist(err) {
				t.Errorf("member escaped destination")
			}
		})
	}
}

func TestExtractRejectsSymlinkChainEscape(t *testing.T) {
	tests := []struct {
		name    string
		members []member
	}{
		{
			name: "link beneath a link",
			members: []member{
				{name: "pkg/", typ: tar.TypeDir},
				{name: "pkg/a", typ: tar.TypeSymlink, link: "."},
				{name: "pkg/a/b", typ: tar.TypeSymlink, link: "../.."},
				{name: "pkg/a/b/escaped.txt", body: "x"},
			},
		},
		{
			name: "target through a link",
			members: []member{
				{name: "pkg/", typ: tar.TypeDir},
				{name: "pkg/a", typ: tar.TypeSymlink, link: "."},
				{name: "pkg/c", typ: tar.TypeSymlink, link: "a/../.."},
				{name: "pkg/c/escaped.txt", body: "x"},
			},
		},
		{
			name: "hard link through a link",
			members: []member{
				{name: "pkg/", typ: tar.TypeDir},
				{name: "pkg/a", typ: tar.TypeSymlink, link: "."},
				{name: "pkg/c", typ: tar.TypeSymlink, link: "a/../.."},
				{name: "pkg/passwd", typ: tar.TypeLink, link: "pkg/c/secret"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "secret"), []byte("s"), 0o600); err != nil {
				t.Fatal(err)
			}
			path := writeFile(t, filepath.Join(dir, "chain.tar.xz"), compress(t, "xz", buildTar(t, tt.members)))
			work := filepath.Join(dir, "work")

			_, err := Extract(path, work)
			if !errors.Is(err, safety.ErrEscapesRoot) {
				t.Fatalf("Extract() error = %v, want ErrEscapesRoot", err)
			}
			if _, err := os.Lstat(filepath.Join(dir, "escaped.txt")); !os.IsNotExist(err) {
				t.Errorf("member written outside the destination")
			}
			if _, err := os.Lstat(filepath.Join(work, "pkg", "passwd")); !os.IsNotExist(err) {
				t.Errorf("hard link to a file outside the destination was created")
			}
		})
	}
}

func TestExtractFollowsInTreeLinks(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "libs.tar.xz"), compress(t, "xz", buildTar(t, []member{
		{name: "pkg/", typ: tar.TypeDir},
		{name: "pkg/lib64/", typ: tar.TypeDir},
		{name: "pkg/lib", typ: tar.TypeSymlink, link: "lib64"},
		{name: "pkg/lib/libfoo.so", body: "elf"},
	})))
	work := filepath.Join(dir, "work")

	res, err := Extract(path, work)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Files != 1 || res.Links != 1 {
		t.Errorf("result = %+v", res)
	}
	if data, err := os.ReadFile(filepath.Join(work, "pkg", "lib64", "libfoo.so")); err != nil || string(data) != "elf" {
		t.Errorf("lib64/libfoo.so = %q, %v", data, err)
	}
}

type zipMember struct {
	name string
	mode os.FileMode
	body string
}

func buildZip(t *testing.T, members []zipMember) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		hdr := &zip.FileHeader{Name: m.name, Method: zip.Deflate}
		hdr.SetMode(m.mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("CreateHeader(%s): %v", m.name, err)
		}
		if _, err := w.Write([]byte(m.body)); err != nil {
			t.Fatalf("Write(%s): %v", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractZipRejectsSymlinkChainEscape(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "chain.zip"), buildZip(t, []zipMember{
		{"pkg/", os.ModeDir | 0o755, ""},
		{"pkg/a", os.ModeSymlink | 0o777, "."},
		{"pkg/a/b", os.ModeSymlink | 0o777, "../.."},
		{"pkg/a/b/escaped.txt", 0o644, "x"},
	}))

	if _, err := Extract(path, filepath.Join(dir, "work")); !errors.Is(err, safety.ErrEscapesRoot) {
		t.Fatalf("Extract() error = %v, want ErrEscapesRoot", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "escaped.txt")); !os.IsNotExist(err) {
		t.Errorf("member written outside the destination")
	}
}

func TestExtractZipBackslashNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "tool.zip"), buildZip(t, []zipMember{
		{`pkg\bin\tool.exe`, 0o755, "exe"},
		{`pkg\lib\a.dll`, 0o644, "dll"},
	}))
	work := filepath.Join(dir, "work")

	res, err := Extract(path, work)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := []string{"pkg/bin/tool.exe", "pkg/lib/a.dll"}
	if !reflect.DeepEqual(res.Entries, want) {
		t.Errorf("Entries = %q, want %q", res.Entries, want)
	}
	if top, ok := TopLevel(res.Entries); !ok || top != "pkg" {
		t.Errorf("TopLevel() = %q, %v, want pkg", top, ok)
	}
	if data, err := os.ReadFile(filepath.Join(work, "pkg", "bin", "tool.exe")); err != nil || string(data) != "exe" {
		t.Errorf("tool.exe = %q, %v", data, err)
	}

	names, err := Entries(path)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Entries() = %q, want %q", names, want)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, mode os.FileMode, body string) {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("CreateHeader(%s): %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	add("cuda_cccl-windows-x86_64-12.0.90-archive/", os.ModeDir|0o755, "")
	add("cuda_cccl-windows-x86_64-12.0.90-archive/bin/cccl.dll", 0o644, "dll")
	add("cuda_cccl-windows-x86_64-12.0.90-archive/bin/current", os.ModeSymlink|0o777, "cccl.dll")
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}

	path := writeFile(t, filepath.Join(dir, "cuda_cccl.zip"), buf.Bytes())
	dest := filepath.Join(dir, "out")
	res, err := Extract(path, dest)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Kind != KindZip || res.Files != 1 || res.Dirs != 1 || res.Links != 1 {
		t.Errorf("result = %+v", res)
	}

	top := filepath.Join(dest, "cuda_cccl-windows-x86_64-12.0.90-archive", "bin")
	if data, err := os.ReadFile(filepath.Join(top, "cccl.dll")); err != nil || string(data) != "dll" {
		t.Errorf("cccl.dll = %q, %v", data, err)
	}
	if target, err := os.Readlink(filepath.Join(top, "current")); err != nil || target != "cccl.dll" {
		t.Errorf("Readlink = %q, %v", target, err)
	}

	names, err := Entries(path)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(names) != 3 {
		t.Errorf("Entries() = %v", names)
	}
}

func TestExtractUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "installer.bin"), []byte("x"))
	if _, err := Extract(path, filepath.Join(dir, "out")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Extract() error = %v, want ErrUnsupported", err)
	}
	if _, err := Entries(path); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Entries() error = %v, want ErrUnsupported", err)
	}
}

func TestExtractCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "broken.tar.gz"), []byte{0x1f, 0x8b, 0x00, 0x01})
	if _, err := Extract(path, filepath.Join(dir, "out")); err == nil {
		t.Error("Extract() of corrupt gzip succeeded")
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"abc"}, "abc"},
		{[]string{"cuda/a", "cuda/b"}, "cuda/"},
		{[]string{"cuda/", "cuda-extras/"}, "cuda"},
		{[]string{"a", "b"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.names); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestTopLevel(t *testing.T) {
	tests := []struct {
		name   string
		names  []string
		want   string
		wantOK bool
	}{
		{"single root", []string{"pkg/", "pkg/lib/", "pkg/lib/a.so"}, "pkg", true},
		{"dot slash", []string{"./", "./pkg/", "./pkg/a"}, "pkg", true},
		{"no dir entry", []string{"pkg/a", "pkg/b/c"}, "pkg", true},
		{"two roots", []string{"pkg/a", "other/b"}, "", false},
		{"shared string not segment", []string{"cuda/a", "cuda-extras/b"}, "", false},
		{"root file beside dir", []string{"pkg/a", "README"}, "", false},
		{"single file", []string{"README"}, "README", true},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TopLevel(tt.names)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("TopLevel(%v) = (%q, %v), want (%q, %v)", tt.names, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
