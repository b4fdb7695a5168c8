// Package report renders the operator-facing console lines of a run.
// Structured diagnostics go through slog; this is the readable log of
// what was fetched, found, verified and extracted.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/BadgerOps/redist/internal/integrity"
)

// Printer writes report lines. The zero value discards output.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Printer writing to w. A nil w discards output.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Printf writes one formatted line; a trailing newline is added.
func (p *Printer) Printf(format string, args ...any) {
	if p == nil || p.w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Parsing announces the manifest being read.
func (p *Printer) Parsing(ref string) {
	p.Printf(":: Parsing JSON: %s", ref)
}

// Component opens the section for one manifest component.
func (p *Printer) Component(name, version string) {
	p.Printf("\n%s: %s", name, version)
}

// SkippingPlatform reports a platform excluded by the platform filter.
func (p *Printer) SkippingPlatform(platform string) {
	p.Printf("  -> Skipping platform: %s", platform)
}

// SkippingVariant reports a variant excluded by the variant filter.
func (p *Printer) SkippingVariant(variant string) {
	p.Printf("  -> Skipping variant: %s", variant)
}

// Malformed reports a manifest node that could not be decoded.
func (p *Printer) Malformed(what string, err error) {
	p.Printf("  -> Skipping malformed %s: %v", what, err)
}

// Fetching announces a download.
func (p *Printer) Fetching(url string) {
	p.Printf(":: Fetching: %s", url)
}

// Wrote reports a completed download and its size.
func (p *Printer) Wrote(path string, size int64) {
	p.Printf("  -> Wrote: %s (%s)", path, humanize.IBytes(uint64(size)))
}

// FetchFailed reports a download that did not complete; the artifact is
// not registered.
func (p *Printer) FetchFailed(filename string, err error) {
	p.Printf("  -> Failed: %s: %v", filename, err)
}

// Found reports an archive already present on disk.
func (p *Printer) Found(path string) {
	p.Printf("  -> Found: %s", path)
}

// Unresolved reports an artifact that was neither found nor fetched,
// naming the last location probed.
func (p *Printer) Unresolved(probed, filename string) {
	p.Printf("Parent: %s", probed)
	p.Printf("  -> Artifact: %s", filename)
}

// Check reports a size or digest comparison. Mismatches print both sides
// and are advisory only.
func (p *Printer) Check(c integrity.Check) {
	label := "size"
	if c.Kind == integrity.KindSHA256 {
		label = "sha256sum"
	}
	if c.Match {
		p.Printf("\t Verified %s: %s", label, c.Actual)
		return
	}
	if c.Kind == integrity.KindSize {
		label = "bytes"
	}
	p.Printf("  => Mismatch %s:", label)
	p.Printf("\t-> Calculation: %s", c.Actual)
	p.Printf("\t-> Expectation: %s", c.Expected)
}

// CheckSkipped reports a check with no published expected value.
func (p *Printer) CheckSkipped(kind integrity.Kind, path string) {
	p.Printf("  -> No %s published for %s, not verified", kind, path)
}

// ArchivesHeader opens the extraction section.
func (p *Printer) ArchivesHeader() {
	p.Printf("\nArchives:")
}

// BuildTag reports the build tag an archive flattens under.
func (p *Printer) BuildTag(platform, tag string) {
	p.Printf("%s %s", platform, tag)
}

// Archive announces extraction of one archive.
func (p *Printer) Archive(kind, path string) {
	p.Printf(":: %s: %s", kind, path)
}

// Extracted reports the top-level directory an archive unpacked into.
func (p *Printer) Extracted(topDir string) {
	p.Printf("  -> Extracted: %s/", topDir)
}

// NoTopLevel reports an archive left extracted because it has no single
// top-level directory to merge.
func (p *Printer) NoTopLevel(archive string) {
	p.Printf("  -> No single top-level directory in %s, left in place", archive)
}

// Conflicts lists destination entries kept because their type differs
// from the source.
func (p *Printer) Conflicts(dest string, paths []string) {
	for _, c := range paths {
		p.Printf("  -> Kept existing %s (type conflict in %s)", c, dest)
	}
}

// ArchiveError reports an extraction or merge failure for one archive.
func (p *Printer) ArchiveError(path string, err error) {
	p.Printf("  -> Error: %s: %v", path, err)
}

// OutputHeader opens the listing of the output directory.
func (p *Printer) OutputHeader(dir string) {
	p.Printf("\nOutput: %s/", dir)
}

// OutputItem lists one output entry; directories get a trailing slash.
func (p *Printer) OutputItem(name string, isDir bool) {
	if isDir {
		p.Printf(" - %s/", name)
		return
	}
	p.Printf(" - %s", name)
}

// NewProgress returns a download progress callback that redraws a single
// status line on f at most every interval. It returns nil when f is not a
// terminal, so piped output stays clean.
func NewProgress(f *os.File, interval time.Duration) func(done, total int64) {
	if f == nil || (!isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())) {
		return nil
	}
	var last time.Time
	return func(done, total int64) {
		now := time.Now()
		finished := total > 0 && done >= total
		if !finished && now.Sub(last) < interval {
			return
		}
		last = now
		if total > 0 {
			fmt.Fprintf(f, "\r\t%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
		} else {
			fmt.Fprintf(f, "\r\t%s", humanize.IBytes(uint64(done)))
		}
		if finished {
			fmt.Fprintln(f)
		}
	}
}
