package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BadgerOps/redist/internal/download"
	"github.com/BadgerOps/redist/internal/integrity"
	"github.com/BadgerOps/redist/internal/manifest"
	"github.com/BadgerOps/redist/internal/report"
	"github.com/BadgerOps/redist/internal/safety"
)

// Status is how an artifact was resolved.
type Status string

const (
	StatusFetched      Status = "fetched"
	StatusFoundWorkDir Status = "found_work_dir"
	StatusFoundBaseDir Status = "found_base_dir"
	StatusFoundPeerDir Status = "found_peer_dir"
	StatusUnresolved   Status = "unresolved"
	StatusFetchFailed  Status = "fetch_failed"
)

// Fetcher downloads one archive to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, opts download.FetchOptions) (*download.FetchResult, error)
}

// Options toggles the optional steps of resolution.
type Options struct {
	Retrieve      bool // fetch artifacts not present locally
	CheckSize     bool
	CheckChecksum bool
}

// Target identifies one leaf artifact of a manifest.
type Target struct {
	Component string
	Platform  string
	Variant   string // empty for platforms without variants
	Artifact  *manifest.Artifact
}

// Outcome is the result of resolving one Target.
type Outcome struct {
	Target
	Filename string
	Path     string // local path, empty unless registered
	Status   Status
	Checks   []integrity.Check
	Err      error
}

// Registered reports whether the outcome yields an archive for extraction.
func (o Outcome) Registered() bool {
	switch o.Status {
	case StatusFetched, StatusFoundWorkDir, StatusFoundBaseDir, StatusFoundPeerDir:
		return true
	}
	return false
}

// Mismatched reports whether any verification disagreed with the manifest.
func (o Outcome) Mismatched() bool {
	for _, c := range o.Checks {
		if !c.Match {
			return true
		}
	}
	return false
}

// Verdict returns the match result of the given check kind, or nil when
// that check did not run.
func (o Outcome) Verdict(kind integrity.Kind) *bool {
	for _, c := range o.Checks {
		if c.Kind == kind {
			match := c.Match
			return &match
		}
	}
	return nil
}

// Resolver locates or downloads manifest artifacts.
type Resolver struct {
	fetcher Fetcher
	workDir string
	out     *report.Printer
	logger  *slog.Logger
}

// New creates a Resolver. workDir stands in for the current directory:
// downloads land there and it is the first place an artifact is looked
// for.
func New(fetcher Fetcher, workDir string, out *report.Printer, logger *slog.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		workDir: workDir,
		out:     out,
		logger:  logger,
	}
}

// Resolve makes one artifact available locally. The first match wins:
//
//  1. with Retrieve set and no local copy anywhere, fetch into the work dir
//  2. a copy in the work dir
//  3. a copy in the manifest's base dir
//  4. a copy in <work dir>/<component>/<platform>/
//
// Anything else is unresolved. Size and digest are then checked if
// requested; mismatches are reported and do not change the status.
func (r *Resolver) Resolve(ctx context.Context, src manifest.Source, t Target, opts Options) Outcome {
	art := t.Artifact
	filename := art.Filename()
	o := Outcome{Target: t, Filename: filename}
	if filename == "." || filename == ".." || filename == "/" {
		o.Status = StatusUnresolved
		o.Err = fmt.Errorf("relative_path %q names no file", art.RelativePath)
		r.out.Malformed("artifact", o.Err)
		return o
	}

	workPath := filepath.Join(r.workDir, filename)
	basePaths := baseCandidates(src, art)
	peerPath := filepath.Join(r.workDir, t.Component, t.Platform, filename)

	basePath, baseHit := firstExisting(basePaths...)
	switch {
	case opts.Retrieve && !exists(workPath) && !baseHit && !exists(peerPath):
		if src.Local {
			// Nothing to fetch from: the base is the manifest's own directory.
			o.Status = StatusUnresolved
			r.out.Unresolved(art.URL(src.BaseURI), filename)
			break
		}
		o.Status, o.Err = r.fetch(ctx, art.URL(src.BaseURI), workPath, art)
		if o.Err == nil {
			o.Path = workPath
		}
	case exists(workPath):
		o.Status, o.Path = StatusFoundWorkDir, workPath
		r.out.Found(workPath)
	case baseHit:
		o.Status, o.Path = StatusFoundBaseDir, basePath
		r.out.Found(basePath)
	case exists(peerPath):
		o.Status, o.Path = StatusFoundPeerDir, peerPath
		r.out.Found(peerPath)
	default:
		o.Status = StatusUnresolved
		r.out.Unresolved(peerPath, filename)
	}

	r.logger.Debug("artifact resolved",
		"component", t.Component, "platform", t.Platform, "variant", t.Variant,
		"file", filename, "status", o.Status, "path", o.Path, "md5", art.MD5)

	if o.Path != "" && exists(o.Path) {
		o.Checks = r.verify(o.Path, art, opts)
	}
	return o
}

func (r *Resolver) fetch(ctx context.Context, url, dest string, art *manifest.Artifact) (Status, error) {
	r.out.Fetching(url)

	var expected int64
	if n, err := strconv.ParseInt(art.Size, 10, 64); err == nil {
		expected = n
	}
	res, err := r.fetcher.Fetch(ctx, download.FetchOptions{
		URL:          url,
		DestPath:     dest,
		ExpectedSize: expected,
	})
	if err != nil {
		r.out.FetchFailed(art.Filename(), err)
		r.logger.Warn("artifact download failed", "url", url, "error", err)
		return StatusFetchFailed, fmt.Errorf("fetching %s: %w", url, err)
	}
	r.out.Wrote(res.Path, res.Size)
	return StatusFetched, nil
}

func (r *Resolver) verify(path string, art *manifest.Artifact, opts Options) []integrity.Check {
	var checks []integrity.Check

	run := func(kind integrity.Kind, expected string, fn func(string, string) (integrity.Check, error)) {
		if expected == "" {
			r.out.CheckSkipped(kind, path)
			return
		}
		c, err := fn(path, expected)
		if err != nil {
			r.logger.Warn("verification failed to run", "kind", kind, "path", path, "error", err)
			r.out.ArchiveError(path, err)
			return
		}
		r.out.Check(c)
		checks = append(checks, c)
	}

	if opts.CheckChecksum {
		run(integrity.KindSHA256, art.SHA256, integrity.VerifyDigest)
	}
	if opts.CheckSize {
		run(integrity.KindSize, art.Size, integrity.VerifySize)
	}
	return checks
}

// baseCandidates lists where a local manifest's directory may hold the
// artifact: by basename, then at its relative path (a mirrored tree).
func baseCandidates(src manifest.Source, art *manifest.Artifact) []string {
	if src.BaseDir == "" {
		return nil
	}
	flat := filepath.Join(src.BaseDir, art.Filename())
	nested, err := safety.SafeJoinUnder(src.BaseDir, art.RelativePath)
	if err != nil || nested == flat {
		return []string{flat}
	}
	return []string{flat, nested}
}

func firstExisting(paths ...string) (string, bool) {
	for _, p := range paths {
		if exists(p) {
			return p, true
		}
	}
	return "", false
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
