package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/BadgerOps/redist/internal/archive"
	"github.com/BadgerOps/redist/internal/flatten"
	"github.com/BadgerOps/redist/internal/report"
	"github.com/BadgerOps/redist/internal/resolve"
	"github.com/BadgerOps/redist/internal/safety"
)

// Engine extracts resolved archives and flattens them into an output tree.
type Engine struct {
	workDir string
	out     *report.Printer
	logger  *slog.Logger
}

// New returns an Engine that extracts archives under workDir.
func New(workDir string, out *report.Printer, logger *slog.Logger) *Engine {
	if workDir == "" {
		workDir = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{workDir: workDir, out: out, logger: logger}
}

// Options controls ExtractAndFlatten.
type Options struct {
	OutputDir string
	Collapse  bool // merge each extracted tree into OutputDir/<platform>[/<tag>]
}

// ArchiveOutcome records what happened to one registered archive.
type ArchiveOutcome struct {
	Platform string
	Path     string
	Tag      string
	Kind     archive.Kind
	TopLevel string
	Extract  *archive.Result
	Merge    *flatten.MergeResult
	Dest     string
	Err      error
}

// Report summarizes an extraction pass.
type Report struct {
	Archives   []ArchiveOutcome
	Extracted  int
	Merged     int
	Conflicted int
	Failed     int
	Ignored    int // unrecognized archive kinds
	Output     []string
}

// ExtractAndFlatten walks the registry in platform order and extracts
// every archive. Failures of one archive are recorded and the walk goes
// on; only output directory creation and cancellation return an error.
func (e *Engine) ExtractAndFlatten(ctx context.Context, reg *resolve.Registry, opts Options) (*Report, error) {
	rep := &Report{}
	if reg == nil || reg.Empty() {
		return rep, nil
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "flat"
	}

	e.out.ArchivesHeader()
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return rep, fmt.Errorf("creating output directory: %w", err)
	}

	for _, pa := range reg.Snapshot() {
		for _, path := range pa.Archives {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			o := e.process(pa.Platform, path, opts)
			if o.Kind == archive.KindUnknown {
				rep.Ignored++
				continue
			}
			rep.add(o)
		}
	}

	names, err := e.listOutput(opts.OutputDir)
	if err != nil {
		e.logger.Warn("listing output directory", "dir", opts.OutputDir, "error", err)
	}
	rep.Output = names

	e.logger.Info("extraction complete",
		"extracted", rep.Extracted, "merged", rep.Merged, "conflicted", rep.Conflicted,
		"failed", rep.Failed, "ignored", rep.Ignored)
	return rep, nil
}

func (r *Report) add(o ArchiveOutcome) {
	r.Archives = append(r.Archives, o)
	if o.Extract != nil && o.Err == nil {
		r.Extracted++
	}
	switch {
	case o.Err != nil:
		r.Failed++
	case o.Merge == nil:
	case o.Merge.Status == flatten.ConflictTolerated:
		r.Conflicted++
	case o.Merge.Status == flatten.Merged:
		r.Merged++
	}
}

func (e *Engine) process(platform, path string, opts Options) ArchiveOutcome {
	o := ArchiveOutcome{Platform: platform, Path: path}

	if tag, ok := flatten.BuildTag(path); ok {
		o.Tag = tag
		e.out.BuildTag(platform, tag)
	}

	o.Kind = archive.Classify(path)
	if o.Kind == archive.KindUnknown {
		e.logger.Debug("ignoring unrecognized archive", "path", path)
		return o
	}
	e.out.Archive(o.Kind.String(), path)

	res, err := archive.Extract(path, e.workDir)
	o.Extract = res
	if err != nil {
		o.Err = fmt.Errorf("extracting %s: %w", path, err)
		e.out.ArchiveError(path, err)
		return o
	}

	top, ok := archive.TopLevel(res.Entries)
	var src string
	if ok {
		src, err = safety.SafeJoinUnder(e.workDir, top)
		if err != nil || !isDir(src) {
			ok = false
		}
	}
	if !ok {
		e.out.NoTopLevel(path)
		return o
	}
	o.TopLevel = top
	e.out.Extracted(top)

	if !opts.Collapse {
		return o
	}

	o.Dest = filepath.Join(opts.OutputDir, platform)
	if o.Tag != "" {
		o.Dest = filepath.Join(o.Dest, o.Tag)
	}
	m := flatten.Merge(src, o.Dest)
	o.Merge = &m
	e.logger.Debug("merged archive", "archive", path, "dest", o.Dest,
		"status", m.Status.String(), "files", m.Files, "links", m.Links)

	switch m.Status {
	case flatten.Failed:
		o.Err = fmt.Errorf("merging %s into %s: %w", top, o.Dest, m.Err)
		e.out.ArchiveError(path, m.Err)
		return o
	case flatten.ConflictTolerated:
		e.out.Conflicts(o.Dest, m.Conflicts)
	}

	if err := os.RemoveAll(src); err != nil {
		e.logger.Warn("removing extracted tree", "path", src, "error", err)
	}
	return o
}

func (e *Engine) listOutput(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	e.out.OutputHeader(dir)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			e.out.OutputItem(entry.Name(), true)
		case info.Mode().IsRegular():
			e.out.OutputItem(entry.Name(), false)
		default:
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func isDir(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.IsDir()
}
