package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BadgerOps/redist/internal/config"
	"github.com/BadgerOps/redist/internal/download"
	"github.com/BadgerOps/redist/internal/engine"
	"github.com/BadgerOps/redist/internal/integrity"
	"github.com/BadgerOps/redist/internal/manifest"
	"github.com/BadgerOps/redist/internal/report"
	"github.com/BadgerOps/redist/internal/resolve"
	"github.com/BadgerOps/redist/internal/store"
)

// runOptions holds the root command's pipeline flags.
type runOptions struct {
	URL       string
	Label     string
	Product   string
	Output    string
	Component string
	OS        string
	Arch      string
	Variant   string
	WorkDir   string
	Domain    string

	// Toggle pairs; each pair shares one destination.
	download, checksum, size, extract, flatten toggle
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.URL, "url", "u", "", "manifest URL or local file")
	f.StringVarP(&o.Label, "label", "l", "", "release label, e.g. 12.0.0 (requires --product)")
	f.StringVarP(&o.Product, "product", "p", "", "product name, e.g. cuda")
	f.StringVarP(&o.Output, "output", "o", "", "output directory (default from config, \"flat\")")
	f.StringVar(&o.Component, "component", "", "only process this component")
	f.StringVar(&o.OS, "os", "", "only process this operating system (requires --arch)")
	f.StringVar(&o.Arch, "arch", "", "only process this architecture (requires --os)")
	f.StringVar(&o.Variant, "variant", "", "only process this variant")
	f.StringVar(&o.WorkDir, "work-dir", ".", "directory archives are downloaded to and extracted in")
	f.StringVar(&o.Domain, "domain", "", "override the download domain used with --label")

	bindToggle(f, &o.download, "download", "w", "download missing archives", "no-download", "W", "do not download missing archives")
	bindToggle(f, &o.checksum, "checksum", "s", "verify sha256 checksums", "no-checksum", "S", "skip sha256 verification")
	bindToggle(f, &o.size, "size", "", "verify archive sizes", "no-size", "", "skip size verification")
	bindToggle(f, &o.extract, "extract", "x", "extract archives", "no-extract", "X", "do not extract archives")
	bindToggle(f, &o.flatten, "flatten", "f", "merge extracted trees into the output directory", "no-flatten", "F", "leave extracted trees in place")
}

// toggle is the shared destination of a --name/--no-name flag pair.
// Whichever flag comes later on the command line wins.
type toggle struct {
	value bool
	set   bool
}

// or returns the flag value, or def when neither flag was given.
func (t toggle) or(def bool) bool {
	if t.set {
		return t.value
	}
	return def
}

// toggleFlag is one side of a toggle pair as a pflag.Value.
type toggleFlag struct {
	t      *toggle
	invert bool
}

func (f *toggleFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.t.value = v != f.invert
	f.t.set = true
	return nil
}

func (f *toggleFlag) String() string {
	if f.t == nil || !f.t.set {
		return "false"
	}
	return strconv.FormatBool(f.t.value != f.invert)
}

func (f *toggleFlag) Type() string { return "bool" }

func bindToggle(fs *pflag.FlagSet, t *toggle, on, onShort, onUsage, off, offShort, offUsage string) {
	fs.VarPF(&toggleFlag{t: t}, on, onShort, onUsage).NoOptDefVal = "true"
	fs.VarPF(&toggleFlag{t: t, invert: true}, off, offShort, offUsage).NoOptDefVal = "true"
}

// toggles is the effective on/off state of each pipeline step.
type toggles struct {
	Download bool
	Checksum bool
	Size     bool
	Extract  bool
	Flatten  bool
}

func (o *runOptions) toggles(d config.DefaultsConfig) toggles {
	return toggles{
		Download: o.download.or(d.Download),
		Checksum: o.checksum.or(d.Checksum),
		Size:     o.size.or(d.Size),
		Extract:  o.extract.or(d.Extract),
		Flatten:  o.flatten.or(d.Flatten),
	}
}

// manifestRef validates the manifest selection flags and returns the
// manifest URL or path.
func (o *runOptions) manifestRef(domain string) (string, error) {
	switch {
	case o.URL != "" && o.Label != "":
		return "", fmt.Errorf("%w: --url and --label are mutually exclusive", ErrUsage)
	case o.URL != "":
		return o.URL, nil
	case o.Label != "":
		if o.Product == "" {
			return "", fmt.Errorf("%w: --label requires --product", ErrUsage)
		}
		if o.Domain != "" {
			domain = o.Domain
		}
		if domain == "" {
			domain = manifest.DefaultDomain
		}
		return manifest.LabelURL(domain, o.Product, o.Label), nil
	default:
		return "", fmt.Errorf("%w: one of --url or --label is required", ErrUsage)
	}
}

func (o *runOptions) filter() (resolve.Filter, error) {
	f := resolve.Filter{Component: o.Component, Variant: o.Variant}
	switch {
	case o.OS != "" && o.Arch != "":
		f.Platform = o.OS + "-" + o.Arch
	case o.OS != "" || o.Arch != "":
		return f, fmt.Errorf("%w: --os and --arch must be given together", ErrUsage)
	}
	return f, nil
}

func pipelineRun(cmd *cobra.Command, opts *runOptions) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ref, err := opts.manifestRef(globalCfg.Domain)
	if err != nil {
		return err
	}
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	outputDir := opts.Output
	if outputDir == "" {
		outputDir = globalCfg.OutputDir
	}
	// A relative output directory lives beside the downloads.
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(workDir, outputDir)
	}

	var out *report.Printer
	var progress download.ProgressFunc
	if !quiet {
		out = report.New(cmd.OutOrStdout())
		progress = report.NewProgress(stderrFile(cmd), 250*time.Millisecond)
	}

	p := &pipeline{
		ref:       ref,
		filter:    filter,
		toggles:   opts.toggles(globalCfg.Defaults),
		workDir:   workDir,
		outputDir: outputDir,
		cfg:       globalCfg,
		out:       out,
		progress:  progress,
		logger:    logger,
	}
	return p.run(cmd.Context())
}

// pipeline is one resolve-then-extract run.
type pipeline struct {
	ref       string
	filter    resolve.Filter
	toggles   toggles
	workDir   string
	outputDir string
	cfg       *config.Config
	out       *report.Printer
	progress  download.ProgressFunc
	logger    *slog.Logger
}

func (p *pipeline) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	limit, err := p.cfg.ManifestLimitBytes()
	if err != nil {
		return fmt.Errorf("download.manifest_limit: %w", err)
	}

	client := download.NewClient(download.Options{
		UserAgent:             p.cfg.Download.UserAgent,
		RetryCount:            p.cfg.Download.RetryAttempts,
		ConnectTimeout:        p.cfg.Download.ConnectTimeout,
		ResponseHeaderTimeout: p.cfg.Download.ResponseHeaderTimeout,
		OnProgress:            p.progress,
	}, p.logger)

	p.out.Parsing(p.ref)
	m, src, err := manifest.Load(ctx, p.ref, client, limit)
	if err != nil {
		return err
	}
	p.logger.Info("manifest loaded", "ref", p.ref, "components", len(m.Components), "local", src.Local)

	led, err := openLedger(p.cfg.State.DBPath, p.ref, p.logger)
	if err != nil {
		return err
	}
	defer led.close()

	resolver := resolve.New(client, p.workDir, p.out, p.logger)
	reg, rrep, runErr := resolver.ResolveAll(ctx, m, src, p.filter, resolve.Options{
		Retrieve:      p.toggles.Download,
		CheckSize:     p.toggles.Size,
		CheckChecksum: p.toggles.Checksum,
	})
	p.out.Printf("\nResolved %d archives: %d fetched, %d found, %d unresolved, %d failed, %d mismatched",
		reg.Len(), rrep.Fetched, rrep.Found, rrep.Unresolved, rrep.Failed, rrep.Mismatched)
	led.recordOutcomes(rrep, p.toggles)

	var erep *engine.Report
	if runErr == nil && p.toggles.Extract {
		eng := engine.New(p.workDir, p.out, p.logger)
		erep, runErr = eng.ExtractAndFlatten(ctx, reg, engine.Options{
			OutputDir: p.outputDir,
			Collapse:  p.toggles.Flatten,
		})
		if erep != nil && len(erep.Archives) > 0 {
			p.out.Printf("\nExtracted %d archives: %d merged, %d with conflicts, %d failed",
				erep.Extracted, erep.Merged, erep.Conflicted, erep.Failed)
		}
	}

	led.finish(rrep, erep, runErr)
	return runErr
}

// ledger records a run in the state database. A nil store disables it.
type ledger struct {
	st     *store.Store
	run    *store.Run
	logger *slog.Logger
}

func openLedger(dbPath, ref string, logger *slog.Logger) (*ledger, error) {
	led := &ledger{logger: logger}
	if dbPath == "" {
		return led, nil
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	run := &store.Run{ManifestRef: ref, StartTime: time.Now()}
	if err := st.CreateRun(run); err != nil {
		st.Close()
		return nil, fmt.Errorf("recording run: %w", err)
	}
	led.st, led.run = st, run
	return led, nil
}

func (l *ledger) recordOutcomes(rep *resolve.Report, t toggles) {
	if l == nil || l.st == nil || rep == nil {
		return
	}
	for _, o := range rep.Outcomes {
		a := &store.Artifact{
			RunID:     l.run.ID,
			Component: o.Component,
			Platform:  o.Platform,
			Variant:   o.Variant,
			Filename:  o.Filename,
			Path:      o.Path,
			Status:    string(o.Status),
			SizeCheck: checkVerdict(o, integrity.KindSize, t.Size),
			HashCheck: checkVerdict(o, integrity.KindSHA256, t.Checksum),
		}
		if o.Err != nil {
			a.Error = o.Err.Error()
		}
		if err := l.st.RecordArtifact(a); err != nil {
			l.logger.Warn("failed to record artifact", "file", o.Filename, "error", err)
		}
	}
}

func checkVerdict(o resolve.Outcome, kind integrity.Kind, enabled bool) string {
	if !enabled || o.Path == "" {
		return ""
	}
	match := o.Verdict(kind)
	switch {
	case match == nil:
		return store.CheckSkipped
	case *match:
		return store.CheckMatch
	default:
		return store.CheckMismatch
	}
}

func (l *ledger) finish(rrep *resolve.Report, erep *engine.Report, runErr error) {
	if l == nil || l.st == nil {
		return
	}
	run := l.run
	if rrep != nil {
		run.Fetched = rrep.Fetched
		run.Found = rrep.Found
		run.Unresolved = rrep.Unresolved
		run.Failed = rrep.Failed
		run.Mismatched = rrep.Mismatched
	}
	if erep != nil {
		run.Extracted = erep.Extracted
		run.Merged = erep.Merged + erep.Conflicted
		run.Failed += erep.Failed
	}

	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = "cancelled"
	case runErr != nil:
		run.Status = "failed"
	case run.Failed > 0 || run.Mismatched > 0:
		run.Status = "partial"
	default:
		run.Status = "success"
	}
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}

	if err := l.st.FinishRun(run); err != nil {
		l.logger.Warn("failed to record run result", "run", run.ID, "error", err)
	}
}

func (l *ledger) close() {
	if l == nil || l.st == nil {
		return
	}
	if err := l.st.Close(); err != nil {
		l.logger.Error("failed to close store", "error", err)
	}
}

// stderrFile returns the command's stderr when it is a real file, for
// terminal detection.
func stderrFile(cmd *cobra.Command) *os.File {
	if f, ok := cmd.ErrOrStderr().(*os.File); ok {
		return f
	}
	return nil
}
