package resolve

import (
	"context"

	"github.com/BadgerOps/redist/internal/manifest"
)

// Filter narrows which leaves of a manifest are resolved. Empty fields
// match everything.
type Filter struct {
	Component string
	Platform  string // "<os>-<arch>"; the source platform always passes
	Variant   string
}

// Report summarizes a resolution pass.
type Report struct {
	Outcomes   []Outcome
	Fetched    int
	Found      int
	Unresolved int
	Failed     int
	Mismatched int
	Malformed  int
	Skipped    int // platforms and variants excluded by the filter
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusFetched:
		r.Fetched++
	case StatusFoundWorkDir, StatusFoundBaseDir, StatusFoundPeerDir:
		r.Found++
	case StatusFetchFailed:
		r.Failed++
	case StatusUnresolved:
		r.Unresolved++
	}
	if o.Mismatched() {
		r.Mismatched++
	}
}

// ResolveAll walks the manifest once in document order and resolves every
// artifact that passes f. Every entry key visited is present in the
// returned registry, even when it yields no archive. Individual failures
// are recorded in the report; the only error is context cancellation,
// returned together with what was resolved so far.
func (r *Resolver) ResolveAll(ctx context.Context, m *manifest.Manifest, src manifest.Source, f Filter, opts Options) (*Registry, *Report, error) {
	reg := NewRegistry()
	rep := &Report{}

	resolve := func(t Target) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		o := r.Resolve(ctx, src, t, opts)
		if o.Registered() {
			reg.Add(t.Platform, o.Path)
		}
		rep.add(o)
		return nil
	}

	for _, comp := range m.Components {
		if f.Component != "" && comp.ID != f.Component {
			continue
		}
		r.out.Component(comp.Name, comp.Version)

		for _, entry := range comp.Entries {
			reg.Ensure(entry.Key)
			if entry.Kind == manifest.KindScalar {
				continue
			}

			if f.Platform != "" && entry.Key != f.Platform && entry.Key != manifest.SourcePlatform {
				r.out.SkippingPlatform(entry.Key)
				rep.Skipped++
				continue
			}

			switch entry.Kind {
			case manifest.KindArtifact:
				if entry.Err != nil {
					r.out.Malformed(comp.ID+"/"+entry.Key, entry.Err)
					rep.Malformed++
					continue
				}
				if err := resolve(Target{Component: comp.ID, Platform: entry.Key, Artifact: entry.Artifact}); err != nil {
					return reg, rep, err
				}

			case manifest.KindVariants:
				for _, v := range entry.Variants {
					if f.Variant != "" && v.Key != f.Variant {
						r.out.SkippingVariant(v.Key)
						rep.Skipped++
						continue
					}
					if v.Err != nil {
						r.out.Malformed(comp.ID+"/"+entry.Key+"/"+v.Key, v.Err)
						rep.Malformed++
						continue
					}
					t := Target{Component: comp.ID, Platform: entry.Key, Variant: v.Key, Artifact: v.Artifact}
					if err := resolve(t); err != nil {
						return reg, rep, err
					}
				}
			}
		}
	}

	r.logger.Info("resolution complete",
		"archives", reg.Len(), "fetched", rep.Fetched, "found", rep.Found,
		"unresolved", rep.Unresolved, "failed", rep.Failed, "mismatched", rep.Mismatched)
	return reg, rep, nil
}
