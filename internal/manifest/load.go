package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/redist/internal/safety"
)

// DefaultDomain hosts the published redistrib manifests.
const DefaultDomain = "https://developer.download.nvidia.com"

// ErrManifest marks a manifest that could not be read or decoded.
var ErrManifest = errors.New("redistrib JSON manifest not usable")

// Getter fetches a remote document into memory.
type Getter interface {
	Get(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// Source records where a manifest came from and where its artifacts live.
type Source struct {
	Ref   string
	Local bool
	// BaseURI is the manifest's directory with a trailing separator;
	// artifact relative paths resolve against it.
	BaseURI string
	// BaseDir is the manifest's directory on disk. Empty for remote manifests.
	BaseDir string
}

// LabelURL builds the published manifest URL for a product release label.
func LabelURL(domain, product, label string) string {
	return fmt.Sprintf("%s/compute/%s/redist/redistrib_%s.json", strings.TrimRight(domain, "/"), product, label)
}

// Load reads the manifest named by ref. A ref naming an existing local
// file is read from disk; anything else must be an http(s) URL and is
// fetched with getter, reading at most limit bytes.
func Load(ctx context.Context, ref string, getter Getter, limit int64) (*Manifest, Source, error) {
	src, err := NewSource(ref)
	if err != nil {
		return nil, Source{}, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	var data []byte
	if src.Local {
		data, err = os.ReadFile(ref)
		if err != nil {
			return nil, src, fmt.Errorf("%w: reading %s: %w", ErrManifest, ref, err)
		}
	} else {
		if getter == nil {
			return nil, src, fmt.Errorf("%w: no fetcher for %s", ErrManifest, ref)
		}
		data, err = getter.Get(ctx, ref, limit)
		if err != nil {
			return nil, src, fmt.Errorf("%w: fetching %s: %w", ErrManifest, ref, err)
		}
	}

	m, err := Parse(data)
	if err != nil {
		return nil, src, err
	}
	return m, src, nil
}

// NewSource classifies ref as a local file or a remote URL and derives
// its base location.
func NewSource(ref string) (Source, error) {
	if fi, err := os.Stat(ref); err == nil && fi.Mode().IsRegular() {
		dir := filepath.Dir(ref)
		return Source{
			Ref:     ref,
			Local:   true,
			BaseURI: dir + string(filepath.Separator),
			BaseDir: dir,
		}, nil
	}

	u, err := safety.ValidateHTTPURL(ref)
	if err != nil {
		return Source{}, fmt.Errorf("%s is neither a local file nor a usable URL: %w", ref, err)
	}
	base := u.ResolveReference(&url.URL{Path: "./"})
	return Source{Ref: ref, BaseURI: base.String()}, nil
}
