package manifest

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// SourcePlatform is the platform key for platform-independent source
// archives. Platform filters never exclude it.
const SourcePlatform = "source"

// EntryKind classifies one key of a component object.
type EntryKind int

const (
	// KindScalar is a non-object value such as "name", "version" or "license".
	KindScalar EntryKind = iota
	// KindArtifact is an object carrying relative_path directly.
	KindArtifact
	// KindVariants is an object keyed by variant id, each holding an artifact.
	KindVariants
)

func (k EntryKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArtifact:
		return "artifact"
	case KindVariants:
		return "variants"
	default:
		return "unknown"
	}
}

// Manifest is a decoded redistrib JSON document.
type Manifest struct {
	Components []Component
	Meta       []Meta // top-level keys that are not components
}

// Meta is a top-level manifest key that does not describe a component,
// e.g. release_date or release_label.
type Meta struct {
	Key   string
	Value string
}

// Component is one top-level entry with a name key.
type Component struct {
	ID      string
	Name    string
	Version string
	// Entries holds every key of the component except variant metadata,
	// in document order.
	Entries []Entry
}

// Entry is one key of a component object.
type Entry struct {
	Key      string
	Kind     EntryKind
	Artifact *Artifact // set for KindArtifact when it decoded
	Variants []Variant // set for KindVariants
	Err      error     // KindArtifact whose object did not decode
}

// Variant is one member of a variant mapping, e.g. "cuda11" or "12.0".
type Variant struct {
	Key      string
	Artifact *Artifact
	Err      error
}

// Artifact describes a single downloadable archive.
type Artifact struct {
	RelativePath string
	SHA256       string
	MD5          string
	Size         string // decimal byte count as written in the manifest
}

// Filename returns the artifact's basename, which identifies it on disk.
func (a *Artifact) Filename() string {
	return path.Base(a.RelativePath)
}

// URL resolves the artifact's relative path against base. An http(s)
// base is resolved as a URL reference; anything else is joined as a
// local filesystem path.
func (a *Artifact) URL(base string) string {
	if isRemote(base) {
		baseURL, err := url.Parse(base)
		if err == nil {
			ref, err := url.Parse(a.RelativePath)
			if err == nil {
				return baseURL.ResolveReference(ref).String()
			}
		}
		return base + a.RelativePath
	}
	return filepath.Join(base, filepath.FromSlash(a.RelativePath))
}

// Lookup returns the component with the given id.
func (m *Manifest) Lookup(id string) (*Component, bool) {
	for i := range m.Components {
		if m.Components[i].ID == id {
			return &m.Components[i], true
		}
	}
	return nil, false
}

// Platforms returns the entries that can hold artifacts.
func (c *Component) Platforms() []Entry {
	var out []Entry
	for _, e := range c.Entries {
		if e.Kind != KindScalar {
			out = append(out, e)
		}
	}
	return out
}

// IsVariantMetadata reports whether a component key holds variant
// metadata rather than an artifact, which is any key containing "variant".
func IsVariantMetadata(key string) bool {
	return strings.Contains(key, "variant")
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
