package resolve

// Registry maps platform keys to the local archive paths resolved for
// them, both in first-seen order. It is the handoff from resolution to
// extraction.
type Registry struct {
	order    []string
	archives map[string][]string
}

// PlatformArchives is one platform's slice of a Registry.
type PlatformArchives struct {
	Platform string
	Archives []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{archives: make(map[string][]string)}
}

// Ensure records platform with an empty archive list if it is new.
func (r *Registry) Ensure(platform string) {
	if _, ok := r.archives[platform]; ok {
		return
	}
	r.order = append(r.order, platform)
	r.archives[platform] = []string{}
}

// Add appends path to platform's archives.
func (r *Registry) Add(platform, path string) {
	r.Ensure(platform)
	r.archives[platform] = append(r.archives[platform], path)
}

// Platforms returns every platform seen, in first-seen order.
func (r *Registry) Platforms() []string {
	return append([]string(nil), r.order...)
}

// Archives returns the archive paths registered for platform.
func (r *Registry) Archives(platform string) []string {
	return append([]string(nil), r.archives[platform]...)
}

// Has reports whether platform was seen.
func (r *Registry) Has(platform string) bool {
	_, ok := r.archives[platform]
	return ok
}

// Len returns the total number of registered archives.
func (r *Registry) Len() int {
	n := 0
	for _, paths := range r.archives {
		n += len(paths)
	}
	return n
}

// Empty reports whether no archive was registered at all.
func (r *Registry) Empty() bool {
	return r.Len() == 0
}

// Snapshot returns the full registry contents in order.
func (r *Registry) Snapshot() []PlatformArchives {
	out := make([]PlatformArchives, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, PlatformArchives{Platform: p, Archives: r.Archives(p)})
	}
	return out
}
