package worker

import "sync/atomic"

// ImageEntry resolves a catalogued image reference to its assembled
// EROFS rootfs image and the OCI image config needed to build a runtime
// spec, cached at load time so a request doesn't re-derive either.
type ImageEntry struct {
	Ref        string
	RootfsPath string
	ConfigJSON []byte
}

// Catalogue is an atomically-swappable reference → ImageEntry map, read
// on every request and replaced wholesale on reload. It never blocks a
// reader behind a writer: Store swaps in a brand new map, readers keep
// using whichever snapshot they already loaded.
type Catalogue struct {
	v atomic.Pointer[map[string]ImageEntry]
}

// NewCatalogue returns an empty, ready-to-use Catalogue.
func NewCatalogue() *Catalogue {
	c := &Catalogue{}
	empty := map[string]ImageEntry{}
	c.v.Store(&empty)
	return c
}

// Lookup resolves ref against the current snapshot.
func (c *Catalogue) Lookup(ref string) (ImageEntry, bool) {
	m := *c.v.Load()
	e, ok := m[ref]
	return e, ok
}

// Store atomically replaces the entire catalogue.
func (c *Catalogue) Store(entries map[string]ImageEntry) {
	c.v.Store(&entries)
}

// Snapshot returns the currently-live map, for listing endpoints.
func (c *Catalogue) Snapshot() map[string]ImageEntry {
	return *c.v.Load()
}
