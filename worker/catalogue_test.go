package worker

import "testing"

func TestCatalogueLookupMiss(t *testing.T) {
	c := NewCatalogue()
	if _, ok := c.Lookup("missing"); ok {
		t.Fatalf("Lookup on empty catalogue should miss")
	}
}

func TestCatalogueStoreAndLookup(t *testing.T) {
	c := NewCatalogue()
	c.Store(map[string]ImageEntry{
		"alpine:3.19": {Ref: "alpine:3.19", RootfsPath: "/var/cache/pex/alpine.erofs"},
	})

	e, ok := c.Lookup("alpine:3.19")
	if !ok {
		t.Fatalf("Lookup: want hit")
	}
	if e.RootfsPath != "/var/cache/pex/alpine.erofs" {
		t.Fatalf("RootfsPath = %q", e.RootfsPath)
	}

	if len(c.Snapshot()) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(c.Snapshot()))
	}
}

func TestCatalogueStoreReplacesWholesale(t *testing.T) {
	c := NewCatalogue()
	c.Store(map[string]ImageEntry{"a": {Ref: "a"}})
	c.Store(map[string]ImageEntry{"b": {Ref: "b"}})

	if _, ok := c.Lookup("a"); ok {
		t.Fatalf("Lookup(a): want miss after replacement")
	}
	if _, ok := c.Lookup("b"); !ok {
		t.Fatalf("Lookup(b): want hit")
	}
}
