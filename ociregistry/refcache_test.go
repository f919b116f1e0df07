package ociregistry

import "testing"

func TestRefCacheGetPut(t *testing.T) {
	c := NewRefCache(1 << 20)
	if _, ok := c.Get("alpine:3.19"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put("alpine:3.19", "sha256:deadbeef")
	got, ok := c.Get("alpine:3.19")
	if !ok || got != "sha256:deadbeef" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestRefCacheEvictsByWeight(t *testing.T) {
	// Budget of a few bytes: inserting a handful of larger digest
	// strings should evict earlier entries rather than grow unbounded.
	c := NewRefCache(16)
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")
	}
	if c.w.weight > 16+64 {
		t.Fatalf("cache weight %d grew unbounded", c.w.weight)
	}
}

func TestManifestCacheGetPut(t *testing.T) {
	c := NewManifestCache(1 << 20)
	p := PackedManifest{ManifestBytes: []byte("m"), ConfigBytes: []byte("c")}
	c.Put("sha256:abc", p)
	got, ok := c.Get("sha256:abc")
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(got.ManifestBytes) != "m" || string(got.ConfigBytes) != "c" {
		t.Fatalf("got = %+v", got)
	}
}

func TestManifestCacheAll(t *testing.T) {
	c := NewManifestCache(1 << 20)
	c.Put("a", PackedManifest{ManifestBytes: []byte("1")})
	c.Put("b", PackedManifest{ManifestBytes: []byte("2")})
	all := c.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
}
