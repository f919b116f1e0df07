package ociregistry

import "testing"

func TestPersistAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	blobDir := t.TempDir()

	c1, err := NewClientBuilder().WithBlobCacheDir(blobDir, 1<<20).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c1.refs.Put("alpine:3.19", "sha256:deadbeef")
	c1.manifests.Put("sha256:deadbeef", PackedManifest{ManifestBytes: []byte("m"), ConfigBytes: []byte("c")})

	if err := c1.Persist(dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	c2, err := NewClientBuilder().WithBlobCacheDir(blobDir, 1<<20).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := c2.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	d, ok := c2.refs.Get("alpine:3.19")
	if !ok || d != "sha256:deadbeef" {
		t.Fatalf("refs.Get after Load = %q, %v", d, ok)
	}
	p, ok := c2.manifests.Get("sha256:deadbeef")
	if !ok || string(p.ManifestBytes) != "m" {
		t.Fatalf("manifests.Get after Load = %+v, %v", p, ok)
	}
}

func TestLoadMissingDirIsNotError(t *testing.T) {
	blobDir := t.TempDir()
	c, err := NewClientBuilder().WithBlobCacheDir(blobDir, 1<<20).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := c.Load(t.TempDir()); err != nil {
		t.Fatalf("Load on empty dir should not error: %v", err)
	}
}
