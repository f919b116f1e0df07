package ociregistry

import (
	"bytes"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestBlobCacheCreateVerifyCommitRoundtrip(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBlobCache(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewBlobCache: %v", err)
	}

	data := []byte("layer contents")
	d := digest.FromBytes(data)

	if c.Has(d) {
		t.Fatalf("fresh cache should not have blob yet")
	}

	w, err := c.CreateBlob(d)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	if _, err := w.CopyFrom(bytes.NewReader(data)); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	f, err := w.VerifyAndCommit(int64(len(data)), d)
	if err != nil {
		t.Fatalf("VerifyAndCommit: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	if !c.Has(d) {
		t.Fatalf("committed blob should be cached")
	}
}

func TestBlobCacheRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBlobCache(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewBlobCache: %v", err)
	}

	data := []byte("layer contents")
	wrongDigest := digest.FromBytes([]byte("different contents"))

	w, err := c.CreateBlob(wrongDigest)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	w.CopyFrom(bytes.NewReader(data))
	if _, err := w.VerifyAndCommit(int64(len(data)), wrongDigest); err == nil {
		t.Fatalf("expected digest mismatch error")
	}

	if c.Has(wrongDigest) {
		t.Fatalf("failed verification should not populate the cache")
	}
}

func TestBlobCacheReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	c1, err := NewBlobCache(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewBlobCache: %v", err)
	}
	data := []byte("persisted layer")
	d := digest.FromBytes(data)
	w, _ := c1.CreateBlob(d)
	w.CopyFrom(bytes.NewReader(data))
	f, err := w.VerifyAndCommit(int64(len(data)), d)
	if err != nil {
		t.Fatalf("VerifyAndCommit: %v", err)
	}
	f.Close()

	c2, err := NewBlobCache(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewBlobCache (reload): %v", err)
	}
	if !c2.Has(d) {
		t.Fatalf("reloaded cache should find blob written by a prior instance")
	}
}
