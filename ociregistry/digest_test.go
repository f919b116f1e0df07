package ociregistry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestHashingReaderVerifiesDigestAndSize(t *testing.T) {
	data := []byte("hello world")
	want := digest.FromBytes(data)

	hr := newHashingReader(bytes.NewReader(data))
	buf := make([]byte, len(data))
	if _, err := hr.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := hr.verifySize(int64(len(data))); err != nil {
		t.Fatalf("verifySize: %v", err)
	}
	if err := hr.verifyDigest(want); err != nil {
		t.Fatalf("verifyDigest: %v", err)
	}
}

func TestHashingReaderRejectsWrongDigest(t *testing.T) {
	data := []byte("hello world")
	hr := newHashingReader(bytes.NewReader(data))
	buf := make([]byte, len(data))
	hr.Read(buf)

	bogus := digest.FromBytes([]byte("not hello world"))
	if err := hr.verifyDigest(bogus); err == nil {
		t.Fatalf("verifyDigest should reject mismatched digest")
	}
}

func TestDigestEqualIsCaseInsensitive(t *testing.T) {
	a := digest.FromBytes([]byte("x"))
	upper := digest.Digest(a.Algorithm().String() + ":" + strings.ToUpper(a.Hex()))
	if !digestEqual(a, upper) {
		t.Fatalf("digestEqual should match same digest regardless of hex case")
	}

	other := digest.FromBytes([]byte("y"))
	if digestEqual(a, other) {
		t.Fatalf("digestEqual should not match different digests")
	}
}

func TestSniffCompression(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want Compression
	}{
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, CompressionGzip},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, CompressionZstd},
		{"empty", nil, CompressionUnknown},
	}
	for _, tc := range cases {
		if got := SniffCompression(tc.in); got != tc.want {
			t.Errorf("%s: SniffCompression = %v, want %v", tc.name, got, tc.want)
		}
	}
}
