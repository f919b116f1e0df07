package ociregistry

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrDigestMismatch and ErrSizeMismatch classify why downloaded content
// failed verification against its descriptor.
var (
	ErrDigestMismatch = errors.New("ociregistry: digest mismatch")
	ErrSizeMismatch   = errors.New("ociregistry: size mismatch")
)

// hashingReader wraps an io.Reader, accumulating a SHA-256 digest of
// everything read through it so callers can verify a download without
// buffering the whole body first.
type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

func (h *hashingReader) digest() digest.Digest {
	return digest.NewDigestFromBytes(digestAlgorithm, h.h.Sum(nil))
}

// verifySize checks the number of bytes read through h against want,
// the size declared on the descriptor.
func (h *hashingReader) verifySize(want int64) error {
	if h.n != want {
		return errors.Wrapf(ErrSizeMismatch, "got %d bytes, want %d", h.n, want)
	}
	return nil
}

// verifyDigest checks h's accumulated digest against want without
// decoding want's hex string into a byte buffer first: comparison is
// done nibble by nibble against want's lowercase-hex encoded form,
// mirroring the reference client's digest_eq.
func (h *hashingReader) verifyDigest(want digest.Digest) error {
	if !digestEqual(want, h.digest()) {
		return errors.Wrapf(ErrDigestMismatch, "got %s, want %s", h.digest(), want)
	}
	return nil
}

// digestEqual compares two digests by their hex string form, one
// character at a time with A-F folded to lowercase, rather than decoding
// either side into a byte slice first. The result matches comparing the
// decoded digest bytes, so differing-case encodings of the same digest
// compare equal.
func digestEqual(a, b digest.Digest) bool {
	if a.Algorithm() != b.Algorithm() {
		return false
	}
	ah, bh := a.Hex(), b.Hex()
	if len(ah) != len(bh) {
		return false
	}
	for i := 0; i < len(ah); i++ {
		if lowerNibble(ah[i]) != lowerNibble(bh[i]) {
			return false
		}
	}
	return true
}

func lowerNibble(c byte) byte {
	if c >= 'A' && c <= 'F' {
		return c - 'A' + 'a'
	}
	return c
}

// SniffCompression identifies a layer's actual encoding from its
// leading bytes, independent of what the manifest's media type claims,
// as a defensive cross-check before handing the blob to the unpacker.
type Compression int

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "tar"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

func SniffCompression(b []byte) Compression {
	switch {
	case len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b:
		return CompressionGzip
	case len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd:
		return CompressionZstd
	case len(b) >= 262 && string(b[257:262]) == "ustar":
		return CompressionNone
	default:
		return CompressionUnknown
	}
}
