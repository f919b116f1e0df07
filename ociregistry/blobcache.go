package ociregistry

import (
	"io"
	"os"
	"path/filepath"

	lru "github.com/golang/groupcache/lru"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// blobSizeDivisor converts a blob's byte size into the KB-sized weight
// unit the blob cache budgets in, the same unit the reference client
// uses so a 32-bit weight can address a cache up to roughly 4 TB.
const blobSizeDivisor = 1000

func blobWeight(size int64) int64 {
	w := size / blobSizeDivisor
	if w == 0 {
		return 1
	}
	return w
}

// BlobCache indexes on-disk blobs by digest, bounded by total KB
// rather than by count; eviction removes the backing file.
type BlobCache struct {
	dir string
	w   *weighted
}

type blobSize int64

func (s blobSize) weight() int64 { return blobWeight(int64(s)) }

// NewBlobCache opens (creating if necessary) a disk-backed blob cache
// rooted at dir, bounded to maxKB kilobytes, and reloads its index by
// walking dir's existing algo/hex two-level subtree layout.
func NewBlobCache(dir string, maxKB int64) (*BlobCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "ociregistry: create blob cache dir")
	}
	c := &BlobCache{dir: dir, w: newWeighted(maxKB)}
	c.w.cache.OnEvicted = func(key lru.Key, value interface{}) {
		c.w.weight -= value.(weighable).weight()
		os.Remove(c.pathFor(key.(string)))
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// pathFor returns the final (non-tmp) path for digest d, laid out as
// dir/<algo>/<first-two-hex-chars>/<full-hex>, matching the reference
// client's blob directory layout.
func (c *BlobCache) pathFor(d string) string {
	dg := digest.Digest(d)
	hex := dg.Hex()
	if len(hex) < 2 {
		return filepath.Join(c.dir, dg.Algorithm().String(), hex)
	}
	return filepath.Join(c.dir, dg.Algorithm().String(), hex[:2], hex)
}

func (c *BlobCache) tmpPathFor(d string) string {
	return c.pathFor(d) + "_tmp"
}

// reload walks the cache directory and inserts (digest, filesize) for
// every blob already on disk, since the in-memory index starts empty
// on process restart but the files themselves persist.
func (c *BlobCache) reload() error {
	algos, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	for _, algo := range algos {
		if !algo.IsDir() {
			continue
		}
		algoDir := filepath.Join(c.dir, algo.Name())
		prefixes, err := os.ReadDir(algoDir)
		if err != nil {
			continue
		}
		for _, prefix := range prefixes {
			if !prefix.IsDir() {
				continue
			}
			prefixDir := filepath.Join(algoDir, prefix.Name())
			entries, err := os.ReadDir(prefixDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				info, err := e.Info()
				if err != nil {
					continue
				}
				d := algo.Name() + ":" + e.Name()
				c.w.add(d, blobSize(info.Size()))
			}
		}
	}
	return nil
}

// Has reports whether d is already cached, without opening it.
func (c *BlobCache) Has(d digest.Digest) bool {
	_, ok := c.w.get(string(d))
	return ok
}

// Open returns a read-only handle to an already-cached blob.
func (c *BlobCache) Open(d digest.Digest) (*os.File, error) {
	return os.Open(c.pathFor(string(d)))
}

// blobWriter stages a downloaded blob under a _tmp suffix;
// VerifyAndCommit renames it into its final digest-addressed path and
// registers it in the cache index, and Abort (which VerifyAndCommit also
// runs on any failure) removes the partial file — the same stage-then-rename-or-unlink discipline as
// the reference client's FileGuard.
type blobWriter struct {
	cache *BlobCache
	d     digest.Digest
	f     *os.File
	hr    *hashingReader
	done  bool
}

// CreateBlob opens a staging file for digest d. The caller must write
// exactly the expected bytes (verifying via VerifyAndCommit) or call
// Abort.
func (c *BlobCache) CreateBlob(d digest.Digest) (*blobWriter, error) {
	tmp := c.tmpPathFor(string(d))
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return nil, errors.Wrap(err, "ociregistry: create blob dir")
	}
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrap(err, "ociregistry: create blob tmp file")
	}
	return &blobWriter{cache: c, d: d, f: f}, nil
}

// CopyFrom copies r into the staging file while hashing it, and
// returns the number of bytes written.
func (w *blobWriter) CopyFrom(r io.Reader) (int64, error) {
	hr := newHashingReader(r)
	w.hr = hr
	n, err := io.Copy(w.f, hr)
	if err != nil {
		return n, errors.Wrap(err, "ociregistry: write blob")
	}
	return n, nil
}

// VerifyAndCommit checks the staged download's size and digest against
// the descriptor, and if both match, renames it into place and
// registers it in the cache. On any failure the staging file is
// removed and the blob is not cached.
func (w *blobWriter) VerifyAndCommit(wantSize int64, wantDigest digest.Digest) (*os.File, error) {
	defer func() {
		if !w.done {
			w.Abort()
		}
	}()

	if err := w.hr.verifySize(wantSize); err != nil {
		w.f.Close()
		return nil, err
	}
	if err := w.hr.verifyDigest(wantDigest); err != nil {
		w.f.Close()
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, errors.Wrap(err, "ociregistry: close blob tmp file")
	}

	final := w.cache.pathFor(string(w.d))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, errors.Wrap(err, "ociregistry: create blob dir")
	}
	if err := os.Rename(w.cache.tmpPathFor(string(w.d)), final); err != nil {
		return nil, errors.Wrap(err, "ociregistry: commit blob")
	}
	w.done = true
	w.cache.w.add(string(w.d), blobSize(wantSize))

	return w.cache.Open(w.d)
}

// Abort discards the staging file without committing it.
func (w *blobWriter) Abort() {
	w.f.Close()
	os.Remove(w.cache.tmpPathFor(string(w.d)))
	w.done = true
}
