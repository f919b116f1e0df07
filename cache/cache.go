/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cache implements the content-addressed blob store backing the
// OCI layer cache: blobs are keyed by "algo:hex", live on disk at
// "algo/hex", and are staged under "algo/hex_tmp" until committed with an
// atomic rename so that no reader ever observes a partial blob.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
)

// blobSizeDivisor converts a blob's byte size into the KB units weight
// reports, keeping it representable as a uint32 (the groupcache lru.Cache
// itself counts entries, not bytes, and is bounded by MaxEntries).
const blobSizeDivisor = 1000

// Key is a content-addressed blob key of the form "algo:hex". algo and hex
// must each be non-empty and neither may contain "." or "/", which keeps
// Path free of directory traversal.
type Key struct {
	algo string
	hex  string
}

// NewKey validates and constructs a Key from "algo:hex".
func NewKey(s string) (Key, error) {
	if strings.ContainsAny(s, "./") {
		return Key{}, errors.Errorf("invalid blob key %q: contains '.' or '/'", s)
	}
	algo, hex, ok := strings.Cut(s, ":")
	if !ok || algo == "" || hex == "" {
		return Key{}, errors.Errorf("invalid blob key %q: want \"algo:hex\"", s)
	}
	return Key{algo: algo, hex: hex}, nil
}

func (k Key) String() string { return k.algo + ":" + k.hex }

// Path returns the on-disk relative path "algo/hex" for this key.
func (k Key) Path() string { return filepath.Join(k.algo, k.hex) }

func (k Key) tmpPath() string { return filepath.Join(k.algo, k.hex+"_tmp") }

// Store is a content-addressed, disk-backed blob cache. Writers stage new
// blobs under a "_tmp" sibling and atomically rename into place; readers
// only ever open the final name. An in-memory LRU tracks known keys and
// their size in bytes so callers can bound disk usage without a directory
// walk on every lookup.
type Store struct {
	dir string

	mu    sync.Mutex
	sizes *lru.Cache // Key.String() -> int64 (bytes)
}

// NewStore opens (creating if necessary) a blob store rooted at dir.
// maxEntries bounds the in-memory size index, not the on-disk footprint;
// eviction from the index does not delete the backing file.
func NewStore(dir string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create blob store dir %q", dir)
	}
	return &Store{dir: dir, sizes: lru.New(maxEntries)}, nil
}

// Has reports whether key has a committed blob on disk, consulting the
// in-memory index first.
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	_, ok := s.sizes.Get(key.String())
	s.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(filepath.Join(s.dir, key.Path()))
	return err == nil
}

// Open returns a read-only handle to the committed blob for key.
func (s *Store) Open(key Key) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.dir, key.Path()))
	if err != nil {
		return nil, errors.Wrapf(err, "open blob %s", key)
	}
	return f, nil
}

// Stager is a handle to an in-progress blob write. Callers must call
// either Commit (on success) or Abort (on any failure); Abort is also
// safe to call after Commit (it becomes a no-op).
type Stager struct {
	store *Store
	key   Key
	file  *os.File
	done  bool
}

// Stage opens the "_tmp" staging file for key, creating parent
// directories as needed. Exactly one Stager may be open per key at a
// time from this process; the filesystem atomic-rename at Commit is what
// makes concurrent writers from *other* processes safe too.
func (s *Store) Stage(key Key) (*Stager, error) {
	full := filepath.Join(s.dir, key.tmpPath())
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create blob dir for %s", key)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "stage blob %s", key)
	}
	return &Stager{store: s, key: key, file: f}, nil
}

// Write implements io.Writer, hashing is the caller's responsibility.
func (st *Stager) Write(p []byte) (int, error) { return st.file.Write(p) }

// Commit renames the staged file into its final "algo/hex" location and
// records its size in the in-memory index.
func (st *Stager) Commit() error {
	if st.done {
		return nil
	}
	st.done = true
	size, err := st.file.Seek(0, io.SeekCurrent)
	if err != nil {
		_ = st.file.Close()
		_ = os.Remove(filepath.Join(st.store.dir, st.key.tmpPath()))
		return errors.Wrap(err, "determine staged blob size")
	}
	if err := st.file.Close(); err != nil {
		_ = os.Remove(filepath.Join(st.store.dir, st.key.tmpPath()))
		return errors.Wrap(err, "close staged blob")
	}
	from := filepath.Join(st.store.dir, st.key.tmpPath())
	to := filepath.Join(st.store.dir, st.key.Path())
	if err := os.Rename(from, to); err != nil {
		_ = os.Remove(from)
		return errors.Wrapf(err, "commit blob %s", st.key)
	}
	st.store.mu.Lock()
	st.store.sizes.Add(st.key.String(), size)
	st.store.mu.Unlock()
	return nil
}

// Abort discards the staged file. Safe to call multiple times and after
// Commit (no-op in both cases).
func (st *Stager) Abort() {
	if st.done {
		return
	}
	st.done = true
	_ = st.file.Close()
	_ = os.Remove(filepath.Join(st.store.dir, st.key.tmpPath()))
}

// Load walks the store directory and inserts (key, size) for every
// committed blob found, repopulating the in-memory index after a
// restart. "_tmp" staging files are never inserted and are removed, since
// a leftover one means a previous process died mid-write.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "list blob store dir %q", s.dir)
	}
	for _, algoEnt := range entries {
		if !algoEnt.IsDir() {
			continue
		}
		algo := algoEnt.Name()
		hexEntries, err := os.ReadDir(filepath.Join(s.dir, algo))
		if err != nil {
			return errors.Wrapf(err, "list blob algo dir %q", algo)
		}
		for _, hexEnt := range hexEntries {
			name := hexEnt.Name()
			full := filepath.Join(s.dir, algo, name)
			if strings.HasSuffix(name, "_tmp") {
				_ = os.Remove(full)
				continue
			}
			fi, err := hexEnt.Info()
			if err != nil {
				continue
			}
			key, err := NewKey(fmt.Sprintf("%s:%s", algo, name))
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.sizes.Add(key.String(), fi.Size())
			s.mu.Unlock()
		}
	}
	return nil
}

// weight converts a blob size in bytes to the KB-rounded weight used by
// capacity-bounded callers (the same divisor ociregistry's blobWeight uses
// for its blob cache; ociregistry's ref and manifest caches weigh raw
// bytes).
func weight(sizeBytes int64) int64 {
	w := sizeBytes / blobSizeDivisor
	if w < 1 {
		w = 1
	}
	return w
}
