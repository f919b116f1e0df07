package ociregistry

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// refCacheFile and manifestCacheFile are the file names Persist/Load
// use within a cache directory; blobs need no such file since they
// are reloaded by walking the directory tree itself.
const (
	refCacheFile      = "ref"
	manifestCacheFile = "manifest"
)

// Persist serialises the ref and manifest caches to dir/ref and
// dir/manifest respectively. Blobs are already durable on disk and
// need no explicit persistence step.
func (c *Client) Persist(dir string) error {
	if err := persistGob(filepath.Join(dir, refCacheFile), c.refs.All()); err != nil {
		return errors.Wrap(err, "ociregistry: persist ref cache")
	}
	if err := persistGob(filepath.Join(dir, manifestCacheFile), c.manifests.All()); err != nil {
		return errors.Wrap(err, "ociregistry: persist manifest cache")
	}
	return nil
}

// Load restores the ref and manifest caches from a directory
// previously written by Persist. A missing file is not an error: a
// fresh cache directory simply starts cold.
func (c *Client) Load(dir string) error {
	var refs map[string]string
	if err := loadGob(filepath.Join(dir, refCacheFile), &refs); err != nil {
		return errors.Wrap(err, "ociregistry: load ref cache")
	}
	for k, v := range refs {
		c.refs.Put(k, v)
	}

	var manifests map[string]PackedManifest
	if err := loadGob(filepath.Join(dir, manifestCacheFile), &manifests); err != nil {
		return errors.Wrap(err, "ociregistry: load manifest cache")
	}
	for k, v := range manifests {
		c.manifests.Put(k, v)
	}
	return nil
}

// persistGob and loadGob use the standard library's gob encoding
// rather than a third-party binary codec: this is purely an
// internal on-disk cache format private to this process (never sent
// over the wire or read by another language's runtime), which is
// exactly gob's sweet spot and the reason no pack library (protobuf,
// msgpack, bincode-equivalent) earns its weight here.
func persistGob(path string, v interface{}) error {
	tmp := path + "_tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func loadGob(path string, v interface{}) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
