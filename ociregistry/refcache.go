package ociregistry

import (
	"sync"

	lru "github.com/golang/groupcache/lru"
)

// weighted wraps groupcache's count-bounded lru.Cache with a running
// byte-weight budget: entries are evicted oldest-first whenever adding
// a new one would push the total over maxWeight, the same shape as the
// teacher's directoryCache (cache/cache.go) wrapping lru.Cache with an
// OnEvicted hook, generalised from "evict on count" to "evict on
// weight" since ref and manifest entries vary wildly in size.
type weighted struct {
	mu        sync.Mutex
	cache     *lru.Cache
	weight    int64
	maxWeight int64
}

func newWeighted(maxWeight int64) *weighted {
	w := &weighted{cache: lru.New(0), maxWeight: maxWeight}
	w.cache.OnEvicted = func(_ lru.Key, value interface{}) {
		w.weight -= value.(weighable).weight()
	}
	return w
}

type weighable interface {
	weight() int64
}

type weightedString string

func (s weightedString) weight() int64 { return int64(len(s)) }

func (w *weighted) get(key string) (interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache.Get(key)
}

func (w *weighted) add(key string, value weighable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.cache.Get(key); ok {
		w.weight -= old.(weighable).weight()
	}
	w.cache.Add(key, value)
	w.weight += value.weight()
	for w.weight > w.maxWeight {
		w.cache.RemoveOldest()
	}
}

// RefCache caches a ref string's resolved manifest digest, bounded by
// total serialised bytes rather than entry count.
type RefCache struct {
	w    *weighted
	keys sync.Map // string -> struct{}, tracked for Persist
}

// NewRefCache builds a ref cache bounded to maxBytes of cached digest
// strings.
func NewRefCache(maxBytes int64) *RefCache {
	return &RefCache{w: newWeighted(maxBytes)}
}

func (c *RefCache) Get(ref string) (string, bool) {
	v, ok := c.w.get(ref)
	if !ok {
		return "", false
	}
	return string(v.(weightedString)), true
}

func (c *RefCache) Put(ref, digest string) {
	c.w.add(ref, weightedString(digest))
	c.keys.Store(ref, struct{}{})
}

// All returns every ref currently cached, for Persist. Entries evicted
// since being stored are simply absent from the underlying cache and
// skipped.
func (c *RefCache) All() map[string]string {
	out := make(map[string]string)
	c.keys.Range(func(k, _ interface{}) bool {
		ref := k.(string)
		if d, ok := c.Get(ref); ok {
			out[ref] = d
		} else {
			c.keys.Delete(ref)
		}
		return true
	})
	return out
}

// ManifestCache caches a manifest digest's packed (manifest, config)
// bytes, bounded by total serialised bytes.
type ManifestCache struct {
	w    *weighted
	keys sync.Map
}

func NewManifestCache(maxBytes int64) *ManifestCache {
	return &ManifestCache{w: newWeighted(maxBytes)}
}

type packedValue struct{ PackedManifest }

func (p packedValue) weight() int64 { return p.PackedManifest.weight() }

func (c *ManifestCache) Get(digest string) (PackedManifest, bool) {
	v, ok := c.w.get(digest)
	if !ok {
		return PackedManifest{}, false
	}
	return v.(packedValue).PackedManifest, true
}

func (c *ManifestCache) Put(digest string, p PackedManifest) {
	c.w.add(digest, packedValue{p})
	c.keys.Store(digest, struct{}{})
}

func (c *ManifestCache) All() map[string]PackedManifest {
	out := make(map[string]PackedManifest)
	c.keys.Range(func(k, _ interface{}) bool {
		digest := k.(string)
		if p, ok := c.Get(digest); ok {
			out[digest] = p
		} else {
			c.keys.Delete(digest)
		}
		return true
	})
	return out
}
