// Package ociregistry is a caching client for OCI distribution registries.
// It keeps three independent caches behind one facade: references
// (ref string -> digest), manifest+configuration pairs (digest -> packed
// bytes), and blobs (digest -> file on disk), each bounded by a distinct
// weigher so a busy cache can't starve the others.
package ociregistry

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Platform selects one manifest out of a multi-platform index.
type Platform struct {
	Architecture string
	OS           string
}

// PackedManifest is a manifest and its referenced image configuration,
// stored together under the manifest's own digest so a single cache
// entry answers both "what are the layers" and "what's the entrypoint".
// Each half is decoded lazily since callers often want only one.
type PackedManifest struct {
	ManifestBytes []byte
	ConfigBytes   []byte
}

// Manifest decodes the manifest half.
func (p PackedManifest) Manifest() (ispec.Manifest, error) {
	var m ispec.Manifest
	if err := json.Unmarshal(p.ManifestBytes, &m); err != nil {
		return m, errors.Wrap(err, "ociregistry: decode manifest")
	}
	return m, nil
}

// Config decodes the image configuration half.
func (p PackedManifest) Config() (ispec.Image, error) {
	var c ispec.Image
	if err := json.Unmarshal(p.ConfigBytes, &c); err != nil {
		return c, errors.Wrap(err, "ociregistry: decode image config")
	}
	return c, nil
}

// weight is the approximate number of bytes a cache entry occupies,
// used to bound the manifest cache by serialised size rather than by
// entry count.
func (p PackedManifest) weight() int64 {
	return int64(len(p.ManifestBytes) + len(p.ConfigBytes))
}

func pickPlatform(idx ispec.Index, want Platform) (ispec.Descriptor, error) {
	for _, d := range idx.Manifests {
		if d.Platform == nil {
			continue
		}
		if d.Platform.Architecture == want.Architecture && d.Platform.OS == want.OS {
			return d, nil
		}
	}
	return ispec.Descriptor{}, errors.Errorf("ociregistry: no manifest for platform %s/%s", want.OS, want.Architecture)
}

// isManifestList reports whether mediaType names an index/manifest-list
// rather than a single image manifest.
func isManifestList(mediaType string) bool {
	switch mediaType {
	case ispec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
		return true
	default:
		return false
	}
}

// acceptHeader is sent on every manifest GET so the registry may return
// either a single-platform manifest or a multi-platform index.
const acceptHeader = ispec.MediaTypeImageManifest + ", " +
	ispec.MediaTypeImageIndex + ", " +
	"application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json"

// digestAlgorithm is the only digest algorithm this client verifies
// against; spec.md notes "SHA-256 for now".
const digestAlgorithm = digest.SHA256
