package ociregistry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// ErrNoSuchTag is returned when an OCI-layout directory's index.json
// has no entry matching the requested tag.
var ErrNoSuchTag = errors.New("ociregistry: no such tag in oci-layout index")

// GetManifestAndConfigurationFromDir resolves ref against a local
// OCI-layout directory (one holding an oci-layout file and an
// index.json, as produced by `skopeo copy` or `docker buildx build
// --output type=oci`) instead of a remote registry, with no network
// I/O. Blobs are read directly out of dir/blobs/<algo>/<hex> and are
// not copied into this client's own blob cache.
func (c *Client) GetManifestAndConfigurationFromDir(dir, ref string, platform Platform) (PackedManifest, error) {
	if err := checkOCILayout(dir); err != nil {
		return PackedManifest{}, err
	}

	idx, err := readDirIndex(dir)
	if err != nil {
		return PackedManifest{}, err
	}

	desc, err := findTagInIndex(idx, ref)
	if err != nil {
		return PackedManifest{}, err
	}

	manifestBytes, err := readDirBlob(dir, desc.Digest)
	if err != nil {
		return PackedManifest{}, err
	}
	if err := verifyBytesDigest(manifestBytes, desc.Digest); err != nil {
		return PackedManifest{}, err
	}

	if isManifestList(desc.MediaType) {
		var manifestIdx ispec.Index
		if err := json.Unmarshal(manifestBytes, &manifestIdx); err != nil {
			return PackedManifest{}, errors.Wrap(err, "ociregistry: decode oci-layout index")
		}
		platformDesc, err := pickPlatform(manifestIdx, platform)
		if err != nil {
			return PackedManifest{}, err
		}
		manifestBytes, err = readDirBlob(dir, platformDesc.Digest)
		if err != nil {
			return PackedManifest{}, err
		}
		if err := verifyBytesDigest(manifestBytes, platformDesc.Digest); err != nil {
			return PackedManifest{}, err
		}
	}

	var manifest ispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return PackedManifest{}, errors.Wrap(err, "ociregistry: decode manifest")
	}

	configBytes, err := readDirBlob(dir, manifest.Config.Digest)
	if err != nil {
		return PackedManifest{}, err
	}
	if err := verifyBytesDigest(configBytes, manifest.Config.Digest); err != nil {
		return PackedManifest{}, err
	}

	return PackedManifest{ManifestBytes: manifestBytes, ConfigBytes: configBytes}, nil
}

func checkOCILayout(dir string) error {
	var layout struct {
		ImageLayoutVersion string `json:"imageLayoutVersion"`
	}
	b, err := os.ReadFile(filepath.Join(dir, "oci-layout"))
	if err != nil {
		return errors.Wrap(err, "ociregistry: read oci-layout")
	}
	if err := json.Unmarshal(b, &layout); err != nil {
		return errors.Wrap(err, "ociregistry: decode oci-layout")
	}
	return nil
}

func readDirIndex(dir string) (ispec.Index, error) {
	var idx ispec.Index
	b, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return idx, errors.Wrap(err, "ociregistry: read index.json")
	}
	if err := json.Unmarshal(b, &idx); err != nil {
		return idx, errors.Wrap(err, "ociregistry: decode index.json")
	}
	return idx, nil
}

// findTagInIndex resolves ref against the index's per-descriptor
// org.opencontainers.image.ref.name annotation, or as a raw digest if
// ref parses as one.
func findTagInIndex(idx ispec.Index, ref string) (ispec.Descriptor, error) {
	if d, err := digest.Parse(ref); err == nil {
		for _, desc := range idx.Manifests {
			if desc.Digest == d {
				return desc, nil
			}
		}
	}
	for _, desc := range idx.Manifests {
		if desc.Annotations["org.opencontainers.image.ref.name"] == ref {
			return desc, nil
		}
	}
	return ispec.Descriptor{}, errors.Wrapf(ErrNoSuchTag, "%s", ref)
}

func readDirBlob(dir string, d digest.Digest) ([]byte, error) {
	path := filepath.Join(dir, "blobs", d.Algorithm().String(), d.Hex())
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "ociregistry: read blob %s", d)
	}
	return b, nil
}
