package ociregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// writeBlob writes b under dir/blobs/<algo>/<hex> and returns its
// descriptor, mirroring how `skopeo copy` lays out an OCI directory.
func writeBlob(t *testing.T, dir string, b []byte, mediaType string) ispec.Descriptor {
	t.Helper()
	d := digest.FromBytes(b)
	p := filepath.Join(dir, "blobs", d.Algorithm().String(), d.Hex())
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return ispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(b))}
}

func buildOCIDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "oci-layout"), []byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644)

	configBytes, _ := json.Marshal(ispec.Image{Platform: ispec.Platform{OS: "linux", Architecture: "amd64"}})
	configDesc := writeBlob(t, dir, configBytes, ispec.MediaTypeImageConfig)

	manifest := ispec.Manifest{
		MediaType: ispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    nil,
	}
	manifestBytes, _ := json.Marshal(manifest)
	manifestDesc := writeBlob(t, dir, manifestBytes, ispec.MediaTypeImageManifest)
	manifestDesc.Annotations = map[string]string{"org.opencontainers.image.ref.name": "latest"}

	idx := ispec.Index{
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: []ispec.Descriptor{manifestDesc},
	}
	idxBytes, _ := json.Marshal(idx)
	os.WriteFile(filepath.Join(dir, "index.json"), idxBytes, 0o644)

	return dir
}

func TestGetManifestAndConfigurationFromDir(t *testing.T) {
	dir := buildOCIDir(t)
	c := &Client{}

	packed, err := c.GetManifestAndConfigurationFromDir(dir, "latest", Platform{OS: "linux", Architecture: "amd64"})
	if err != nil {
		t.Fatalf("GetManifestAndConfigurationFromDir: %v", err)
	}

	cfg, err := packed.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.OS != "linux" || cfg.Architecture != "amd64" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestGetManifestAndConfigurationFromDirNoSuchTag(t *testing.T) {
	dir := buildOCIDir(t)
	c := &Client{}
	if _, err := c.GetManifestAndConfigurationFromDir(dir, "missing", Platform{OS: "linux", Architecture: "amd64"}); err == nil {
		t.Fatalf("expected ErrNoSuchTag")
	}
}
