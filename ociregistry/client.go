package ociregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/programexplorer/pex/internal/pexlog"
)

// Client is a caching OCI distribution client: one HTTP transport,
// three independent caches (ref, manifest, blob), a connection permit
// bounding concurrent downloads, and a process-wide rate-limit
// lockout. Construct with ClientBuilder.
type Client struct {
	httpClient *http.Client
	auth       AuthMap
	tokens     *tokenCache
	limiter    *rateLimiter
	conns      *semaphore.Weighted
	fetchGroup singleflight.Group

	refs      *RefCache
	manifests *ManifestCache
	blobs     *BlobCache
}

// ClientBuilder configures a Client before construction.
type ClientBuilder struct {
	auth          AuthMap
	maxConns      int64
	refCacheBytes int64
	manifestBytes int64
	blobCacheDir  string
	blobCacheKB   int64
}

// NewClientBuilder returns a builder with the reference client's
// defaults: 16 MiB of ref cache, 64 MiB of manifest cache, 8
// concurrent connections, 4 GiB of blob cache.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		auth:          AuthMap{},
		maxConns:      8,
		refCacheBytes: 16 << 20,
		manifestBytes: 64 << 20,
		blobCacheKB:   4 << 20,
	}
}

func (b *ClientBuilder) WithAuth(auth AuthMap) *ClientBuilder {
	b.auth = auth
	return b
}

func (b *ClientBuilder) WithMaxConnections(n int64) *ClientBuilder {
	b.maxConns = n
	return b
}

func (b *ClientBuilder) WithRefCacheBytes(n int64) *ClientBuilder {
	b.refCacheBytes = n
	return b
}

func (b *ClientBuilder) WithManifestCacheBytes(n int64) *ClientBuilder {
	b.manifestBytes = n
	return b
}

func (b *ClientBuilder) WithBlobCacheDir(dir string, maxKB int64) *ClientBuilder {
	b.blobCacheDir = dir
	b.blobCacheKB = maxKB
	return b
}

// Build constructs the Client, reloading its blob cache index from
// disk.
func (b *ClientBuilder) Build() (*Client, error) {
	blobs, err := NewBlobCache(b.blobCacheDir, b.blobCacheKB)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return errors.New("ociregistry: too many redirects")
				}
				return nil
			},
		},
		auth:      b.auth,
		tokens:    newTokenCache(),
		limiter:   &rateLimiter{},
		conns:     semaphore.NewWeighted(b.maxConns),
		refs:      NewRefCache(b.refCacheBytes),
		manifests: NewManifestCache(b.manifestBytes),
		blobs:     blobs,
	}, nil
}

// registryRepoKey is the cache/token key for a (registry, repo) pair.
func registryRepoKey(registry, repo string) string {
	return registry + "/" + repo
}

// doAuthenticated performs req against registry/repo, transparently
// handling the bearer-token challenge-response dance on a first 401:
// parse WWW-Authenticate, fetch (or reuse a cached) token, retry the
// original request once with it attached. A second 401 is returned to
// the caller as-is rather than looping.
func (c *Client) doAuthenticated(ctx context.Context, registry, repo string, req *http.Request) (*http.Response, error) {
	if err := c.limiter.check(); err != nil {
		return nil, err
	}

	key := registryRepoKey(registry, repo)
	if tok, ok := c.tokens.get(key); ok {
		req.Header.Set("Authorization", "Bearer "+tok.value)
	}

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "ociregistry: request")
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.recordFromResponse(resp)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challengeHeader := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if challengeHeader == "" {
		return nil, errors.New("ociregistry: 401 with no WWW-Authenticate header")
	}

	tok, err := c.acquireToken(ctx, registry, repo, challengeHeader)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	retry.Header.Set("Authorization", "Bearer "+tok)
	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, errors.Wrap(err, "ociregistry: retry after auth")
	}
	return resp, nil
}

// acquireToken runs the Basic-auth token exchange described in
// spec.md §4.7's Authentication paragraph and caches the result under
// registry/repo.
func (c *Client) acquireToken(ctx context.Context, registry, repo, challengeHeader string) (string, error) {
	challenge, err := parseBearerChallenge(challengeHeader)
	if err != nil {
		return "", err
	}
	auth, err := c.auth.lookup(registry)
	if err != nil {
		return "", err
	}

	reqURL := tokenRequestURL(challenge.realm, challenge.service, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "ociregistry: build token request")
	}
	if !auth.None {
		req.SetBasicAuth(auth.User, auth.Pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "ociregistry: token request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("ociregistry: token request: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "ociregistry: decode token response")
	}
	bearer := tr.bearer()
	if bearer == "" {
		return "", errors.New("ociregistry: token response has no token")
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	c.tokens.put(registryRepoKey(registry, repo), token{value: bearer, expiresAt: time.Now().Add(ttl)})

	return bearer, nil
}

// GetManifestAndConfiguration resolves ref against the registry's
// multi-platform index for the given platform (if ref names no digest
// of its own), then fetches and verifies the chosen manifest and its
// image configuration, packing both under the manifest digest.
// Concurrent callers racing the same ref observe at most one upstream
// fetch.
func (c *Client) GetManifestAndConfiguration(ctx context.Context, registry, repo, ref string, platform Platform) (PackedManifest, error) {
	refKey := registryRepoKey(registry, repo) + "@" + ref + "@" + platform.OS + "/" + platform.Architecture
	if d, ok := c.refs.Get(refKey); ok {
		if p, ok := c.manifests.Get(d); ok {
			return p, nil
		}
	}

	v, err, _ := c.fetchGroup.Do(refKey, func() (interface{}, error) {
		return c.fetchManifestAndConfiguration(ctx, registry, repo, ref, platform, refKey)
	})
	if err != nil {
		return PackedManifest{}, err
	}
	return v.(PackedManifest), nil
}

func (c *Client) fetchManifestAndConfiguration(ctx context.Context, registry, repo, ref string, platform Platform, refKey string) (PackedManifest, error) {
	traceID := xid.New().String()
	ctx = pexlog.WithField(ctx, "trace_id", traceID)
	log := pexlog.G(ctx).WithField("image", registry+"/"+repo).WithField("ref", ref)
	log.Debug("ociregistry: fetch manifest and configuration")

	if err := c.conns.Acquire(ctx, 1); err != nil {
		return PackedManifest{}, err
	}
	defer c.conns.Release(1)

	manifestDigest, manifestBytes, mediaType, err := c.fetchManifestBytes(ctx, registry, repo, ref)
	if err != nil {
		log.WithError(err).Warn("ociregistry: fetch manifest failed")
		return PackedManifest{}, err
	}

	if isManifestList(mediaType) {
		var idx ispec.Index
		if err := json.Unmarshal(manifestBytes, &idx); err != nil {
			return PackedManifest{}, errors.Wrap(err, "ociregistry: decode image index")
		}
		d, err := pickPlatform(idx, platform)
		if err != nil {
			return PackedManifest{}, err
		}
		manifestDigest, manifestBytes, _, err = c.fetchManifestBytes(ctx, registry, repo, d.Digest.String())
		if err != nil {
			return PackedManifest{}, err
		}
	}

	var manifest ispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return PackedManifest{}, errors.Wrap(err, "ociregistry: decode manifest")
	}

	configBytes, err := c.fetchBlobBytes(ctx, registry, repo, manifest.Config)
	if err != nil {
		return PackedManifest{}, err
	}

	packed := PackedManifest{ManifestBytes: manifestBytes, ConfigBytes: configBytes}
	c.refs.Put(refKey, manifestDigest.String())
	c.manifests.Put(manifestDigest.String(), packed)
	log.WithField("digest", manifestDigest.String()).Debug("ociregistry: fetch complete")
	return packed, nil
}

// fetchManifestBytes GETs the manifest at ref (a tag or digest) and
// validates it against the digest: the reference's own digest if it
// named one, else the server's Docker-Content-Digest header, else a
// digest computed from the response body itself.
func (c *Client) fetchManifestBytes(ctx context.Context, registry, repo, ref string) (digest.Digest, []byte, string, error) {
	reqURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registry, repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", nil, "", errors.Wrap(err, "ociregistry: build manifest request")
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.doAuthenticated(ctx, registry, repo, req)
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, "", errors.Errorf("ociregistry: get manifest %s: status %d", ref, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, "", errors.Wrap(err, "ociregistry: read manifest body")
	}

	want, err := resolveManifestDigest(ref, resp.Header.Get("Docker-Content-Digest"), body)
	if err != nil {
		return "", nil, "", err
	}
	if err := verifyBytesDigest(body, want); err != nil {
		return "", nil, "", err
	}

	return want, body, resp.Header.Get("Content-Type"), nil
}

// resolveManifestDigest picks the digest to verify the manifest body
// against, preferring (in order) a digest already named by ref, the
// server-provided Docker-Content-Digest header, and finally a digest
// computed from the body.
func resolveManifestDigest(ref, contentDigestHeader string, body []byte) (digest.Digest, error) {
	if d, err := digest.Parse(ref); err == nil {
		return d, nil
	}
	if contentDigestHeader != "" {
		if d, err := digest.Parse(contentDigestHeader); err == nil {
			return d, nil
		}
	}
	return digestAlgorithm.FromBytes(body), nil
}

func verifyBytesDigest(body []byte, want digest.Digest) error {
	got := digestAlgorithm.FromBytes(body)
	if !digestEqual(want, got) {
		return errors.Wrapf(ErrDigestMismatch, "manifest: got %s, want %s", got, want)
	}
	return nil
}

// fetchBlobBytes is a small-blob convenience over getBlobLocked for
// config objects, which unlike layers are always decoded fully into
// memory.
func (c *Client) fetchBlobBytes(ctx context.Context, registry, repo string, desc ispec.Descriptor) ([]byte, error) {
	f, err := c.getBlobLocked(ctx, registry, repo, desc)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// GetBlob returns an open, read-only file for desc, downloading and
// verifying it first if not already cached. Concurrent requests for
// the same digest observe at most one download.
func (c *Client) GetBlob(ctx context.Context, registry, repo string, desc ispec.Descriptor) (*os.File, error) {
	return c.getBlobLocked(ctx, registry, repo, desc)
}

// getBlobLocked is GetBlob's implementation, named for the
// get-or-try-insert cache discipline it follows: a cache hit returns
// immediately, a miss is deduplicated across concurrent callers via
// fetchGroup before any of them touches the network.
func (c *Client) getBlobLocked(ctx context.Context, registry, repo string, desc ispec.Descriptor) (*os.File, error) {
	if c.blobs.Has(desc.Digest) {
		return c.blobs.Open(desc.Digest)
	}

	v, err, _ := c.fetchGroup.Do("blob:"+desc.Digest.String(), func() (interface{}, error) {
		return c.downloadBlob(ctx, registry, repo, desc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*os.File), nil
}

func (c *Client) downloadBlob(ctx context.Context, registry, repo string, desc ispec.Descriptor) (*os.File, error) {
	if err := c.conns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.conns.Release(1)

	reqURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s", registry, repo, desc.Digest.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "ociregistry: build blob request")
	}

	resp, err := c.doAuthenticated(ctx, registry, repo, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("ociregistry: get blob %s: status %d", desc.Digest, resp.StatusCode)
	}

	w, err := c.blobs.CreateBlob(desc.Digest)
	if err != nil {
		return nil, err
	}
	if _, err := w.CopyFrom(resp.Body); err != nil {
		w.Abort()
		return nil, err
	}
	return w.VerifyAndCommit(desc.Size, desc.Digest)
}

// GetLayers fetches every layer named by manifest, in order,
// returning one open file per layer. A single layer failing to
// download or verify fails the whole call; any files already opened
// for earlier layers are closed before returning.
func (c *Client) GetLayers(ctx context.Context, registry, repo string, manifest ispec.Manifest) ([]*os.File, error) {
	files := make([]*os.File, 0, len(manifest.Layers))
	for _, l := range manifest.Layers {
		f, err := c.getBlobLocked(ctx, registry, repo, l)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, errors.Wrapf(err, "ociregistry: layer %s", l.Digest)
		}
		files = append(files, f)
	}
	return files, nil
}
