package ociregistry

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Auth is one registry's credential policy: either anonymous (None) or
// HTTP Basic (UserPass). A registry with no entry in an AuthMap is a
// hard configuration error, not an implicit anonymous fallback — the
// operator must say so explicitly.
type Auth struct {
	User string
	Pass string
	None bool
}

// AuthMap maps a registry host (e.g. "registry-1.docker.io") to its
// Auth policy.
type AuthMap map[string]Auth

// ErrRegistryNotConfigured is returned when a request targets a
// registry absent from the client's AuthMap.
var ErrRegistryNotConfigured = errors.New("ociregistry: registry has no auth entry")

func (m AuthMap) lookup(registry string) (Auth, error) {
	a, ok := m[registry]
	if !ok {
		return Auth{}, errors.Wrapf(ErrRegistryNotConfigured, "%s", registry)
	}
	return a, nil
}

// token is a cached bearer token for one registry/repository pair,
// expiring at expiresAt.
type token struct {
	value     string
	expiresAt time.Time
}

func (t token) expired(now time.Time) bool {
	return !now.Before(t.expiresAt)
}

// defaultTokenTTL is used when a token response omits expires_in,
// matching the reference client's conservative default.
const defaultTokenTTL = 60 * time.Second

// tokenCacheSize bounds the number of distinct registry/repo pairs
// whose tokens are held at once; one entry per repository actually
// pulled from is typical, so this is generous headroom rather than a
// tight budget.
const tokenCacheSize = 4096

// tokenCache is keyed by "registry/repo". Unlike the ref/manifest/blob
// caches it's bounded by entry count, not serialised size, since a
// bearer token is always a small, roughly fixed-size string — the
// plain count-based LRU this library provides is the right tool here,
// in contrast to refcache.go/blobcache.go's custom byte/KB-weighted
// wrapper around groupcache's Cache.
type tokenCache struct {
	c *lru.Cache
}

func newTokenCache() *tokenCache {
	c, err := lru.New(tokenCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// tokenCacheSize never is.
		panic(err)
	}
	return &tokenCache{c: c}
}

func (c *tokenCache) get(key string) (token, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		return token{}, false
	}
	t := v.(token)
	if t.expired(time.Now()) {
		return token{}, false
	}
	return t, true
}

func (c *tokenCache) put(key string, t token) {
	c.c.Add(key, t)
}

// bearerChallenge is the parsed content of a WWW-Authenticate: Bearer
// header.
type bearerChallenge struct {
	realm   string
	service string
}

// parseBearerChallenge parses `Bearer realm="...",service="...",...`
// into its realm and service fields. Unknown parameters (e.g. scope,
// error) are ignored; this client always requests its own pull scope.
func parseBearerChallenge(header string) (bearerChallenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return bearerChallenge{}, errors.Errorf("ociregistry: unsupported WWW-Authenticate scheme: %q", header)
	}
	var c bearerChallenge
	for _, part := range splitAuthParams(header[len(prefix):]) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.realm = val
		case "service":
			c.service = val
		}
	}
	if c.realm == "" {
		return bearerChallenge{}, errors.New("ociregistry: WWW-Authenticate missing realm")
	}
	return c, nil
}

// splitAuthParams splits a comma-separated auth-param list while
// respecting quoted commas (a realm or service value is never expected
// to contain one, but a malicious or unusual registry could send one).
func splitAuthParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// tokenResponse is the JSON body returned by a registry's token
// endpoint.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (r tokenResponse) bearer() string {
	if r.Token != "" {
		return r.Token
	}
	return r.AccessToken
}

// rateLimiter tracks a single process-wide "blocked until" instant.
// A 403/429 response with a reset header sets it; every outbound call
// checks it first and short-circuits with ErrRateLimited rather than
// making the request, per spec.md §4.7's rate-limit response rule.
type rateLimiter struct {
	mu          sync.Mutex
	blockedUntil time.Time
}

// ErrRateLimited is returned in place of making a request while the
// process-wide rate-limit lockout is active.
var ErrRateLimited = errors.New("ociregistry: rate limited")

func (r *rateLimiter) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.blockedUntil) {
		return errors.Wrapf(ErrRateLimited, "blocked until %s", r.blockedUntil.Format(time.RFC3339))
	}
	return nil
}

// recordFromResponse reads RateLimit-Reset (or X-RateLimit-Reset) off
// a 403/429 response and extends the lockout if present. The header is
// a Unix timestamp per the OCI distribution convention some registries
// follow; an unparseable or absent header leaves the lockout
// unchanged since there's nothing better to key a backoff on.
func (r *rateLimiter) recordFromResponse(resp *http.Response) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return
	}
	h := resp.Header.Get("RateLimit-Reset")
	if h == "" {
		h = resp.Header.Get("X-RateLimit-Reset")
	}
	if h == "" {
		return
	}
	secs, err := strconv.ParseInt(h, 10, 64)
	if err != nil {
		return
	}
	until := time.Unix(secs, 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.blockedUntil) {
		r.blockedUntil = until
	}
}

func tokenRequestURL(realm, service, repo string) string {
	scope := fmt.Sprintf("repository:%s:pull", repo)
	return fmt.Sprintf("%s?service=%s&scope=%s", realm, url.QueryEscape(service), url.QueryEscape(scope))
}
