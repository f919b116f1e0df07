package ociregistry

import (
	"testing"
	"time"
)

func pastTime() time.Time { return time.Now().Add(-time.Hour) }

func TestParseBearerChallenge(t *testing.T) {
	c, err := parseBearerChallenge(`Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"`)
	if err != nil {
		t.Fatalf("parseBearerChallenge: %v", err)
	}
	if c.realm != "https://auth.docker.io/token" {
		t.Errorf("realm = %q", c.realm)
	}
	if c.service != "registry.docker.io" {
		t.Errorf("service = %q", c.service)
	}
}

func TestParseBearerChallengeRejectsOtherSchemes(t *testing.T) {
	if _, err := parseBearerChallenge(`Basic realm="foo"`); err == nil {
		t.Fatalf("expected error for non-Bearer scheme")
	}
}

func TestParseBearerChallengeRequiresRealm(t *testing.T) {
	if _, err := parseBearerChallenge(`Bearer service="x"`); err == nil {
		t.Fatalf("expected error for missing realm")
	}
}

func TestAuthMapLookupMissing(t *testing.T) {
	m := AuthMap{}
	if _, err := m.lookup("example.com"); err == nil {
		t.Fatalf("expected ErrRegistryNotConfigured")
	}
}

func TestTokenCacheExpiry(t *testing.T) {
	c := newTokenCache()
	c.put("reg/repo", token{value: "t", expiresAt: pastTime()})
	if _, ok := c.get("reg/repo"); ok {
		t.Fatalf("expired token should not be returned")
	}
}

func TestTokenRequestURL(t *testing.T) {
	got := tokenRequestURL("https://auth.example.com/token", "registry.example.com", "library/alpine")
	want := "https://auth.example.com/token?service=registry.example.com&scope=repository%3Alibrary%2Falpine%3Apull"
	if got != want {
		t.Fatalf("tokenRequestURL = %q, want %q", got, want)
	}
}
