// Package seccomp holds the one seccomp policy the guest init process
// is launched under: loaded once from an embedded JSON blob and never
// mutated afterward. spec.md §9 calls this out explicitly as one of
// the two pieces of justified global mutable state in the system (the
// other being the rate-limit estimator in ociregistry) — modelled here
// as a read-only singleton built at first use rather than threaded
// through every call site, since nothing about it varies per request.
package seccomp

import (
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
)

//go:embed policy.json
var embeddedPolicy []byte

var (
	once   sync.Once
	policy *specs.LinuxSeccomp
	loadErr error
)

// Policy returns the process-wide seccomp policy, parsing the embedded
// default on first call and caching it. The returned value must be
// treated as read-only: every caller shares the same instance.
func Policy() (*specs.LinuxSeccomp, error) {
	once.Do(func() {
		var p specs.LinuxSeccomp
		if err := json.Unmarshal(embeddedPolicy, &p); err != nil {
			loadErr = errors.Wrap(err, "seccomp: parse embedded policy")
			return
		}
		policy = &p
	})
	return policy, loadErr
}
