// Package config loads the process-wide TOML configuration file: cache
// directories, the worker pool's CPU sets, and the hypervisor binary
// and boot image paths. The HTTP surface that would normally validate
// and reload this file is out of scope, but the config shape and its
// TOML loading are carried forward the same way the full
// stargz-snapshotter service loads its own TOML config.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the top-level process configuration.
type Config struct {
	Hypervisor HypervisorConfig `toml:"hypervisor"`
	Worker     WorkerConfig     `toml:"worker"`
	Registry   RegistryConfig   `toml:"registry"`
}

// HypervisorConfig names the fixed per-invocation pieces every micro-VM
// boots with, mirroring hypervisor.Config.
type HypervisorConfig struct {
	Bin         string `toml:"bin"`
	Kernel      string `toml:"kernel"`
	Initramfs   string `toml:"initramfs"`
	RunDir      string `toml:"run_dir"`
	KeepConsole bool   `toml:"keep_console"`
}

// WorkerConfig describes the fixed worker pool: one CPU set per
// worker, plus the deadline enforced on every run.
type WorkerConfig struct {
	CPUSets       [][]int `toml:"cpu_sets"`
	RunTimeoutSec int     `toml:"run_timeout_sec"`
}

// RegistryConfig configures the OCI layer cache client: its cache
// directories and size budgets, and per-registry auth.
type RegistryConfig struct {
	BlobCacheDir    string                  `toml:"blob_cache_dir"`
	BlobCacheKB     int64                   `toml:"blob_cache_kb"`
	RefCacheBytes   int64                   `toml:"ref_cache_bytes"`
	ManifestBytes   int64                   `toml:"manifest_cache_bytes"`
	MaxConnections  int                     `toml:"max_connections"`
	Auth            map[string]AuthConfig   `toml:"auth"`
}

// AuthConfig is one registry's configured credential, matching
// ociregistry.Auth's shape for direct conversion.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
	None bool   `toml:"none"`
}

// Load decodes the TOML file at path into a Config. Fields left unset
// in the file keep Go's zero value; callers are expected to apply
// their own defaults on top where a zero value isn't meaningful (e.g.
// a zero RunTimeoutSec should be treated as "use the caller's
// default", not "no timeout").
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: decode %q", path)
	}
	return &cfg, nil
}
