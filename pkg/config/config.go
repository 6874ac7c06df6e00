// Package config loads and validates operator-authored instance
// configuration files. Validation is field-level and collects every
// violation before returning rather than failing on the first bad
// field.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/types"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+$`)

var validBackends = map[types.GPUBackend]bool{
	types.GPUBackendCPU:    true,
	types.GPUBackendVulkan: true,
	types.GPUBackendCUDA:   true,
	types.GPUBackendMetal:  true,
	types.GPUBackendHIP:    true,
}

// Load reads and validates an instance configuration file at path.
func Load(path string) (*types.InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "cannot read config file", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "cannot parse config file", err)
	}

	if fields := Validate(cfg); len(fields) > 0 {
		return nil, herrors.NewConfigError(fields)
	}

	return cfg, nil
}

// Defaults returns an InstanceConfig pre-populated with every default
// value, ready to be overridden by YAML unmarshalling.
func Defaults() *types.InstanceConfig {
	return &types.InstanceConfig{
		Server: types.ServerConfig{
			Host:     "127.0.0.1",
			Parallel: 1,
		},
		GPU: types.GPUConfig{
			Backend: types.GPUBackendCPU,
		},
		HealthCheck: types.HealthCheckConfig{
			Type:           types.ProbeHTTP,
			Path:           "/health",
			AcceptedStatus: []int{200},
			Interval:       30 * time.Second,
			Timeout:        5 * time.Second,
			Retries:        3,
			RetryDelay:     time.Second,
			JitterFraction: 0.1,
		},
		RestartPolicy: types.RestartPolicy{
			MaxRetries:   5,
			Multiplier:   2.0,
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
		},
		Logs: types.LogsConfig{
			Stdout:   "stdout.{name}.log",
			Stderr:   "stderr.{name}.log",
			Rotation: 5,
		},
	}
}

// Validate collects every violated field and returns their names;
// an empty slice means the configuration is valid.
func Validate(cfg *types.InstanceConfig) []string {
	var bad []string

	if !namePattern.MatchString(cfg.Name) {
		bad = append(bad, "name")
	}
	if !strings.HasSuffix(cfg.Model.Path, ".gguf") {
		bad = append(bad, "model.path")
	}
	if cfg.Model.ContextSize < 512 || cfg.Model.ContextSize > 131072 {
		bad = append(bad, "model.context_size")
	}
	if cfg.Server.Port < 1024 || cfg.Server.Port > 65535 {
		bad = append(bad, "server.port")
	}
	if cfg.Server.Parallel < 1 || cfg.Server.Parallel > 64 {
		bad = append(bad, "server.parallel")
	}
	if !validBackends[cfg.GPU.Backend] {
		bad = append(bad, "gpu.backend")
	}
	if cfg.RestartPolicy.MaxRetries < 0 || cfg.RestartPolicy.MaxRetries > 100 {
		bad = append(bad, "restart_policy.max_retries")
	}
	if cfg.RestartPolicy.Multiplier < 1 || cfg.RestartPolicy.Multiplier > 10 {
		bad = append(bad, "restart_policy.multiplier")
	}
	if cfg.RestartPolicy.InitialDelay.Seconds() < 0.1 || cfg.RestartPolicy.InitialDelay.Seconds() > 60 {
		bad = append(bad, "restart_policy.initial_delay")
	}
	if cfg.RestartPolicy.MaxDelay.Seconds() < 1 || cfg.RestartPolicy.MaxDelay.Seconds() > 3600 {
		bad = append(bad, "restart_policy.max_delay")
	}
	if cfg.RestartPolicy.InitialDelay > cfg.RestartPolicy.MaxDelay {
		bad = append(bad, "restart_policy.initial_delay")
	}
	if cfg.Binary != nil && cfg.Binary.SHA256 != "" && !isSHA256(cfg.Binary.SHA256) {
		bad = append(bad, "binary.sha256")
	}

	return dedupe(bad)
}

func isSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Fingerprint returns a short stable hash of the configuration, used by
// the Supervisor to detect whether a running instance's configuration
// drifted from what was last applied.
func Fingerprint(cfg *types.InstanceConfig) string {
	b, _ := yaml.Marshal(cfg)
	return fmt.Sprintf("%x", sum64(b))
}

// sum64 is a small non-cryptographic hash (FNV-1a); configuration
// fingerprinting only needs change detection, not collision resistance.
func sum64(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
