package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func validConfig() *types.InstanceConfig {
	cfg := Defaults()
	cfg.Name = "mymodel"
	cfg.Model.Path = "models/mymodel.gguf"
	cfg.Model.ContextSize = 4096
	cfg.Server.Port = 8080
	cfg.Server.Parallel = 2
	cfg.RestartPolicy.Multiplier = 2.0
	cfg.RestartPolicy.InitialDelay = time.Second
	cfg.RestartPolicy.MaxDelay = 30 * time.Second
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	assert.Empty(t, Validate(validConfig()))
}

func TestValidateRejectsBadName(t *testing.T) {
	cfg := validConfig()
	cfg.Name = "Not_Valid!"
	bad := Validate(cfg)
	assert.Contains(t, bad, "name")
}

func TestValidateRejectsNonGGUFModel(t *testing.T) {
	cfg := validConfig()
	cfg.Model.Path = "models/mymodel.bin"
	bad := Validate(cfg)
	assert.Contains(t, bad, "model.path")
}

func TestValidateRejectsOutOfRangeContextSize(t *testing.T) {
	cfg := validConfig()
	cfg.Model.ContextSize = 100
	bad := Validate(cfg)
	assert.Contains(t, bad, "model.context_size")
}

func TestValidateRejectsPrivilegedPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 80
	bad := Validate(cfg)
	assert.Contains(t, bad, "server.port")
}

func TestValidateRejectsUnknownGPUBackend(t *testing.T) {
	cfg := validConfig()
	cfg.GPU.Backend = types.GPUBackend("tpu")
	bad := Validate(cfg)
	assert.Contains(t, bad, "gpu.backend")
}

func TestValidateRejectsInitialDelayExceedingMaxDelay(t *testing.T) {
	cfg := validConfig()
	cfg.RestartPolicy.InitialDelay = time.Minute
	cfg.RestartPolicy.MaxDelay = 10 * time.Second
	bad := Validate(cfg)
	assert.Contains(t, bad, "restart_policy.initial_delay")
}

func TestValidateRejectsMalformedSHA256(t *testing.T) {
	cfg := validConfig()
	cfg.Binary = &types.BinarySelector{SHA256: "not-a-valid-hash"}
	bad := Validate(cfg)
	assert.Contains(t, bad, "binary.sha256")
}

func TestValidateAcceptsValidSHA256(t *testing.T) {
	cfg := validConfig()
	cfg.Binary = &types.BinarySelector{SHA256: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	assert.Empty(t, Validate(cfg))
}

func TestValidateCollectsMultipleViolationsAndDedupes(t *testing.T) {
	cfg := validConfig()
	cfg.Name = "BAD NAME"
	cfg.Server.Port = 1
	bad := Validate(cfg)
	assert.Contains(t, bad, "name")
	assert.Contains(t, bad, "server.port")

	seen := map[string]int{}
	for _, b := range bad {
		seen[b]++
	}
	for field, count := range seen {
		assert.Equal(t, 1, count, "field %s appeared more than once", field)
	}
}

func TestLoadReadsAndValidatesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instance.yaml")
	yamlDoc := `
name: mymodel
model:
  path: models/mymodel.gguf
  context_size: 4096
server:
  port: 8080
  parallel: 2
restart_policy:
  multiplier: 2.0
  initial_delay: 1s
  max_delay: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mymodel", cfg.Name)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadReturnsConfigErrorOnInvalidFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instance.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: 'Bad Name!'\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestFingerprintIsStableAndChangesWithContent(t *testing.T) {
	cfg := validConfig()
	fp1 := Fingerprint(cfg)
	fp2 := Fingerprint(cfg)
	assert.Equal(t, fp1, fp2)

	cfg.Model.ContextSize = 8192
	fp3 := Fingerprint(cfg)
	assert.NotEqual(t, fp1, fp3)
}
