package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/binaryregistry"
	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
)

// newTestSupervisor wires real, temp-dir-backed stores and a registry
// with one installed entry whose "binary" is a long-lived shell script,
// so Start exercises the real spawn path end to end.
func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()

	locks := store.NewLockManager(filepath.Join(dir, "locks"))
	runtime, err := store.OpenRunStateStore(filepath.Join(dir, "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runtime.Close() })
	desired, err := store.OpenDesiredStateStore(filepath.Join(dir, "desired.db"))
	require.NoError(t, err)
	t.Cleanup(func() { desired.Close() })

	binsDir := filepath.Join(dir, "bins")
	reg := binaryregistry.New(binsDir)
	id := "00000000-0000-0000-0000-000000000001"
	binDir := filepath.Join(binsDir, id)
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 5 &\nwait $!\n"
	scriptPath := filepath.Join(binDir, "llama-server")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))
	seedRegistry(t, binsDir, id)

	sup := New(locks, runtime, desired, reg)
	return sup, dir
}

// seedRegistry writes registry.json directly, bypassing Install (which
// needs a real download), to register the on-disk fake binary above.
func seedRegistry(t *testing.T, binsDir, id string) {
	t.Helper()
	content := `{
  "schema_version": "1.0.0",
  "default_binary_id": "` + id + `",
  "binaries": [
    {
      "id": "` + id + `",
      "version": "b1",
      "variant": "ubuntu-x64",
      "path": "` + id + `",
      "executables": ["llama-server"]
    }
  ]
}`
	require.NoError(t, os.MkdirAll(binsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binsDir, "registry.json"), []byte(content), 0o644))
}

func freeTestPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T, name, logDir string, port int) *types.InstanceConfig {
	t.Helper()
	return &types.InstanceConfig{
		Name: name,
		Model: types.ModelConfig{
			Path:        "/models/fake.gguf",
			ContextSize: 4096,
		},
		Server: types.ServerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			Parallel: 1,
		},
		GPU: types.GPUConfig{Backend: types.GPUBackendCPU},
		Logs: types.LogsConfig{
			Stdout: filepath.Join(logDir, name+".stdout.log"),
			Stderr: filepath.Join(logDir, name+".stderr.log"),
		},
	}
}

func TestStartSpawnsProcessAndRecordsRunning(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	rec, err := sup.Start(cfg)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.InstanceRunning, rec.Status)
	require.NotNil(t, rec.PID)
	assert.Greater(t, *rec.PID, 0)

	_, _ = sup.Stop("mymodel", true, time.Second)
}

func TestStartRefusesSecondStartWhileRunning(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)
	defer sup.Stop("mymodel", true, time.Second)

	_, err = sup.Start(cfg)
	assert.Error(t, err)
}

func TestStartPortCollisionAppendsEventForCollidingInstance(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	port := freeTestPort(t)

	cfgA := testConfig(t, "modela", dir, port)
	_, err := sup.Start(cfgA)
	require.NoError(t, err)
	defer sup.Stop("modela", true, time.Second)

	// The fake binary never binds its port, so occupy it from the test
	// process to force the collision.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer l.Close()

	cfgB := testConfig(t, "modelb", dir, port)
	_, err = sup.Start(cfgB)
	require.Error(t, err)

	var collision *herrors.ContentionError
	require.True(t, herrors.As(err, &collision))
	assert.Equal(t, herrors.ContentionPort, collision.Resource)

	events, err := sup.Runtime.RecentEvents("modelb", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "port_collision", events[0].EventType)

	recA, err := sup.Runtime.Get("modela")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, recA.Status)
}

func TestStopTransitionsToStoppedAndClearsPID(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)

	rec, err := sup.Stop("mymodel", true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, rec.Status)
	assert.Nil(t, rec.PID)
}

func TestStopOnNeverStartedInstanceIsNoop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	rec, err := sup.Stop("never-started", true, time.Second)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRestartIncrementsRestartCount(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)
	defer sup.Stop("mymodel", true, time.Second)

	rec, err := sup.Restart("mymodel", true)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RestartCount)
	assert.Equal(t, types.InstanceRunning, rec.Status)
}

func TestRestartWithoutLoadedConfigErrors(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Restart("unknown", true)
	assert.Error(t, err)
}

func TestStatusOnUnknownInstanceSynthesizesStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	rec, err := sup.Status("ghost")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, rec.Status)
	assert.Equal(t, types.HealthUnknown, rec.Health)
}

func TestStatusCorrectsDeadProcessToStopped(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	rec, err := sup.Start(cfg)
	require.NoError(t, err)

	proc, err := os.FindProcess(*rec.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	require.Eventually(t, func() bool {
		return proc.Signal(syscall.Signal(0)) != nil
	}, time.Second, 10*time.Millisecond)

	corrected, err := sup.Status("mymodel")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopped, corrected.Status)
	assert.Nil(t, corrected.PID)
}

func TestListIncludesConfiguredButNeverStartedInstances(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))
	sup.Configs["other-instance"] = testConfig(t, "other-instance", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)
	defer sup.Stop("mymodel", true, time.Second)

	list, err := sup.List()
	require.NoError(t, err)

	byName := map[string]*types.InstanceRuntimeRecord{}
	for _, r := range list {
		byName[r.Name] = r
	}
	require.Contains(t, byName, "mymodel")
	require.Contains(t, byName, "other-instance")
	assert.Equal(t, types.InstanceRunning, byName["mymodel"].Status)
	assert.Equal(t, types.InstanceStopped, byName["other-instance"].Status)
}

func TestForgetRemovesRuntimeAndDesiredRecords(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)
	_, err = sup.Stop("mymodel", true, time.Second)
	require.NoError(t, err)

	require.NoError(t, sup.Forget("mymodel"))

	rec, err := sup.Runtime.Get("mymodel")
	require.NoError(t, err)
	assert.Nil(t, rec)

	state, err := sup.Desired.Get("mymodel")
	require.NoError(t, err)
	assert.Equal(t, types.DesiredStopped, state)
}

func TestRecordHealthResultUpdatesRecordAndAppendsEvent(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	cfg := testConfig(t, "mymodel", dir, freeTestPort(t))

	_, err := sup.Start(cfg)
	require.NoError(t, err)
	defer sup.Stop("mymodel", true, time.Second)

	sup.RecordHealthResult("mymodel", types.HealthCheckResult{
		Success: false, Outcome: types.HealthUnhealthy, ElapsedMS: 12, Message: "connection refused",
	})

	rec, err := sup.Runtime.Get("mymodel")
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, rec.Health)
	require.NotNil(t, rec.LastHealthCheckAt)

	events, err := sup.Runtime.RecentEvents("mymodel", types.LevelWarning, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "health_check", events[0].EventType)
}

func TestRecordHealthResultIgnoresUnknownInstance(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	assert.NotPanics(t, func() {
		sup.RecordHealthResult("ghost", types.HealthCheckResult{Success: true, Outcome: types.HealthHealthy})
	})
}

func TestHealthPolicyForTranslatesRestartAndHealthCheckFields(t *testing.T) {
	cfg := &types.InstanceConfig{
		RestartPolicy: types.RestartPolicy{
			Enabled: true, MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2,
		},
		HealthCheck: types.HealthCheckConfig{
			Retries: 3, StartPeriod: 10 * time.Second, JitterFraction: 0.1, Interval: 5 * time.Second,
		},
	}
	policy := HealthPolicyFor(cfg)
	assert.True(t, policy.RestartEnabled)
	assert.Equal(t, 5, policy.MaxRetries)
	assert.Equal(t, 3, policy.Retries)
	assert.Equal(t, 5*time.Second, policy.CheckInterval)
}

func TestProberForDefaultsToHTTPProbe(t *testing.T) {
	cfg := &types.InstanceConfig{
		Server:      types.ServerConfig{Host: "127.0.0.1", Port: 8080},
		HealthCheck: types.HealthCheckConfig{Timeout: time.Second},
	}
	prober := ProberFor(cfg)
	assert.NotNil(t, prober)
}

func TestGPUDeviceFlagsEmptyForCPUBackend(t *testing.T) {
	assert.Nil(t, gpuDeviceFlags(types.GPUConfig{Backend: types.GPUBackendCPU}))
}

func TestGPUDeviceFlagsSetForAcceleratedBackend(t *testing.T) {
	flags := gpuDeviceFlags(types.GPUConfig{Backend: types.GPUBackendCUDA, Layers: 32, DeviceID: 1})
	assert.Contains(t, flags, "--gpu-layers")
	assert.Contains(t, flags, "32")
}

func TestAcceleratorEnvNamesBackendDevice(t *testing.T) {
	k, v := acceleratorEnv(types.GPUConfig{Backend: types.GPUBackendCUDA, DeviceID: 2})
	assert.Equal(t, "CUDA_DEVICE", k)
	assert.Equal(t, "2", v)
}

func TestAcceleratorEnvEmptyForCPU(t *testing.T) {
	k, _ := acceleratorEnv(types.GPUConfig{Backend: types.GPUBackendCPU})
	assert.Empty(t, k)
}
