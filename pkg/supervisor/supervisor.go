// Package supervisor composes the Atomic Store, Process/Port Probes,
// Health Prober, Binary Registry, Detached Spawner, and Run-State Store
// into the public start/stop/restart/status/list operations. There is
// no ambient singleton; cmd/hutchd constructs and injects one value.
package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/binaryregistry"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/health"
	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/portprobe"
	"github.com/cuemby/hutch/pkg/procprobe"
	"github.com/cuemby/hutch/pkg/spawner"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
)

// defaultLockTimeout is the per-operation lock acquisition timeout.
const defaultLockTimeout = 30 * time.Second

// Supervisor owns the whole instance-management vertical for one
// project directory.
// There is exactly one Supervisor value per process; main constructs it
// and injects it into the health monitor, reconciler, and CLI/API
// layers.
type Supervisor struct {
	Locks    *store.LockManager
	Runtime  *store.RunStateStore
	Desired  *store.DesiredStateStore
	Registry *binaryregistry.Registry

	Configs map[string]*types.InstanceConfig // name -> loaded config

	PortRangeStart, PortRangeEnd int
}

func New(locks *store.LockManager, runtime *store.RunStateStore, desired *store.DesiredStateStore, registry *binaryregistry.Registry) *Supervisor {
	return &Supervisor{
		Locks: locks, Runtime: runtime, Desired: desired, Registry: registry,
		Configs:        make(map[string]*types.InstanceConfig),
		PortRangeStart: 9000, PortRangeEnd: 9999,
	}
}

func (s *Supervisor) emit(eventType, instance, message string, level types.EventLevel, meta map[string]interface{}) {
	_ = s.Runtime.AppendEvent(&types.EventRecord{
		EventType: eventType, InstanceName: instance, Message: message, Level: level, Metadata: meta,
	})
}

func (s *Supervisor) knownPIDs() map[int]bool {
	out := map[int]bool{}
	records, _ := s.Runtime.List()
	for _, r := range records {
		if r.PID != nil {
			out[*r.PID] = true
		}
	}
	return out
}

func (s *Supervisor) knownPorts() map[int]bool {
	out := map[int]bool{}
	records, _ := s.Runtime.List()
	for _, r := range records {
		if r.Port != nil {
			out[*r.Port] = true
		}
	}
	return out
}

func (s *Supervisor) portLookup(pid, port int) (string, bool) {
	records, _ := s.Runtime.List()
	for _, r := range records {
		if r.PID != nil && *r.PID == pid && r.Port != nil && *r.Port == port {
			return r.Name, true
		}
	}
	return "", false
}

// Start launches the configured instance as a detached child process.
func (s *Supervisor) Start(cfg *types.InstanceConfig) (*types.InstanceRuntimeRecord, error) {
	logger := log.WithInstance(cfg.Name)

	existing, err := s.Runtime.Get(cfg.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == types.InstanceRunning && existing.PID != nil {
		lastSeen := time.Time{}
		if existing.LastSeenAt != nil {
			lastSeen = *existing.LastSeenAt
		}
		probe := procprobe.Classify(*existing.PID, cfg.Name, lastSeen, 0)
		if probe.Status == procprobe.Valid {
			return existing, herrors.New(herrors.KindContention, fmt.Sprintf("instance %q is already running", cfg.Name))
		}
	}

	release, err := s.Locks.MultiAcquire([]string{cfg.Name}, "start", defaultLockTimeout, 500*time.Millisecond, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	s.Configs[cfg.Name] = cfg

	// The events table's foreign key requires a runtime_records row
	// before any event can name this instance, so a first-ever start
	// gets its stopped row now rather than only on spawn.
	if existing == nil {
		existing = &types.InstanceRuntimeRecord{
			Name: cfg.Name, Status: types.InstanceStopped, Health: types.HealthUnknown,
			ConfigFingerprint: config.Fingerprint(cfg),
		}
		if err := s.Runtime.Upsert(existing); err != nil {
			return nil, err
		}
	}

	if ok, reason := portprobe.ValidateForInstance(cfg.Server.Host, cfg.Server.Port, cfg.Name, s.portLookup); !ok {
		s.emit("port_collision", cfg.Name, reason, types.LevelError, map[string]interface{}{"port": cfg.Server.Port})
		collision := herrors.NewContentionError(herrors.ContentionPort, reason, 0)
		if alt, found := portprobe.Suggest(cfg.Server.Host, cfg.Server.Port, cfg.Name, s.PortRangeStart, s.PortRangeEnd, s.knownPorts(), s.portLookup); found {
			collision.Error.WithRemediation(fmt.Sprintf("port %d is free", alt))
		}
		return nil, collision
	}

	entry, err := s.Registry.Resolve(cfg.Binary)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, herrors.NewResolutionError("no binary installed matching selector and no registry default")
	}
	if len(entry.Executables) == 0 {
		return nil, herrors.NewResolutionError(fmt.Sprintf("binary %q has no discovered executables", entry.ID))
	}
	binaryPath := filepath.Join(s.Registry.Dir(), entry.Path, entry.Executables[0])

	gpuFlags := gpuDeviceFlags(cfg.GPU)
	command := spawner.ComposeCommand(binaryPath, cfg.Model.Path, cfg.Server.Host, cfg.Server.Port,
		cfg.Model.ContextSize, cfg.Model.BatchSize, cfg.Model.Threads, cfg.Server.Parallel, gpuFlags, cfg.Args)

	env := map[string]string{}
	for k, v := range cfg.Env {
		env[k] = v
	}
	if k, v := acceleratorEnv(cfg.GPU); k != "" {
		env[k] = v
	}

	s.Runtime.Upsert(&types.InstanceRuntimeRecord{
		Name: cfg.Name, Status: types.InstanceStarting, Health: types.HealthUnknown,
		ConfigFingerprint: config.Fingerprint(cfg),
	})

	result, startErr := spawner.StartDetached(spawner.StartOptions{
		Name: cfg.Name, Command: command, Env: env,
		StdoutPath: cfg.Logs.Stdout, StderrPath: cfg.Logs.Stderr,
		MaxSizeMB: cfg.Logs.MaxSizeMB, Rotation: cfg.Logs.Rotation,
	})

	if startErr != nil {
		msg := startErr.Error()
		rec := &types.InstanceRuntimeRecord{
			Name: cfg.Name, Status: types.InstanceError, Health: types.HealthError,
			LastError: msg, ConfigFingerprint: config.Fingerprint(cfg),
		}
		if result != nil {
			pid := result.PID
			rec.PID = &pid
			rec.CommandLine = result.CommandLine
		}
		s.Runtime.Upsert(rec)
		s.emit("start_failed", cfg.Name, msg, types.LevelError, nil)
		return rec, startErr
	}

	now := time.Now().UTC()
	port := cfg.Server.Port
	rec := &types.InstanceRuntimeRecord{
		Name: cfg.Name, PID: &result.PID, Port: &port,
		CommandLine: result.CommandLine, Status: types.InstanceRunning, Health: types.HealthLoading,
		StartedAt: &now, LastSeenAt: &now, ConfigFingerprint: config.Fingerprint(cfg),
		BinaryVersion: entry.Version,
	}
	if err := s.Runtime.Upsert(rec); err != nil {
		return nil, err
	}
	_ = s.Desired.Set(cfg.Name, types.DesiredRunning)
	s.emit("started", cfg.Name, fmt.Sprintf("instance started, pid=%d", result.PID), types.LevelInfo, nil)
	logger.Info().Int("pid", result.PID).Msg("instance started")
	return rec, nil
}

// Stop terminates a running instance, gracefully unless force is set.
func (s *Supervisor) Stop(name string, force bool, timeout time.Duration) (*types.InstanceRuntimeRecord, error) {
	release, err := s.Locks.MultiAcquire([]string{name}, "stop", defaultLockTimeout, 500*time.Millisecond, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.Runtime.Get(name)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status == types.InstanceStopped {
		_ = s.Desired.Set(name, types.DesiredStopped)
		return rec, nil
	}

	rec.Status = types.InstanceStopping
	s.Runtime.Upsert(rec)

	if rec.PID != nil {
		stdoutPath := ""
		if cfg, ok := s.Configs[name]; ok {
			stdoutPath = cfg.Logs.Stdout
		}
		if err := spawner.Stop(spawner.StopOptions{
			PID: *rec.PID, Name: name, Force: force, GracefulTimeout: timeout, StdoutPath: stdoutPath,
		}); err != nil {
			return nil, err
		}
	}

	rec.Status = types.InstanceStopped
	rec.Health = types.HealthUnknown
	rec.PID = nil
	s.Runtime.Upsert(rec)
	_ = s.Desired.Set(name, types.DesiredStopped)
	s.emit("stopped", name, "instance stopped", types.LevelInfo, nil)
	return rec, nil
}

// Restart is stop-then-start with a short interval, incrementing the
// restart count.
func (s *Supervisor) Restart(name string, force bool) (*types.InstanceRuntimeRecord, error) {
	cfg, ok := s.Configs[name]
	if !ok {
		return nil, herrors.Wrap(herrors.KindConfiguration, "no loaded configuration for instance", fmt.Errorf("%q", name))
	}
	if _, err := s.Stop(name, force, 10*time.Second); err != nil {
		return nil, err
	}
	time.Sleep(500 * time.Millisecond)
	rec, err := s.Start(cfg)
	if err != nil {
		return rec, err
	}
	rec.RestartCount++
	s.Runtime.Upsert(rec)
	return rec, nil
}

// Status returns the runtime record after correcting stale state with a
// cheap process probe.
func (s *Supervisor) Status(name string) (*types.InstanceRuntimeRecord, error) {
	rec, err := s.Runtime.Get(name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &types.InstanceRuntimeRecord{Name: name, Status: types.InstanceStopped, Health: types.HealthUnknown}, nil
	}
	s.correct(rec)
	return rec, nil
}

// List returns a corrected record for every configured instance,
// synthesizing "stopped" for those without a runtime record yet.
func (s *Supervisor) List() ([]*types.InstanceRuntimeRecord, error) {
	records, err := s.Runtime.List()
	if err != nil {
		return nil, err
	}
	byName := map[string]*types.InstanceRuntimeRecord{}
	for _, r := range records {
		s.correct(r)
		byName[r.Name] = r
	}
	var out []*types.InstanceRuntimeRecord
	for name := range s.Configs {
		if r, ok := byName[name]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, &types.InstanceRuntimeRecord{Name: name, Status: types.InstanceStopped, Health: types.HealthUnknown})
	}
	return out, nil
}

// correct re-probes the recorded pid and folds a missing/mismatched/
// zombie classification into the record in-place, mirroring what the
// Reconciler does on its own schedule but on demand for status/list.
func (s *Supervisor) correct(rec *types.InstanceRuntimeRecord) {
	if rec.Status == types.InstanceStopped || rec.PID == nil {
		return
	}
	lastSeen := time.Time{}
	if rec.LastSeenAt != nil {
		lastSeen = *rec.LastSeenAt
	}
	result := procprobe.Classify(*rec.PID, rec.Name, lastSeen, 0)
	switch result.Status {
	case procprobe.Valid:
		now := time.Now().UTC()
		rec.LastSeenAt = &now
	case procprobe.Missing:
		rec.Status = types.InstanceStopped
		rec.Health = types.HealthUnknown
		rec.PID = nil
		rec.LastError = "process died unexpectedly"
	case procprobe.PIDMismatch:
		rec.Status = types.InstanceError
		rec.LastError = "pid reused by unrelated process"
	case procprobe.Zombie:
		rec.Status = types.InstanceError
		rec.LastError = "process is a zombie"
	}
	s.Runtime.Upsert(rec)
}

// RecordHealthResult folds a probe result into the instance's runtime
// record and appends a health_check event. The health monitor calls this
// after every check.
func (s *Supervisor) RecordHealthResult(name string, result types.HealthCheckResult) {
	rec, err := s.Runtime.Get(name)
	if err != nil || rec == nil {
		return
	}
	now := time.Now().UTC()
	rec.LastHealthCheckAt = &now
	if result.Outcome != "" {
		rec.Health = result.Outcome
	}
	_ = s.Runtime.Upsert(rec)

	level := types.LevelDebug
	if !result.Success {
		level = types.LevelWarning
	}
	meta := map[string]interface{}{"elapsed_ms": result.ElapsedMS}
	if result.StatusCode != 0 {
		meta["status_code"] = result.StatusCode
	}
	s.emit("health_check", name, result.Message, level, meta)
}

// Forget deletes a runtime record entirely.
func (s *Supervisor) Forget(name string) error {
	if err := s.Runtime.Delete(name); err != nil {
		return err
	}
	return s.Desired.Delete(name)
}

func gpuDeviceFlags(gpu types.GPUConfig) []string {
	switch gpu.Backend {
	case types.GPUBackendCPU:
		return nil
	default:
		return []string{"--gpu-layers", fmt.Sprintf("%d", gpu.Layers), "--device-id", fmt.Sprintf("%d", gpu.DeviceID)}
	}
}

// acceleratorEnv derives the per-backend device selector env var, e.g.
// CUDA_DEVICE=1. CPU backends need none.
func acceleratorEnv(gpu types.GPUConfig) (key, value string) {
	if gpu.Backend == types.GPUBackendCPU {
		return "", ""
	}
	return fmt.Sprintf("%s_DEVICE", strings.ToUpper(string(gpu.Backend))), fmt.Sprintf("%d", gpu.DeviceID)
}

// HealthPolicyFor translates an instance's configured restart policy and
// health check into the pkg/health Policy shape the Monitor consumes.
func HealthPolicyFor(cfg *types.InstanceConfig) health.Policy {
	return health.Policy{
		RestartEnabled: cfg.RestartPolicy.Enabled,
		MaxRetries:     cfg.RestartPolicy.MaxRetries,
		Retries:        cfg.HealthCheck.Retries,
		StartPeriod:    cfg.HealthCheck.StartPeriod,
		InitialDelay:   cfg.RestartPolicy.InitialDelay,
		MaxDelay:       cfg.RestartPolicy.MaxDelay,
		Multiplier:     cfg.RestartPolicy.Multiplier,
		JitterFraction: cfg.HealthCheck.JitterFraction,
		CheckInterval:  cfg.HealthCheck.Interval,
	}
}

// ProberFor builds the pluggable Prober for an instance's configured
// probe type.
func ProberFor(cfg *types.InstanceConfig) health.Prober {
	hc := cfg.HealthCheck
	var base health.Prober
	switch hc.Type {
	case types.ProbeTCP:
		base = health.NewTCPProbe(cfg.Server.Host, cfg.Server.Port, hc.Timeout)
	case types.ProbeScript:
		base = health.NewScriptProbe(cfg.Server.Host, cfg.Server.Port, hc.Script, hc.Timeout)
	default:
		base = health.NewHTTPProbe(cfg.Server.Host, cfg.Server.Port, hc.Path, hc.AcceptedStatus, hc.BodyContains, hc.Timeout)
	}
	return health.WithRetry(base, health.Config{
		Timeout: hc.Timeout, Retries: hc.Retries, RetryDelay: hc.RetryDelay, StartPeriod: hc.StartPeriod,
	})
}
