// Package containerrunner adapts a containerd client into the task
// runner's container engine: ensure-image, run-with-streaming-logs,
// stop, remove. Containers here are ephemeral and per-run, with the
// security envelope as the central input rather than a fixed resource
// spec.
package containerrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/types"
)

// DefaultNamespace is the containerd namespace Hutch runs task containers
// in, kept distinct from any other containerd consumer on the host.
const DefaultNamespace = "hutch"

// DefaultSocketPath is the default containerd socket, overridable via the
// HUTCH_CONTAINERD_SOCKET environment variable.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Envelope is the concrete mount/capability/resource parameterization a
// SecurityMode maps to, and the only place security parameters are
// computed.
type Envelope struct {
	WorkspaceReadOnly bool
	NetworkNone       bool
	DropAllCaps       bool
	ReadOnlyRootFS    bool
	MemoryLimitBytes  int64
	CPUQuota          int64 // microseconds per 100ms period
	PIDsLimit         int64
}

// EnvelopeFor is the single mapping point from a SecurityMode to
// a concrete container envelope. A "dangerous" mode (full_access)
// requires explicit caller confirmation; otherwise the sandboxer refuses.
func EnvelopeFor(mode types.SecurityMode, confirmed bool) (Envelope, error) {
	switch mode {
	case types.SecurityReadonly:
		return Envelope{
			WorkspaceReadOnly: true, NetworkNone: true, DropAllCaps: true,
			ReadOnlyRootFS: true, MemoryLimitBytes: 2 << 30, CPUQuota: 100000, PIDsLimit: 256,
		}, nil
	case types.SecurityWorkspaceWrite:
		return Envelope{
			WorkspaceReadOnly: false, NetworkNone: true, DropAllCaps: true,
			ReadOnlyRootFS: false, MemoryLimitBytes: 4 << 30, CPUQuota: 200000, PIDsLimit: 512,
		}, nil
	case types.SecurityFullAccess:
		if !confirmed {
			return Envelope{}, herrors.NewSecurityError("full_access security mode requires explicit caller confirmation")
		}
		return Envelope{
			WorkspaceReadOnly: false, NetworkNone: false, DropAllCaps: false,
			ReadOnlyRootFS: false, MemoryLimitBytes: 8 << 30, CPUQuota: 400000, PIDsLimit: 0,
		}, nil
	default:
		return Envelope{}, herrors.New(herrors.KindSecurity, fmt.Sprintf("unknown security mode %q", mode))
	}
}

// RunSpec is the full input to Run.
type RunSpec struct {
	Image             string
	Command           []string
	Env               map[string]string
	WorkspaceHostPath string
	WorkingDir        string
	Name              string
	Envelope          Envelope
	Timeout           time.Duration
}

// Runner wraps a containerd client.
type Runner struct {
	client    *containerd.Client
	namespace string
}

func New(socketPath string) (*Runner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindContainer, "failed to connect to containerd", err)
	}
	return &Runner{client: client, namespace: DefaultNamespace}, nil
}

func (r *Runner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Runner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// EnsureImage probes for image-ref locally, pulling on miss.
func (r *Runner) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.GetImage(ctx, imageRef); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return herrors.Wrap(herrors.KindContainer, fmt.Sprintf("image %q not found and pull failed", imageRef), err)
	}
	return nil
}

func specOpts(spec RunSpec, image containerd.Image) ([]oci.SpecOpts, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs(spec.Command...),
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}

	sec := spec.Envelope
	if sec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(sec.MemoryLimitBytes)))
	}
	if sec.CPUQuota > 0 {
		opts = append(opts, oci.WithCPUCFS(sec.CPUQuota, 100000))
	}
	if sec.PIDsLimit > 0 {
		opts = append(opts, oci.WithPIDsLimit(sec.PIDsLimit))
	}
	if sec.ReadOnlyRootFS {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	if sec.DropAllCaps {
		opts = append(opts, oci.WithCapabilities(nil))
	}
	if sec.NetworkNone {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}))
	}

	if spec.WorkspaceHostPath != "" {
		mountOpts := []string{"rbind"}
		if sec.WorkspaceReadOnly {
			mountOpts = append(mountOpts, "ro")
		} else {
			mountOpts = append(mountOpts, "rw")
		}
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source: spec.WorkspaceHostPath, Destination: "/workspace", Type: "bind", Options: mountOpts,
		}}))
	}

	return opts, nil
}

// LogLine is one chunk yielded by Run's streaming channel.
type LogLine struct {
	Text string
	Err  error
}

// RunResult is returned once the container has exited and been removed.
type RunResult struct {
	ExitCode int
	TimedOut bool
}

// Run creates a detached container, streams combined stdout/stderr
// chunk-wise as UTF-8 (replacement on decode errors), enforces a
// wall-clock timeout, and always removes the container afterward.
// Logs is a channel the caller drains until closed.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (<-chan LogLine, <-chan RunResult, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return nil, nil, herrors.Wrap(herrors.KindContainer, fmt.Sprintf("image %q not loaded; call EnsureImage first", spec.Image), err)
	}

	opts, err := specOpts(spec, image)
	if err != nil {
		return nil, nil, err
	}

	container, err := r.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, nil, herrors.Wrap(herrors.KindContainer, "failed to create container", err)
	}

	pr, pw := io.Pipe()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, pw, pw)))
	if err != nil {
		container.Delete(ctx)
		return nil, nil, herrors.Wrap(herrors.KindContainer, "failed to create task", err)
	}

	exitStatusC, err := task.Wait(ctx)
	if err != nil {
		container.Delete(ctx)
		return nil, nil, herrors.Wrap(herrors.KindContainer, "failed to set up task wait", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx)
		return nil, nil, herrors.Wrap(herrors.KindContainer, "failed to start task", err)
	}

	logs := make(chan LogLine, 64)
	results := make(chan RunResult, 1)

	go r.pump(ctx, spec, container, task, pr, pw, exitStatusC, logs, results)

	return logs, results, nil
}

func (r *Runner) pump(ctx context.Context, spec RunSpec, container containerd.Container, task containerd.Task,
	pr *io.PipeReader, pw *io.PipeWriter, exitStatusC <-chan containerd.ExitStatus, logs chan<- LogLine, results chan<- RunResult) {

	defer close(logs)
	defer close(results)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		task.Delete(stopCtx, containerd.WithProcessKill)
		container.Delete(stopCtx, containerd.WithSnapshotCleanup)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			logs <- LogLine{Text: scanner.Text()}
		}
	}()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case status := <-exitStatusC:
		pw.Close()
		wg.Wait()
		logs <- LogLine{Text: fmt.Sprintf("[Container exited with code %d]", status.ExitCode())}
		results <- RunResult{ExitCode: int(status.ExitCode())}

	case <-timeoutC:
		logs <- LogLine{Text: "[Container run timed out]"}
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = task.Kill(stopCtx, syscall.SIGTERM)
		select {
		case <-exitStatusC:
		case <-time.After(5 * time.Second):
			_ = task.Kill(stopCtx, syscall.SIGKILL)
		}
		cancel()
		pw.Close()
		wg.Wait()
		results <- RunResult{TimedOut: true}

	case <-ctx.Done():
		pw.Close()
		wg.Wait()
		logs <- LogLine{Text: fmt.Sprintf("[Container run cancelled: %v]", ctx.Err())}
		results <- RunResult{ExitCode: -1}
	}
}

// Stop gracefully stops a running container by name, force-killing on
// failure.
func (r *Runner) Stop(ctx context.Context, name string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		_ = task.Kill(ctx, syscall.SIGKILL)
		return nil
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return nil
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}
	return nil
}
