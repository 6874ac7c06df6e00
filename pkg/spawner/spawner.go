// Package spawner implements the Detached Spawner: launching
// an inference-server child process whose log files and lifetime
// survive the parent, with rotation and the critical anti-deadlock
// invariant that the parent closes its own handles to those log files
// immediately after spawn. Built on os/exec plus a Unix SysProcAttr
// for new-process-group detachment.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
)

// pollAfterSpawn is how long to wait before checking whether the child
// exited immediately.
const pollAfterSpawn = 300 * time.Millisecond

// StartResult is what a successful (or failed) spawn reports back to the
// Supervisor.
type StartResult struct {
	PID         int
	CommandLine string
	StdoutPath  string
	StderrPath  string
	ExitedEarly bool
	ExitCode    int
}

// StartOptions parameterizes one detached spawn.
type StartOptions struct {
	Name       string // instance name, substituted into log path templates
	Command    []string
	Env        map[string]string
	WorkingDir string
	StdoutPath string // template containing "{name}"
	StderrPath string // template containing "{name}"
	MaxSizeMB  int
	Rotation   int // keep newest N rotated logs
}

// renderLogPath substitutes "{name}" into a path template.
func renderLogPath(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}

// rotate renames path to a timestamped filename if rotation is enabled,
// keeping only the newest `keep` rotated files.
func rotate(path string, keep int) error {
	if keep <= 0 {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	rotated := filepath.Join(dir, fmt.Sprintf("%s.%d", base, time.Now().UnixNano()))
	if err := os.Rename(path, rotated); err != nil {
		return fmt.Errorf("rotate log %s: %w", path, err)
	}

	pattern := filepath.Join(dir, base+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for i := keep; i < len(matches); i++ {
		_ = os.Remove(matches[i])
	}
	return nil
}

// StartDetached spawns the child with inherited log-file handles that
// survive the parent's own exit. The parent closes its handles to the
// log files before returning, regardless of outcome.
func StartDetached(opts StartOptions) (*StartResult, error) {
	logger := log.WithInstance(opts.Name)

	stdoutPath := renderLogPath(opts.StdoutPath, opts.Name)
	stderrPath := renderLogPath(opts.StderrPath, opts.Name)

	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return nil, herrors.Wrap(herrors.KindSpawn, "cannot create log directory", err)
	}
	if err := rotate(stdoutPath, opts.Rotation); err != nil {
		logger.Warn().Err(err).Msg("stdout log rotation failed")
	}
	if stderrPath != stdoutPath {
		if err := rotate(stderrPath, opts.Rotation); err != nil {
			logger.Warn().Err(err).Msg("stderr log rotation failed")
		}
	}

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindSpawn, "cannot open stdout log", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdoutFile.Close()
		return nil, herrors.Wrap(herrors.KindSpawn, "cannot open stderr log", err)
	}
	// Step 5 (critical anti-deadlock invariant): whatever happens below,
	// the parent must end up holding zero handles to these files. The
	// child, once spawned, has its own inherited copies.
	defer stdoutFile.Close()
	defer stderrFile.Close()

	commandLine := strings.Join(opts.Command, " ")
	marker := fmt.Sprintf("[%s] starting: %s (parent pid %d)\n", time.Now().UTC().Format(time.RFC3339), commandLine, os.Getpid())
	if _, err := stdoutFile.WriteString(marker); err != nil {
		return nil, herrors.Wrap(herrors.KindSpawn, "cannot write startup marker", err)
	}

	if len(opts.Command) == 0 {
		return nil, herrors.New(herrors.KindSpawn, "empty command")
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session + process group, detaches from parent's controlling terminal
	}

	if err := cmd.Start(); err != nil {
		return nil, herrors.Wrap(herrors.KindSpawn, "failed to start process", err)
	}

	// Release the child so its death doesn't leave a zombie under this
	// process's wait queue once we stop tracking it here.
	go func() { _ = cmd.Wait() }()

	time.Sleep(pollAfterSpawn)

	if exited, code := processExited(cmd); exited {
		return &StartResult{
			PID: cmd.Process.Pid, CommandLine: commandLine,
			StdoutPath: stdoutPath, StderrPath: stderrPath,
			ExitedEarly: true, ExitCode: code,
		}, herrors.NewSpawnError("process exited immediately after start", code)
	}

	return &StartResult{
		PID: cmd.Process.Pid, CommandLine: commandLine,
		StdoutPath: stdoutPath, StderrPath: stderrPath,
	}, nil
}

// processExited reports whether the process identified by pid has
// already exited, without reaping it from under the goroutine above
// (signal 0 is a pure existence probe).
func processExited(cmd *exec.Cmd) (bool, int) {
	if cmd.Process == nil {
		return true, 1
	}
	err := cmd.Process.Signal(syscall.Signal(0))
	if err == nil {
		return false, 0
	}
	if ps := cmd.ProcessState; ps != nil {
		return true, ps.ExitCode()
	}
	return true, 1
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := append([]string(nil), base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

// StopOptions parameterizes a stop request.
type StopOptions struct {
	PID             int
	Name            string
	Force           bool
	GracefulTimeout time.Duration
	StdoutPath      string
}

// Stop looks up the process group, sends SIGTERM (unless Force), waits
// up to GracefulTimeout, then SIGKILLs.
// Descendants are signalled via the negative pid (process group) since
// StartDetached always creates a new session/group for the child.
func Stop(opts StopOptions) error {
	if opts.PID <= 0 {
		return nil
	}

	sig := syscall.SIGTERM
	if opts.Force {
		sig = syscall.SIGKILL
	}

	if err := signalGroup(opts.PID, sig); err != nil && err != syscall.ESRCH {
		return herrors.Wrap(herrors.KindSpawn, "failed to signal process group", err)
	}

	if !opts.Force {
		deadline := time.Now().Add(opts.GracefulTimeout)
		for time.Now().Before(deadline) {
			if !pidAlive(opts.PID) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(opts.PID) {
			_ = signalGroup(opts.PID, syscall.SIGKILL)
		}
	}

	if opts.StdoutPath != "" {
		if f, err := os.OpenFile(opts.StdoutPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644); err == nil {
			fmt.Fprintf(f, "[%s] stopped (force=%v)\n", time.Now().UTC().Format(time.RFC3339), opts.Force)
			f.Close()
		}
	}

	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ComposeCommand builds the inference-server command line from an
// instance configuration's pieces: positional model path plus
// flags.
func ComposeCommand(binaryPath string, modelPath string, host string, port, ctxSize, batchSize, threads, parallel int, gpuFlags, extraArgs []string) []string {
	cmd := []string{binaryPath, modelPath}
	cmd = append(cmd, "--host", host)
	cmd = append(cmd, "--port", strconv.Itoa(port))
	cmd = append(cmd, "--ctx-size", strconv.Itoa(ctxSize))
	cmd = append(cmd, "--batch-size", strconv.Itoa(batchSize))
	cmd = append(cmd, "--threads", strconv.Itoa(threads))
	cmd = append(cmd, "--parallel", strconv.Itoa(parallel))
	cmd = append(cmd, gpuFlags...)
	cmd = append(cmd, extraArgs...)
	return cmd
}
