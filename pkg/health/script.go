package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// ScriptProbe executes a shell command with `{host}`/`{port}` placeholder
// substitution; exit code 0 means healthy. Instances always run on the
// host, so there is no container-exec variant.
type ScriptProbe struct {
	Host    string
	Port    int
	Command string
	Timeout time.Duration
}

func NewScriptProbe(host string, port int, command string, timeout time.Duration) *ScriptProbe {
	return &ScriptProbe{Host: host, Port: port, Command: command, Timeout: timeout}
}

func (s *ScriptProbe) Check(ctx context.Context) types.HealthCheckResult {
	start := time.Now()

	if strings.TrimSpace(s.Command) == "" {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthError,
			ElapsedMS: elapsedMS(start), Message: "no script command configured",
		}
	}

	script := strings.NewReplacer(
		"{host}", s.Host,
		"{port}", strconv.Itoa(s.Port),
	).Replace(s.Command)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		msg := fmt.Sprintf("script exited non-zero: %v", err)
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s (stderr: %s)", msg, strings.TrimSpace(stderr.String()))
		}
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthUnhealthy,
			ElapsedMS: elapsedMS(start), Message: msg,
		}
	}

	msg := "script exited 0"
	if stdout.Len() > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stdout.String()))
	}
	return types.HealthCheckResult{
		Success: true, Outcome: types.HealthHealthy,
		ElapsedMS: elapsedMS(start), Message: msg,
	}
}
