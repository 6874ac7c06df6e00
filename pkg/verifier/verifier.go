// Package verifier runs a configurable lint/test/build sequence against
// a workspace and reports structured pass/fail, with an optional
// auto-fix loop. Commands run via os/exec with captured combined
// output; unset commands are auto-detected from project marker files.
package verifier

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// StepKind is one of the three configurable checks.
type StepKind string

const (
	StepLint  StepKind = "lint"
	StepTest  StepKind = "test"
	StepBuild StepKind = "build"
)

// detectRule maps a project marker file to the auto-detected build
// command for that step, when the caller doesn't supply one explicitly.
var buildDetectRules = []struct {
	marker  string
	command []string
}{
	{"package.json", []string{"npm", "run", "build"}},
	{"Cargo.toml", []string{"cargo", "build"}},
	{"pyproject.toml", []string{"python", "-m", "build"}},
	{"go.mod", []string{"go", "build", "./..."}},
}

var testDetectRules = []struct {
	marker  string
	command []string
}{
	{"package.json", []string{"npm", "test"}},
	{"Cargo.toml", []string{"cargo", "test"}},
	{"pyproject.toml", []string{"python", "-m", "pytest"}},
	{"go.mod", []string{"go", "test", "./..."}},
}

var lintDetectRules = []struct {
	marker  string
	command []string
}{
	{"package.json", []string{"npm", "run", "lint"}},
	{"Cargo.toml", []string{"cargo", "clippy"}},
	{"pyproject.toml", []string{"ruff", "check", "."}},
	{"go.mod", []string{"go", "vet", "./..."}},
}

// StepConfig configures one check. An empty Command triggers auto-
// detection; Skip bypasses the step entirely.
type StepConfig struct {
	Kind    StepKind
	Command []string
	Skip    bool
	Timeout time.Duration
}

// Config is the full verification sequence plus auto-fix parameters.
type Config struct {
	Steps         []StepConfig
	MaxIterations int
}

// FixCallback is invoked with a failure description between auto-fix
// rounds; callers typically wire this to another container run.
type FixCallback func(ctx context.Context, failureDescription string) error

func detect(kind StepKind, repoPath string) []string {
	var rules []struct {
		marker  string
		command []string
	}
	switch kind {
	case StepBuild:
		rules = buildDetectRules
	case StepTest:
		rules = testDetectRules
	case StepLint:
		rules = lintDetectRules
	}
	for _, r := range rules {
		if _, err := os.Stat(filepath.Join(repoPath, r.marker)); err == nil {
			return r.command
		}
	}
	return nil
}

func runStep(ctx context.Context, repoPath string, step StepConfig) types.VerifyStepResult {
	result := types.VerifyStepResult{Name: string(step.Kind)}

	if step.Skip {
		result.Status = "skipped"
		return result
	}

	command := step.Command
	if len(command) == 0 {
		command = detect(step.Kind, repoPath)
	}
	if len(command) == 0 {
		result.Status = "skipped"
		return result
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, command[0], command[1:]...)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Output = out.String()

	switch {
	case cctx.Err() == context.DeadlineExceeded:
		result.Status = "error"
		result.Output += "\n[verifier: step timed out]"
	case err == nil:
		result.Status = "passed"
	default:
		if _, ok := err.(*exec.ExitError); ok {
			result.Status = "failed"
		} else {
			result.Status = "error"
			result.Output += "\n[verifier: " + err.Error() + "]"
		}
	}
	return result
}

// Run executes every configured step in order and reports overall
// success iff every non-skipped step passed.
func Run(ctx context.Context, repoPath string, cfg Config) *types.VerifyResult {
	result := &types.VerifyResult{Success: true}
	for _, step := range cfg.Steps {
		stepResult := runStep(ctx, repoPath, step)
		result.Steps = append(result.Steps, stepResult)
		if stepResult.Status == "failed" || stepResult.Status == "error" {
			result.Success = false
		}
	}
	return result
}

// RunWithAutoFix runs the sequence, and on failure repeatedly invokes
// fix between rounds up to cfg.MaxIterations, stopping early on success.
func RunWithAutoFix(ctx context.Context, repoPath string, cfg Config, fix FixCallback) *types.VerifyResult {
	result := Run(ctx, repoPath, cfg)
	if result.Success || fix == nil || cfg.MaxIterations <= 0 {
		return result
	}

	for i := 0; i < cfg.MaxIterations; i++ {
		result.FixAttempts++
		if err := fix(ctx, describeFailures(result)); err != nil {
			break
		}
		result = Run(ctx, repoPath, cfg)
		result.FixAttempts = i + 1
		if result.Success {
			break
		}
	}
	if !result.Success {
		for _, s := range result.Steps {
			if s.Status == "failed" || s.Status == "error" {
				result.RemainingErrors = append(result.RemainingErrors, s.Name)
			}
		}
	}
	return result
}

func describeFailures(result *types.VerifyResult) string {
	var parts []string
	for _, s := range result.Steps {
		if s.Status == "failed" || s.Status == "error" {
			parts = append(parts, s.Name+": "+firstLines(s.Output, 20))
		}
	}
	return strings.Join(parts, "\n\n")
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
