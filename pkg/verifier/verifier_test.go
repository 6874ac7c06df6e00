package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestRunAllStepsPass(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps: []StepConfig{
			{Kind: StepLint, Command: []string{"true"}},
			{Kind: StepTest, Command: []string{"true"}},
		},
	}
	result := Run(context.Background(), dir, cfg)
	assert.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "passed", result.Steps[0].Status)
}

func TestRunStepFailureMarksOverallFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps: []StepConfig{
			{Kind: StepBuild, Command: []string{"false"}},
		},
	}
	result := Run(context.Background(), dir, cfg)
	assert.False(t, result.Success)
	assert.Equal(t, "failed", result.Steps[0].Status)
}

func TestRunSkippedStep(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps: []StepConfig{
			{Kind: StepLint, Skip: true},
		},
	}
	result := Run(context.Background(), dir, cfg)
	assert.True(t, result.Success)
	assert.Equal(t, "skipped", result.Steps[0].Status)
}

func TestRunAutoDetectsGoBuildFromGoMod(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n\ngo 1.21\n"), 0o644))

	cmd := detect(StepBuild, dir)
	assert.Equal(t, []string{"go", "build", "./..."}, cmd)
}

func TestRunNoMarkerSkipsAutoDetectedStep(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Steps: []StepConfig{{Kind: StepBuild}}}
	result := Run(context.Background(), dir, cfg)
	assert.Equal(t, "skipped", result.Steps[0].Status)
	assert.True(t, result.Success)
}

func TestRunStepTimesOut(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps: []StepConfig{
			{Kind: StepTest, Command: []string{"sleep", "2"}, Timeout: 10 * time.Millisecond},
		},
	}
	result := Run(context.Background(), dir, cfg)
	assert.False(t, result.Success)
	assert.Equal(t, "error", result.Steps[0].Status)
}

func TestRunWithAutoFixStopsOnFirstSuccess(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps:         []StepConfig{{Kind: StepTest, Command: []string{"false"}}},
		MaxIterations: 3,
	}
	attempts := 0
	fix := func(ctx context.Context, desc string) error {
		attempts++
		return nil
	}
	result := RunWithAutoFix(context.Background(), dir, cfg, fix)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.FixAttempts)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"test"}, result.RemainingErrors)
}

func TestRunWithAutoFixSkippedWhenAlreadySuccessful(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Steps:         []StepConfig{{Kind: StepTest, Command: []string{"true"}}},
		MaxIterations: 3,
	}
	called := false
	fix := func(ctx context.Context, desc string) error {
		called = true
		return nil
	}
	result := RunWithAutoFix(context.Background(), dir, cfg, fix)
	assert.True(t, result.Success)
	assert.False(t, called)
	assert.Equal(t, 0, result.FixAttempts)
}

func TestDescribeFailuresOnlyIncludesFailedSteps(t *testing.T) {
	result := &types.VerifyResult{
		Steps: []types.VerifyStepResult{
			{Name: "lint", Status: "passed", Output: "ok"},
			{Name: "test", Status: "failed", Output: "assertion failed"},
		},
	}
	desc := describeFailures(result)
	assert.Contains(t, desc, "test: assertion failed")
	assert.NotContains(t, desc, "lint")
}
