package procprobe

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMissingProcess(t *testing.T) {
	result := Classify(999999, "", time.Time{}, 0)
	assert.Equal(t, Missing, result.Status)
}

func TestClassifyValidProcessMatchingExpected(t *testing.T) {
	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	result := Classify(cmd.Process.Pid, "sleep", time.Now(), time.Minute)
	assert.Equal(t, Valid, result.Status)
	assert.Contains(t, result.Cmdline, "sleep")
}

func TestClassifyPIDMismatchWhenCmdlineDiffers(t *testing.T) {
	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	result := Classify(cmd.Process.Pid, "llama-server", time.Now(), time.Minute)
	assert.Equal(t, PIDMismatch, result.Status)
}

func TestClassifyStaleWhenLastSeenTooOld(t *testing.T) {
	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	result := Classify(cmd.Process.Pid, "sleep", time.Now().Add(-time.Hour), time.Minute)
	assert.Equal(t, Stale, result.Status)
}

func TestFindOrphansExcludesKnownPIDs(t *testing.T) {
	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	pid := cmd.Process.Pid

	orphans, err := FindOrphans("sleep", map[int]bool{})
	require.NoError(t, err)

	found := false
	for _, o := range orphans {
		if o.PID == pid {
			found = true
		}
	}
	assert.True(t, found)

	orphans, err = FindOrphans("sleep", map[int]bool{pid: true})
	require.NoError(t, err)
	for _, o := range orphans {
		assert.NotEqual(t, pid, o.PID)
	}
}

func TestPidExistsForCurrentProcess(t *testing.T) {
	assert.True(t, pidExists(os.Getpid()))
	assert.False(t, pidExists(999999))
}
