package store

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndReleaseRoundTrips(t *testing.T) {
	m := NewLockManager(t.TempDir())

	require.NoError(t, m.Acquire("instance-a", "start", time.Second, 10*time.Millisecond, time.Minute))
	assert.True(t, m.IsLocked("instance-a", time.Minute))

	require.NoError(t, m.Release("instance-a"))
	assert.False(t, m.IsLocked("instance-a", time.Minute))
}

func TestAcquireTimesOutWhenAlreadyHeld(t *testing.T) {
	m := NewLockManager(t.TempDir())
	require.NoError(t, m.Acquire("instance-a", "start", time.Second, 10*time.Millisecond, time.Minute))

	err := m.Acquire("instance-a", "start", 50*time.Millisecond, 10*time.Millisecond, time.Minute)
	assert.Error(t, err)
}

func TestReleaseByNonOwnerIsRefused(t *testing.T) {
	m := NewLockManager(t.TempDir())
	path := m.lockPath("instance-a")
	require.NoError(t, writeLockInfo(path, "start"))

	info, err := readLockInfo(path)
	require.NoError(t, err)

	content := "pid=" + strconv.Itoa(info.pid+1) + "\ncreated=0\noperation=" + info.operation + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	err = m.Release("instance-a")
	assert.Error(t, err)
}

func TestAcquireReclaimsStaleLockFromDeadOwner(t *testing.T) {
	m := NewLockManager(t.TempDir())
	path := m.lockPath("instance-a")

	// A pid far above any real process, with a fresh timestamp: only the
	// dead-owner rule can make this stale.
	content := "pid=999999999\ncreated=" + strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64) + "\noperation=start\n"
	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	start := time.Now()
	require.NoError(t, m.Acquire("instance-a", "start", 5*time.Second, 10*time.Millisecond, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsLockedFalseWhenNoLockFileExists(t *testing.T) {
	m := NewLockManager(t.TempDir())
	assert.False(t, m.IsLocked("nothing-here", time.Minute))
}

func TestMultiAcquireSortsAndReleasesInReverse(t *testing.T) {
	m := NewLockManager(t.TempDir())
	release, err := m.MultiAcquire([]string{"zeta", "alpha", "mu"}, "reconcile", time.Second, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.True(t, m.IsLocked("zeta", time.Minute))
	assert.True(t, m.IsLocked("alpha", time.Minute))
	assert.True(t, m.IsLocked("mu", time.Minute))

	release()
	assert.False(t, m.IsLocked("zeta", time.Minute))
	assert.False(t, m.IsLocked("alpha", time.Minute))
}

func TestMultiAcquireRollsBackOnPartialFailure(t *testing.T) {
	m := NewLockManager(t.TempDir())
	require.NoError(t, m.Acquire("busy", "other", time.Second, 10*time.Millisecond, time.Minute))

	_, err := m.MultiAcquire([]string{"alpha", "busy"}, "reconcile", 50*time.Millisecond, 10*time.Millisecond, time.Minute)
	assert.Error(t, err)
	assert.False(t, m.IsLocked("alpha", time.Minute))
}
