package rundir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestNewCreatesRequestFile(t *testing.T) {
	root := t.TempDir()
	req := &types.RunRequest{Provider: "codex", Task: "fix the bug", SecurityMode: types.SecurityMode("workspace_write")}

	d, err := New(root, req)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID())
	assert.Equal(t, req.RunID, d.ID())

	got, err := d.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "codex", got.Provider)
	assert.Equal(t, "fix the bug", got.Task)
}

func TestOpenDoesNotCreateDirectory(t *testing.T) {
	root := t.TempDir()
	d := Open(root, "nonexistent-id")
	assert.False(t, d.IsSealed())
	_, err := d.ReadRequest()
	assert.Error(t, err)
}

func TestAppendLogRequiresOpenLog(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	err = d.AppendLog("hello")
	assert.Error(t, err)
}

func TestAppendLogSanitizesAndPersists(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	require.NoError(t, d.OpenLog())
	require.NoError(t, d.AppendLog("using key sk-abcDEF1234567890ghijklmn now"))
	require.NoError(t, d.CloseLog())

	id := d.ID()
	d2 := Open(root, id)
	require.NoError(t, d2.OpenLog())
	require.NoError(t, d2.AppendLog("second line"))
	require.NoError(t, d2.CloseLog())
}

func TestSealAndIsSealed(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	assert.False(t, d.IsSealed())
	require.NoError(t, d.Seal(&types.RunResult{RunID: d.ID(), Status: types.RunDone}))
	assert.True(t, d.IsSealed())

	result, err := d.ReadResult()
	require.NoError(t, err)
	assert.Equal(t, types.RunDone, result.Status)
}

func TestReadResultBeforeSealFails(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	_, err = d.ReadResult()
	assert.Error(t, err)
}

func TestMarkCancelledSetsIsCancelled(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	assert.False(t, d.IsCancelled())
	require.NoError(t, d.MarkCancelled())
	assert.True(t, d.IsCancelled())
}

func TestWriteAndReadResponse(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	_, ok := d.ReadResponse()
	assert.False(t, ok)

	require.NoError(t, d.WriteResponse([]byte(`{"summary":"done"}`)))
	payload, ok := d.ReadResponse()
	require.True(t, ok)
	assert.Contains(t, string(payload), "done")
}

func TestWriteResponseRedactsSecrets(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	require.NoError(t, d.WriteResponse([]byte(`{"summary":"set api_key=sk-abcdefghijklmnopqrstuvwx done"}`)))
	payload, ok := d.ReadResponse()
	require.True(t, ok)
	assert.NotContains(t, string(payload), "sk-abcdefghijklmnopqrstuvwx")
	assert.Contains(t, string(payload), "[REDACTED]")
}

func TestWriteEventsProducesJSONLines(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)

	events := []map[string]interface{}{
		{"type": "message", "text": "hi"},
		{"type": "file.change", "path": "a.go"},
	}
	require.NoError(t, d.WriteEvents(events))
}

func TestWritePatch(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, &types.RunRequest{Provider: "codex"})
	require.NoError(t, err)
	require.NoError(t, d.WritePatch("--- a\n+++ b\n"))
}

func TestContainerNameIsDeterministic(t *testing.T) {
	name := ContainerName("codex", "abc-123")
	assert.Equal(t, "codex-run-abc-123", name)
}

func TestRunRequestSerializesTimeout(t *testing.T) {
	root := t.TempDir()
	req := &types.RunRequest{Provider: "gemini", Timeout: 5 * time.Minute}
	d, err := New(root, req)
	require.NoError(t, err)

	got, err := d.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, got.Timeout)
}
