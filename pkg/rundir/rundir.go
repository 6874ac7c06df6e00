// Package rundir implements the per-run filesystem workspace under
// `runs/<uuid>/`: created with request.json, accumulating
// log.txt/events.jsonl during streaming, sealed immutable once
// run_result.json is written. Structured files go through
// store.AtomicWrite; the streaming log is plain append.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/sanitize"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	RequestFile    = "request.json"
	LogFile        = "log.txt"
	EventsFile     = "events.jsonl"
	ResponseFile   = "response.json"
	PatchFile      = "changes.patch"
	ResultFile     = "run_result.json"
	StatusFile     = "status.json"
)

// StatusMarker is the out-of-band status.json contents, written
// externally to signal cancellation (or, in principle, completion).
type StatusMarker struct {
	State string `json:"state"` // "cancelled" today; reserved for future use
}

// Dir is a handle on one run's on-disk directory. All structured writes
// go through AtomicWrite; the log is append-only via a held file handle.
type Dir struct {
	root string
	id   string

	mu        sync.Mutex
	logHandle *os.File
}

// New mints a UUID, creates `<runsRoot>/<uuid>/`, and persists
// request.json with the frozen input.
func New(runsRoot string, req *types.RunRequest) (*Dir, error) {
	id := uuid.NewString()
	path := filepath.Join(runsRoot, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "cannot create run directory", err)
	}

	req.RunID = id
	d := &Dir{root: path, id: id}
	if err := d.writeJSON(RequestFile, req); err != nil {
		return nil, err
	}
	return d, nil
}

// Open returns a handle on an existing run directory without creating
// anything, for status/cancel/read operations against a run already on
// disk.
func Open(runsRoot, id string) *Dir {
	return &Dir{root: filepath.Join(runsRoot, id), id: id}
}

func (d *Dir) ID() string   { return d.id }
func (d *Dir) Path() string { return d.root }

func (d *Dir) path(name string) string { return filepath.Join(d.root, name) }

func (d *Dir) writeJSON(name string, v interface{}) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return herrors.Wrap(herrors.KindConfiguration, fmt.Sprintf("cannot marshal %s", name), err)
	}
	if err := store.AtomicWrite(d.path(name), payload, 0o644); err != nil {
		return herrors.Wrap(herrors.KindConfiguration, fmt.Sprintf("cannot write %s", name), err)
	}
	return nil
}

// OpenLog opens log.txt for appending, creating it if absent. The
// caller is expected to call AppendLog repeatedly and CloseLog once at
// the end of streaming.
func (d *Dir) OpenLog() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logHandle != nil {
		return nil
	}
	f, err := os.OpenFile(d.path(LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return herrors.Wrap(herrors.KindConfiguration, "cannot open log.txt", err)
	}
	d.logHandle = f
	return nil
}

// AppendLog sanitizes and appends one chunk of text to log.txt. Sanitize
// is the last step before persistence; it never splits or
// merges lines, so a chunk containing multiple lines is sanitized
// line-by-line to preserve JSON-lines structure for the parser.
func (d *Dir) AppendLog(chunk string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logHandle == nil {
		return herrors.New(herrors.KindConfiguration, "log.txt not open")
	}
	clean := sanitize.Line(chunk)
	if _, err := d.logHandle.WriteString(clean + "\n"); err != nil {
		return herrors.Wrap(herrors.KindConfiguration, "cannot append to log.txt", err)
	}
	return nil
}

// CloseLog closes the held log.txt handle.
func (d *Dir) CloseLog() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logHandle == nil {
		return nil
	}
	err := d.logHandle.Close()
	d.logHandle = nil
	return err
}

// WriteEvents writes events.jsonl, one JSON object per line, order
// preserved. Each line passes through the sanitizer, which never splits
// or merges lines, so the JSON-lines structure survives.
func (d *Dir) WriteEvents(events []map[string]interface{}) error {
	var buf []byte
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		buf = append(buf, sanitize.Bytes(line)...)
		buf = append(buf, '\n')
	}
	if err := store.AtomicWrite(d.path(EventsFile), buf, 0o644); err != nil {
		return herrors.Wrap(herrors.KindConfiguration, "cannot write events.jsonl", err)
	}
	return nil
}

// WriteResponse writes response.json, the final structured payload
// extracted from the stream, when present. The payload is sanitized
// before persistence like every other recorded artifact.
func (d *Dir) WriteResponse(payload json.RawMessage) error {
	if err := store.AtomicWrite(d.path(ResponseFile), sanitize.Bytes(payload), 0o644); err != nil {
		return herrors.Wrap(herrors.KindConfiguration, "cannot write response.json", err)
	}
	return nil
}

// ReadResponse reads back response.json, if present.
func (d *Dir) ReadResponse() (json.RawMessage, bool) {
	data, err := os.ReadFile(d.path(ResponseFile))
	if err != nil {
		return nil, false
	}
	return data, true
}

// WritePatch writes changes.patch, the unified diff produced by the
// patch workflow.
func (d *Dir) WritePatch(diff string) error {
	if err := store.AtomicWrite(d.path(PatchFile), []byte(diff), 0o644); err != nil {
		return herrors.Wrap(herrors.KindConfiguration, "cannot write changes.patch", err)
	}
	return nil
}

// Seal writes run_result.json. After this call, the run directory is
// immutable; callers must not write to it again except
// explicit operator-deletes.
func (d *Dir) Seal(result *types.RunResult) error {
	return d.writeJSON(ResultFile, result)
}

// IsSealed reports whether run_result.json already exists.
func (d *Dir) IsSealed() bool {
	_, err := os.Stat(d.path(ResultFile))
	return err == nil
}

// ReadResult reads back the sealed run_result.json, if present.
func (d *Dir) ReadResult() (*types.RunResult, error) {
	data, err := os.ReadFile(d.path(ResultFile))
	if err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "run_result.json not found", err)
	}
	var r types.RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "cannot parse run_result.json", err)
	}
	return &r, nil
}

// MarkCancelled writes status.json out-of-band to signal an external
// cancellation request.
func (d *Dir) MarkCancelled() error {
	return d.writeJSON(StatusFile, StatusMarker{State: "cancelled"})
}

// IsCancelled reports whether status.json requests cancellation.
func (d *Dir) IsCancelled() bool {
	data, err := os.ReadFile(d.path(StatusFile))
	if err != nil {
		return false
	}
	var m StatusMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.State == "cancelled"
}

// ReadRequest reads back request.json.
func (d *Dir) ReadRequest() (*types.RunRequest, error) {
	data, err := os.ReadFile(d.path(RequestFile))
	if err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "request.json not found", err)
	}
	var req types.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, herrors.Wrap(herrors.KindConfiguration, "cannot parse request.json", err)
	}
	return &req, nil
}

// ContainerName is the deterministic container name the orchestrator
// uses to find a run's container for cancellation:
// `<provider>-run-<uuid>`.
func ContainerName(provider, runID string) string {
	return fmt.Sprintf("%s-run-%s", provider, runID)
}
