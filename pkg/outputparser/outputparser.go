// Package outputparser consumes a containerized tool's streamed log and
// recognizes two layers: JSON-lines events and a bottom-up
// status marker. Malformed JSON lines are plain log text, never an
// error.
package outputparser

import (
	"bufio"
	"encoding/json"
	"strings"
)

// EventType is the closed set of recognized event shapes; anything else
// is preserved as an opaque event with its raw Type string intact.
const (
	EventMessage    = "message"
	EventFileChange = "file.change"
	EventCommandRun = "command.run"
	EventCompletion = "completion"
	EventError      = "error"
)

// Event is one parsed JSON-lines event. Raw carries the original decoded
// map so opaque/unknown event types and extra fields are never dropped.
type Event struct {
	Type string                 `json:"type"`
	Raw  map[string]interface{} `json:"-"`
}

// markerPrefix is the well-known line prefix the injected prompt
// instructs the tool to emit at end of output.
const markerPrefix = "::STATUS::"

// Marker is the closed set of status-marker values.
type Marker string

const (
	MarkerDone     Marker = "DONE"
	MarkerNeedUser Marker = "NEED_USER"
	MarkerError    Marker = "ERROR"
	MarkerTimeout  Marker = "TIMEOUT"
)

// Summary is the aggregation produced once the stream has ended.
type Summary struct {
	Events       []Event
	TotalEvents  int
	TypeCounts   map[string]int
	FilesChanged map[string]string // path -> last action (create/modify/delete)
	Commands     []string
	Marker       Marker // empty if absent
	HasMarker    bool
}

// ParseLine parses one log line as a candidate JSON event. A line that
// doesn't begin with '{' or fails to parse is not an event; callers
// should treat that as plain log text, not an error.
func ParseLine(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Event{}, false
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Event{}, false
	}
	typ, _ := raw["type"].(string)
	return Event{Type: typ, Raw: raw}, true
}

// ScanMarker scans the full log text from the bottom up and returns the
// last status-marker line found. Absence is not an error.
func ScanMarker(logText string) (Marker, bool) {
	lines := strings.Split(logText, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, markerPrefix) {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(line, markerPrefix))
		switch Marker(val) {
		case MarkerDone, MarkerNeedUser, MarkerError, MarkerTimeout:
			return Marker(val), true
		}
	}
	return "", false
}

// Aggregate builds a Summary from the full set of parsed events plus the
// raw log text (for the bottom-up marker scan).
func Aggregate(events []Event, logText string) Summary {
	s := Summary{
		Events:       events,
		TotalEvents:  len(events),
		TypeCounts:   map[string]int{},
		FilesChanged: map[string]string{},
	}

	for _, e := range events {
		s.TypeCounts[e.Type]++
		switch e.Type {
		case EventFileChange:
			path, _ := e.Raw["path"].(string)
			action, _ := e.Raw["action"].(string)
			if path != "" {
				s.FilesChanged[path] = action
			}
		case EventCommandRun:
			if cmd, ok := e.Raw["command"].(string); ok {
				s.Commands = append(s.Commands, cmd)
			}
		}
	}

	if marker, ok := ScanMarker(logText); ok {
		s.Marker = marker
		s.HasMarker = true
	}

	return s
}

// ParseStream parses a full log reader line-by-line, returning all
// recognized events in stream order.
func ParseStream(lines *bufio.Scanner) []Event {
	var events []Event
	for lines.Scan() {
		if e, ok := ParseLine(lines.Text()); ok {
			events = append(events, e)
		}
	}
	return events
}

// DeriveStatusHeuristic produces a success/need-user guess from free
// text when no status marker was found. It is a last
// resort; callers should always prefer a real marker when present.
func DeriveStatusHeuristic(logText string) Marker {
	lower := strings.ToLower(logText)
	switch {
	case strings.Contains(lower, "waiting for your input") || strings.Contains(lower, "need more information"):
		return MarkerNeedUser
	case strings.Contains(lower, "traceback") || strings.Contains(lower, "fatal error") || strings.Contains(lower, "panic:"):
		return MarkerError
	default:
		return MarkerDone
	}
}
