package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/hutch/pkg/types"
)

const schemaDDL = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS runtime_records (
	name                  TEXT PRIMARY KEY,
	pid                   INTEGER,
	port                  INTEGER,
	command_line          TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	health                TEXT NOT NULL,
	started_at            INTEGER,
	last_seen_at          INTEGER,
	last_health_check_at  INTEGER,
	restart_count         INTEGER NOT NULL DEFAULT 0,
	config_fingerprint    TEXT NOT NULL DEFAULT '',
	binary_version        TEXT NOT NULL DEFAULT '',
	last_error            TEXT NOT NULL DEFAULT '',
	updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     INTEGER NOT NULL,
	event_type    TEXT NOT NULL,
	level         TEXT NOT NULL,
	instance_name TEXT,
	message       TEXT NOT NULL DEFAULT '',
	metadata      TEXT,
	FOREIGN KEY (instance_name) REFERENCES runtime_records(name) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_events_instance_ts ON events(instance_name, timestamp DESC);
`

// RunStateStore is a single-file WAL-mode sqlite database holding
// instance runtime records and an append-only events table, on the
// pure-Go modernc.org/sqlite driver.
type RunStateStore struct {
	db *sql.DB
}

// OpenRunStateStore opens (creating if necessary) the sqlite database at
// path and applies the schema idempotently.
func OpenRunStateStore(path string) (*RunStateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run state store: %w", err)
	}
	// Writers are serialized by the database; only one connection is
	// needed since sqlite itself is the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run state schema: %w", err)
	}

	return &RunStateStore{db: db}, nil
}

func (s *RunStateStore) Close() error {
	return s.db.Close()
}

func timePtrToUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func intPtrToSQL(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func sqlToIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// Upsert writes (inserting or replacing) a runtime record keyed by
// instance name.
func (s *RunStateStore) Upsert(r *types.InstanceRuntimeRecord) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO runtime_records
			(name, pid, port, command_line, status, health, started_at,
			 last_seen_at, last_health_check_at, restart_count,
			 config_fingerprint, binary_version, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			pid=excluded.pid,
			port=excluded.port,
			command_line=excluded.command_line,
			status=excluded.status,
			health=excluded.health,
			started_at=excluded.started_at,
			last_seen_at=excluded.last_seen_at,
			last_health_check_at=excluded.last_health_check_at,
			restart_count=excluded.restart_count,
			config_fingerprint=excluded.config_fingerprint,
			binary_version=excluded.binary_version,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at
	`,
		r.Name, intPtrToSQL(r.PID), intPtrToSQL(r.Port), r.CommandLine,
		string(r.Status), string(r.Health), timePtrToUnix(r.StartedAt),
		timePtrToUnix(r.LastSeenAt), timePtrToUnix(r.LastHealthCheckAt),
		r.RestartCount, r.ConfigFingerprint, r.BinaryVersion, r.LastError,
		r.UpdatedAt.Unix(),
	)
	return err
}

func scanRuntimeRecord(row interface {
	Scan(dest ...interface{}) error
}) (*types.InstanceRuntimeRecord, error) {
	var (
		r                                  types.InstanceRuntimeRecord
		pid, port                          sql.NullInt64
		started, lastSeen, lastHealthCheck sql.NullInt64
		status, health                     string
		updatedAt                          int64
	)
	err := row.Scan(&r.Name, &pid, &port, &r.CommandLine, &status, &health,
		&started, &lastSeen, &lastHealthCheck, &r.RestartCount,
		&r.ConfigFingerprint, &r.BinaryVersion, &r.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.PID = sqlToIntPtr(pid)
	r.Port = sqlToIntPtr(port)
	r.Status = types.InstanceStatus(status)
	r.Health = types.HealthState(health)
	r.StartedAt = unixToTimePtr(started)
	r.LastSeenAt = unixToTimePtr(lastSeen)
	r.LastHealthCheckAt = unixToTimePtr(lastHealthCheck)
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

const runtimeRecordColumns = `name, pid, port, command_line, status, health, started_at,
	last_seen_at, last_health_check_at, restart_count, config_fingerprint,
	binary_version, last_error, updated_at`

// Get returns the runtime record for name, or nil if none exists.
func (s *RunStateStore) Get(name string) (*types.InstanceRuntimeRecord, error) {
	row := s.db.QueryRow(`SELECT `+runtimeRecordColumns+` FROM runtime_records WHERE name = ?`, name)
	r, err := scanRuntimeRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns every runtime record ordered by name.
func (s *RunStateStore) List() ([]*types.InstanceRuntimeRecord, error) {
	rows, err := s.db.Query(`SELECT ` + runtimeRecordColumns + ` FROM runtime_records ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.InstanceRuntimeRecord
	for rows.Next() {
		r, err := scanRuntimeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the runtime record for name.
func (s *RunStateStore) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM runtime_records WHERE name = ?`, name)
	return err
}

// AppendEvent inserts one append-only event row, auto-assigning its id
// and timestamp if unset.
func (s *RunStateStore) AppendEvent(e *types.EventRecord) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var metaJSON interface{}
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metaJSON = string(b)
	}

	var instanceName interface{}
	if e.InstanceName != "" {
		instanceName = e.InstanceName
	}

	res, err := s.db.Exec(`
		INSERT INTO events (timestamp, event_type, level, instance_name, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp.Unix(), e.EventType, string(e.Level), instanceName, e.Message, metaJSON)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

// RecentEvents returns up to limit events for instance (or all instances
// if instance is ""), optionally filtered by level, newest first.
func (s *RunStateStore) RecentEvents(instance string, level types.EventLevel, limit int) ([]*types.EventRecord, error) {
	query := `SELECT id, timestamp, event_type, level, instance_name, message, metadata FROM events WHERE 1=1`
	var args []interface{}
	if instance != "" {
		query += ` AND instance_name = ?`
		args = append(args, instance)
	}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.EventRecord
	for rows.Next() {
		var (
			e         types.EventRecord
			ts        int64
			level     string
			instanceN sql.NullString
			metaJSON  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &level, &instanceN, &e.Message, &metaJSON); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Level = types.EventLevel(level)
		e.InstanceName = instanceN.String
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeEventsOlderThan deletes events with a timestamp before cutoff,
// implementing the configurable retention window.
func (s *RunStateStore) PurgeEventsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
