/*
Package log provides structured logging for Hutch using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

Hutch's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("reconciler")              │          │
	│  │  - WithInstance("gpt")                      │          │
	│  │  - WithRun("4f1a2b-...")                    │          │
	│  │  - WithBinary("b7c9d0-...")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "instance": "gpt",                       │          │
	│  │    "time": "2026-07-13T10:30:00Z",         │          │
	│  │    "message": "instance started"            │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF instance started instance=gpt  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Hutch packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add subsystem name to all logs
  - WithInstance: Add managed-instance name context
  - WithRun: Add containerized-run id context
  - WithBinary: Add installed-binary id context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Probe attempt 2/4: connection refused"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Instance started: gpt (pid 4312, port 8801)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Stale lock broken (owner pid 9981 gone)"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to start instance: binary not installed"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Cannot open run-state database: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/hutch/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (daemon log file)
	file, _ := os.OpenFile("state/daemon.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("Registry loaded successfully")
	log.Debug("Checking port availability")
	log.Warn("Orphaned process detected")
	log.Error("Failed to connect to containerd")
	log.Fatal("Cannot start without state database") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("instance", "gpt").
		Int("port", 8801).
		Msg("Instance started")

	log.Logger.Error().
		Err(err).
		Str("binary_id", id).
		Msg("Binary verification failed")

Component Loggers:

	// Create component-specific logger
	reconLog := log.WithComponent("reconciler")
	reconLog.Info().Msg("Starting reconciliation loop")
	reconLog.Debug().Str("instance", "gpt").Msg("Classifying process")

	// Multiple context fields
	monLog := log.WithComponent("health").
		With().Str("instance", "gpt").
		Str("probe", "http").Logger()
	monLog.Info().Msg("Probe succeeded")
	monLog.Error().Err(err).Msg("Probe failed")

Context Logger Helpers:

	// Instance-specific logs
	instLog := log.WithInstance("gpt")
	instLog.Info().Msg("Instance stopped")

	// Run-specific logs
	runLog := log.WithRun(runID)
	runLog.Info().Msg("Run sealed")

	// Binary-specific logs
	binLog := log.WithBinary(binaryID)
	binLog.Info().Msg("Binary installed")

# Operational Notes

Background loops (health monitor, reconciler) log at warn/error and
continue; they never panic the daemon. Operator-initiated operations
log at info on success and error on failure, alongside the typed error
returned to the caller.

The managed instances' own stdout/stderr never pass through this
package: the spawner hands each child its own inherited log-file
handles, and the parent closes them immediately after spawn. Daemon
logs and instance logs are separate streams by construction.

Log aggregation works with any JSON-capable collector:

	journalctl -u hutchd -f
	jq 'select(.instance=="gpt")' state/daemon.log
*/
package log
