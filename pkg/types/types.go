// Package types holds the plain data-model structs shared across Hutch's
// packages: instance configuration, binary registry entries, runtime
// records, event records, and the run-directory data model, centralized
// here instead of scattered per consumer.
package types

import "time"

// GPUBackend is the closed enum of accelerator backends an instance can
// request.
type GPUBackend string

const (
	GPUBackendCPU    GPUBackend = "cpu"
	GPUBackendVulkan GPUBackend = "vulkan"
	GPUBackendCUDA   GPUBackend = "cuda"
	GPUBackendMetal  GPUBackend = "metal"
	GPUBackendHIP    GPUBackend = "hip"
)

// InstanceStatus is the Instance Runtime Record's status field.
type InstanceStatus string

const (
	InstanceStopped  InstanceStatus = "stopped"
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopping InstanceStatus = "stopping"
	InstanceError    InstanceStatus = "error"
)

// HealthState is the Instance Runtime Record's health field.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthLoading   HealthState = "loading"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthError     HealthState = "error"
)

// EventLevel is the severity of an Event Record.
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// DesiredRunState is the operator's intent for an instance, tracked
// separately from the runtime record so the Reconciler has something
// to converge toward.
type DesiredRunState string

const (
	DesiredRunning DesiredRunState = "running"
	DesiredStopped DesiredRunState = "stopped"
)

// ModelConfig describes the model file and its load parameters.
type ModelConfig struct {
	Path        string `yaml:"path" json:"path"`
	ContextSize int    `yaml:"context_size" json:"context_size"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`
	Threads     int    `yaml:"threads" json:"threads"`
}

// ServerConfig describes the inference server's network surface.
type ServerConfig struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Parallel int           `yaml:"parallel" json:"parallel"`
}

// GPUConfig describes the accelerator backend selection.
type GPUConfig struct {
	Backend  GPUBackend `yaml:"backend" json:"backend"`
	DeviceID int        `yaml:"device_id" json:"device_id"`
	Layers   int        `yaml:"layers" json:"layers"`
}

// RestartPolicy controls whether and how the supervisor restarts a
// crashed instance.
type RestartPolicy struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
}

// LogsConfig controls log file naming, size, and rotation.
type LogsConfig struct {
	Stdout    string `yaml:"stdout" json:"stdout"`
	Stderr    string `yaml:"stderr" json:"stderr"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	Rotation  int    `yaml:"rotation" json:"rotation"`
}

// ProbeType is the closed enum of health-probe variants.
type ProbeType string

const (
	ProbeHTTP   ProbeType = "http"
	ProbeTCP    ProbeType = "tcp"
	ProbeScript ProbeType = "script"
)

// HealthCheckConfig configures the pluggable health prober for one
// instance.
type HealthCheckConfig struct {
	Type           ProbeType     `yaml:"type" json:"type"`
	Path           string        `yaml:"path" json:"path"`
	AcceptedStatus []int         `yaml:"accepted_status" json:"accepted_status"`
	BodyContains   string        `yaml:"body_contains" json:"body_contains"`
	Script         string        `yaml:"script" json:"script"`
	Interval       time.Duration `yaml:"interval" json:"interval"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Retries        int           `yaml:"retries" json:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	StartPeriod    time.Duration `yaml:"start_period" json:"start_period"`
	JitterFraction float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// BinarySelector picks a Binary Registry Entry for an instance.
type BinarySelector struct {
	BinaryID  string `yaml:"binary_id" json:"binary_id"`
	Version   string `yaml:"version" json:"version"`
	Variant   string `yaml:"variant" json:"variant"`
	SourceURL string `yaml:"source_url" json:"source_url"`
	SHA256    string `yaml:"sha256" json:"sha256"`
}

// InstanceConfig is the operator-authored configuration for one managed
// inference-server instance.
type InstanceConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Binary        *BinarySelector   `yaml:"binary" json:"binary"`
	Model         ModelConfig       `yaml:"model" json:"model"`
	Server        ServerConfig      `yaml:"server" json:"server"`
	GPU           GPUConfig         `yaml:"gpu" json:"gpu"`
	Env           map[string]string `yaml:"env" json:"env"`
	Args          []string          `yaml:"args" json:"args"`
	HealthCheck   HealthCheckConfig `yaml:"healthcheck" json:"healthcheck"`
	RestartPolicy RestartPolicy     `yaml:"restart_policy" json:"restart_policy"`
	Logs          LogsConfig        `yaml:"logs" json:"logs"`
}

// GitHubReleaseInfo is the optional upstream release metadata attached to
// a Binary Registry Entry.
type GitHubReleaseInfo struct {
	Tag         string    `json:"tag"`
	PublishedAt time.Time `json:"published_at"`
	Commit      string    `json:"commit"`
	URL         string    `json:"url"`
}

// BinaryRegistryEntry is one installed artifact.
type BinaryRegistryEntry struct {
	ID          string             `json:"id"`
	Version     string             `json:"version"`
	Variant     string             `json:"variant"`
	DownloadURL string             `json:"download_url"`
	SHA256      string             `json:"sha256"`
	InstalledAt time.Time          `json:"installed_at"`
	Path        string             `json:"path"`
	SizeBytes   int64              `json:"size_bytes"`
	Executables []string           `json:"executables"`
	ReleaseInfo *GitHubReleaseInfo `json:"github_release_info,omitempty"`
}

// BinaryRegistryFile is the on-disk shape of bins/registry.json.
type BinaryRegistryFile struct {
	SchemaVersion   string                `json:"schema_version"`
	Binaries        []BinaryRegistryEntry `json:"binaries"`
	DefaultBinaryID string                `json:"default_binary_id"`
}

// InstanceRuntimeRecord is the persistent runtime record owned by the
// Supervisor.
type InstanceRuntimeRecord struct {
	Name              string         `json:"name"`
	PID               *int           `json:"pid"`
	Port              *int           `json:"port"`
	CommandLine       string         `json:"command_line"`
	Status            InstanceStatus `json:"status"`
	Health            HealthState    `json:"health"`
	StartedAt         *time.Time     `json:"started_at"`
	LastSeenAt        *time.Time     `json:"last_seen_at"`
	LastHealthCheckAt *time.Time     `json:"last_health_check_at"`
	RestartCount      int            `json:"restart_count"`
	ConfigFingerprint string         `json:"config_fingerprint"`
	BinaryVersion     string         `json:"binary_version"`
	LastError         string         `json:"last_error"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EventRecord is one append-only log entry owned by the Supervisor.
type EventRecord struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	Level        EventLevel             `json:"level"`
	InstanceName string                 `json:"instance_name,omitempty"`
	Message      string                 `json:"message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult is the ephemeral outcome of one probe invocation.
// Outcome distinguishes the inference server's transient "loading" state
// (still warming up, not yet failing) from a real healthy/unhealthy/error
// verdict; HTTP probes derive it from the response body's status field,
// TCP and script probes only ever produce healthy/unhealthy/error.
type HealthCheckResult struct {
	Success    bool
	Outcome    HealthState
	ElapsedMS  int64
	StatusCode int
	Message    string
	Detail     map[string]interface{}
}

// --- Containerized task orchestration ---

// SecurityMode is the tiered enum consumed by the Container Runner.
type SecurityMode string

const (
	SecurityReadonly       SecurityMode = "readonly"
	SecurityWorkspaceWrite SecurityMode = "workspace_write"
	SecurityFullAccess     SecurityMode = "full_access"
)

// RunStatus is the Run Status Enum.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunDone      RunStatus = "done"
	RunNeedUser  RunStatus = "need_user"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

// IsTerminal reports whether a run status is a final disposition.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunDone, RunNeedUser, RunTimeout, RunCancelled, RunError:
		return true
	}
	return false
}

// IsSuccess reports whether a run status counts as terminal-success.
func (s RunStatus) IsSuccess() bool {
	return s == RunSuccess || s == RunDone
}

// RunRequest is the frozen input to a run, persisted as request.json.
type RunRequest struct {
	RunID            string            `json:"run_id"`
	Provider         string            `json:"provider"`
	Task             string            `json:"task"`
	SecurityMode     SecurityMode      `json:"security_mode"`
	RepoPath         string            `json:"repo_path"`
	WorkingSubdir    string            `json:"working_subdir"`
	Timeout          time.Duration     `json:"timeout"`
	Env              map[string]string `json:"env"`
	Verify           bool              `json:"verify"`
	OutputSchemaName string            `json:"output_schema_name,omitempty"`
	OutputFormat     string            `json:"output_format,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// FileChangeAction is the closed enum for a file.change event's action.
type FileChangeAction string

const (
	FileCreate FileChangeAction = "create"
	FileModify FileChangeAction = "modify"
	FileDelete FileChangeAction = "delete"
)

// VerifyStepResult is the result of one verifier check (lint/test/build).
type VerifyStepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // passed|failed|skipped|error
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// VerifyResult is the overall outcome of the verification loop.
// RemainingErrors names the steps still failing after the auto-fix loop
// has been exhausted.
type VerifyResult struct {
	Success         bool               `json:"success"`
	Steps           []VerifyStepResult `json:"steps"`
	FixAttempts     int                `json:"fix_attempts"`
	RemainingErrors []string           `json:"remaining_errors,omitempty"`
}

// RunResult is the canonical terminal record, sealed as run_result.json.
type RunResult struct {
	RunID        string        `json:"run_id"`
	Provider     string        `json:"provider"`
	Status       RunStatus     `json:"status"`
	ExitCode     int           `json:"exit_code"`
	DurationMS   int64         `json:"duration_ms"`
	FilesChanged []string      `json:"files_changed"`
	DiffText     string        `json:"diff_text,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Verify       *VerifyResult `json:"verify,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}
