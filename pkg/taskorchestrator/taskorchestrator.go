// Package taskorchestrator composes the Container Runner, Run
// Directory, Output Parser, Schema Validator, Patch Workflow, and
// Verifier into one run lifecycle: create, execute, collect, save
// artifacts.
package taskorchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/containerrunner"
	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/outputparser"
	"github.com/cuemby/hutch/pkg/patchworkflow"
	"github.com/cuemby/hutch/pkg/rundir"
	"github.com/cuemby/hutch/pkg/schemavalidator"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/verifier"
)

// statusMarkerInstruction is appended to the task text before it reaches
// the tool.
const statusMarkerInstruction = "\n\nWhen you are finished, emit exactly one line of the form ::STATUS::DONE (or ::STATUS::NEED_USER, ::STATUS::ERROR, ::STATUS::TIMEOUT) as the last line of your output."

// Provider identifies the third-party LLM CLI tool a run invokes,
// purely as a string tag used in the container name and image lookup;
// no provider-specific behavior is modeled beyond that.
type Provider string

// ImageResolver maps a Provider to a container image reference.
type ImageResolver func(p Provider) (string, error)

// Orchestrator composes the run-lifecycle component set.
type Orchestrator struct {
	Runner    *containerrunner.Runner
	RunsRoot  string
	ImageFor  ImageResolver
	Validator *schemavalidator.Validator
	Logger    zerolog.Logger
}

// New constructs an Orchestrator.
func New(runner *containerrunner.Runner, runsRoot string, imageFor ImageResolver) *Orchestrator {
	return &Orchestrator{
		Runner:    runner,
		RunsRoot:  runsRoot,
		ImageFor:  imageFor,
		Validator: schemavalidator.New(),
		Logger:    log.WithComponent("taskorchestrator"),
	}
}

// RunOptions is the caller-supplied input to Start, beyond what becomes
// the frozen request.json.
type RunOptions struct {
	Provider          Provider
	Task              string
	SecurityMode      types.SecurityMode
	SecurityConfirmed bool // required true for full_access
	RepoPath          string
	WorkingSubdir     string
	Timeout           time.Duration
	Env               map[string]string
	Verify            bool
	VerifyConfig      verifier.Config
	OutputSchemaName  string
	OutputFormat      string
}

// Start executes the full run lifecycle synchronously and
// returns the sealed RunResult. The run directory on disk is the durable
// record; the returned value is a convenience for the immediate caller.
func (o *Orchestrator) Start(ctx context.Context, opts RunOptions) (*types.RunResult, error) {
	startedAt := time.Now().UTC()

	req := &types.RunRequest{
		Provider:         string(opts.Provider),
		Task:             opts.Task,
		SecurityMode:     opts.SecurityMode,
		RepoPath:         opts.RepoPath,
		WorkingSubdir:    opts.WorkingSubdir,
		Timeout:          opts.Timeout,
		Env:              opts.Env,
		Verify:           opts.Verify,
		OutputSchemaName: opts.OutputSchemaName,
		OutputFormat:     opts.OutputFormat,
		CreatedAt:        startedAt,
	}

	dir, err := rundir.New(o.RunsRoot, req)
	if err != nil {
		return nil, err
	}

	result := &types.RunResult{
		RunID:     dir.ID(),
		Provider:  string(opts.Provider),
		Status:    types.RunPending,
		StartedAt: startedAt,
	}

	envelope, err := containerrunner.EnvelopeFor(opts.SecurityMode, opts.SecurityConfirmed)
	if err != nil {
		return o.fail(dir, result, err)
	}

	image, err := o.ImageFor(opts.Provider)
	if err != nil {
		return o.fail(dir, result, herrors.Wrap(herrors.KindResolution, "cannot resolve provider image", err))
	}
	if err := o.Runner.EnsureImage(ctx, image); err != nil {
		return o.fail(dir, result, err)
	}

	name := rundir.ContainerName(string(opts.Provider), dir.ID())
	prompt := opts.Task + statusMarkerInstruction

	spec := containerrunner.RunSpec{
		Image:             image,
		Command:           []string{"run-task", prompt},
		Env:               opts.Env,
		WorkspaceHostPath: opts.RepoPath,
		WorkingDir:        opts.WorkingSubdir,
		Name:              name,
		Envelope:          envelope,
		Timeout:           opts.Timeout,
	}

	if err := dir.OpenLog(); err != nil {
		return o.fail(dir, result, err)
	}
	defer dir.CloseLog()

	logs, results, err := o.Runner.Run(ctx, spec)
	if err != nil {
		return o.fail(dir, result, err)
	}

	var fullLog strings.Builder
	var events []outputparser.Event
	var response *outputparser.Event

	for line := range logs {
		if line.Text == "" {
			continue
		}
		_ = dir.AppendLog(line.Text)
		fullLog.WriteString(line.Text)
		fullLog.WriteString("\n")

		if e, ok := outputparser.ParseLine(line.Text); ok {
			events = append(events, e)
			if e.Type == outputparser.EventCompletion {
				cp := e
				response = &cp
			}
		}
	}

	runResult := <-results
	result.ExitCode = runResult.ExitCode

	summary := outputparser.Aggregate(events, fullLog.String())
	for path := range summary.FilesChanged {
		result.FilesChanged = append(result.FilesChanged, path)
	}

	result.Status = o.deriveStatus(runResult, summary)

	_ = dir.WriteEvents(rawEvents(events))

	if response != nil {
		if payload, mErr := marshalResponse(response.Raw); mErr == nil {
			_ = dir.WriteResponse(payload)
			result.Summary, _ = response.Raw["summary"].(string)

			if opts.OutputSchemaName != "" {
				valid, paths, vErr := o.Validator.Validate(opts.OutputSchemaName, payload)
				if vErr == nil && !valid {
					result.Status = types.RunError
					result.Error = strings.Join(paths, "; ")
				}
			}
		}
	}

	if diffText, _, gErr := patchworkflow.Generate(ctx, opts.RepoPath, true); gErr == nil {
		_ = dir.WritePatch(diffText)
		result.DiffText = diffText
	}

	if opts.Verify && result.Status.IsSuccess() {
		verifyResult := verifier.Run(ctx, opts.RepoPath, opts.VerifyConfig)
		result.Verify = verifyResult
		if !verifyResult.Success {
			result.Status = types.RunError
		}
	}

	result.FinishedAt = time.Now().UTC()
	result.DurationMS = result.FinishedAt.Sub(result.StartedAt).Milliseconds()

	if err := dir.Seal(result); err != nil {
		o.Logger.Error().Err(err).Str("run_id", dir.ID()).Msg("failed to seal run result")
	}
	return result, nil
}

func (o *Orchestrator) deriveStatus(rr containerrunner.RunResult, summary outputparser.Summary) types.RunStatus {
	if rr.TimedOut {
		return types.RunTimeout
	}
	if summary.HasMarker {
		switch summary.Marker {
		case outputparser.MarkerDone:
			return types.RunDone
		case outputparser.MarkerNeedUser:
			return types.RunNeedUser
		case outputparser.MarkerError:
			return types.RunError
		case outputparser.MarkerTimeout:
			return types.RunTimeout
		}
	}
	if rr.ExitCode != 0 {
		return types.RunError
	}
	return types.RunSuccess
}

func (o *Orchestrator) fail(dir *rundir.Dir, result *types.RunResult, err error) (*types.RunResult, error) {
	result.Status = types.RunError
	result.Error = err.Error()
	result.FinishedAt = time.Now().UTC()
	result.DurationMS = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	_ = dir.Seal(result)
	return result, err
}

// Cancel stops a running run's container by its deterministic name and
// writes status.json.
func (o *Orchestrator) Cancel(ctx context.Context, provider Provider, runID string) error {
	dir := rundir.Open(o.RunsRoot, runID)
	if dir.IsSealed() {
		return nil
	}
	name := rundir.ContainerName(string(provider), runID)
	if err := o.Runner.Stop(ctx, name, 10*time.Second); err != nil {
		return err
	}
	return dir.MarkCancelled()
}

func rawEvents(events []outputparser.Event) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, e.Raw)
	}
	return out
}

func marshalResponse(raw map[string]interface{}) ([]byte, error) {
	return json.MarshalIndent(raw, "", "  ")
}
