// Command hutchrun is the task orchestrator CLI: run
// create/status/cancel/list, patch preview/apply/revert, verify.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/containerrunner"
	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/patchworkflow"
	"github.com/cuemby/hutch/pkg/rundir"
	"github.com/cuemby/hutch/pkg/taskorchestrator"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/verifier"
)

func init() {
	metrics.CriticalComponents = []string{"containerd"}
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	projectDir       string
	containerdSocket string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(herrors.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "hutchrun",
	Short:   "hutchrun executes containerized LLM-CLI tasks",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hutchrun version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "Project root directory (runs/)")
	rootCmd.PersistentFlags().StringVar(&containerdSocket, "containerd-socket", "", "Custom containerd socket path")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runsRoot() string {
	return filepath.Join(projectDir, "runs")
}

// builtinImages is the only place a provider tag maps to a container
// image reference; adding a provider means adding one line here.
var builtinImages = map[taskorchestrator.Provider]string{
	"codex":  "ghcr.io/hutch/codex-runner:latest",
	"gemini": "ghcr.io/hutch/gemini-runner:latest",
}

func resolveImage(p taskorchestrator.Provider) (string, error) {
	if image, ok := builtinImages[p]; ok {
		return image, nil
	}
	return "", fmt.Errorf("unknown provider %q", p)
}

func openOrchestrator() (*taskorchestrator.Orchestrator, func(), error) {
	if err := os.MkdirAll(runsRoot(), 0o755); err != nil {
		return nil, nil, err
	}
	runner, err := containerrunner.New(containerdSocket)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return nil, nil, err
	}
	metrics.RegisterComponent("containerd", true, "")
	orch := taskorchestrator.New(runner, runsRoot(), resolveImage)
	return orch, func() { runner.Close() }, nil
}

// --- run commands ---

var runCmd = &cobra.Command{Use: "run", Short: "Manage task runs"}

var runCreateCmd = &cobra.Command{
	Use:   "create <task text>",
	Short: "Create and execute a new run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		securityMode, _ := cmd.Flags().GetString("security-mode")
		confirmed, _ := cmd.Flags().GetBool("confirm-full-access")
		repoPath, _ := cmd.Flags().GetString("repo")
		subdir, _ := cmd.Flags().GetString("workdir")
		timeoutSec, _ := cmd.Flags().GetInt("timeout")
		verify, _ := cmd.Flags().GetBool("verify")
		schemaName, _ := cmd.Flags().GetString("schema")

		orch, closeFn, err := openOrchestrator()
		if err != nil {
			return err
		}
		defer closeFn()

		metrics.RunsInFlight.Inc()
		defer metrics.RunsInFlight.Dec()
		timer := metrics.NewTimer()

		result, err := orch.Start(context.Background(), taskorchestrator.RunOptions{
			Provider:          taskorchestrator.Provider(provider),
			Task:              args[0],
			SecurityMode:      types.SecurityMode(securityMode),
			SecurityConfirmed: confirmed,
			RepoPath:          repoPath,
			WorkingSubdir:     subdir,
			Timeout:           time.Duration(timeoutSec) * time.Second,
			Verify:            verify,
			VerifyConfig: verifier.Config{
				Steps: []verifier.StepConfig{
					{Kind: verifier.StepLint}, {Kind: verifier.StepTest}, {Kind: verifier.StepBuild},
				},
				MaxIterations: 2,
			},
			OutputSchemaName: schemaName,
		})
		if result != nil {
			metrics.RunsTotal.WithLabelValues(provider, string(result.Status)).Inc()
			timer.ObserveDurationVec(metrics.RunDuration, provider)
			if result.Verify != nil {
				metrics.VerifyFixAttempts.Observe(float64(result.Verify.FixAttempts))
			}
			fmt.Printf("run %s: status=%s exit_code=%d\n", result.RunID, result.Status, result.ExitCode)
		}
		return err
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's sealed result, if finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := rundir.Open(runsRoot(), args[0])
		if !dir.IsSealed() {
			fmt.Printf("run %s: not finished\n", args[0])
			return nil
		}
		result, err := dir.ReadResult()
		if err != nil {
			return err
		}
		payload, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(payload))
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an in-progress run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		orch, closeFn, err := openOrchestrator()
		if err != nil {
			return err
		}
		defer closeFn()
		return orch.Cancel(context.Background(), taskorchestrator.Provider(provider), args[0])
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(runsRoot())
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := rundir.Open(runsRoot(), e.Name())
			status := "pending"
			if dir.IsSealed() {
				if result, rErr := dir.ReadResult(); rErr == nil {
					status = string(result.Status)
				}
			}
			fmt.Printf("%s\t%s\n", e.Name(), status)
		}
		return nil
	},
}

func init() {
	runCreateCmd.Flags().String("provider", "codex", "Provider tag (container image lookup key)")
	runCreateCmd.Flags().String("security-mode", string(types.SecurityReadonly), "readonly|workspace_write|full_access")
	runCreateCmd.Flags().Bool("confirm-full-access", false, "Required to use security-mode=full_access")
	runCreateCmd.Flags().String("repo", ".", "Repository path to mount as the workspace")
	runCreateCmd.Flags().String("workdir", "", "Working subdirectory inside the workspace")
	runCreateCmd.Flags().Int("timeout", 600, "Wall-clock timeout in seconds")
	runCreateCmd.Flags().Bool("verify", false, "Run the verifier if the tool reports success")
	runCreateCmd.Flags().String("schema", "", "Named output schema to validate response.json against")
	runCancelCmd.Flags().String("provider", "codex", "Provider tag used to derive the container name")
	runCmd.AddCommand(runCreateCmd, runStatusCmd, runCancelCmd, runListCmd)
}

// --- patch commands ---

var patchCmd = &cobra.Command{Use: "patch", Short: "Review and apply a run's workspace changes"}

var patchPreviewCmd = &cobra.Command{
	Use:   "preview <run-id>",
	Short: "Preview whether a run's changes.patch would apply cleanly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dir := rundir.Open(runsRoot(), args[0])
		preview, err := patchworkflow.Preview(context.Background(), repo, filepath.Join(dir.Path(), rundir.PatchFile))
		if err != nil {
			return err
		}
		fmt.Printf("can_apply=%v files=%v +%d -%d\n", preview.CanApply, preview.FilesAffected, preview.Insertions, preview.Deletions)
		return nil
	},
}

var patchApplyCmd = &cobra.Command{
	Use:   "apply <run-id>",
	Short: "Apply a run's changes.patch (requires --approve)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		approved, _ := cmd.Flags().GetBool("approve")
		dir := rundir.Open(runsRoot(), args[0])
		err := patchworkflow.Apply(context.Background(), repo, filepath.Join(dir.Path(), rundir.PatchFile), approved)
		if err != nil {
			metrics.PatchApplyTotal.WithLabelValues("error").Inc()
		} else {
			metrics.PatchApplyTotal.WithLabelValues("applied").Inc()
		}
		return err
	},
}

var patchRevertCmd = &cobra.Command{
	Use:   "revert <run-id>",
	Short: "Revert a previously applied patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dir := rundir.Open(runsRoot(), args[0])
		return patchworkflow.Revert(context.Background(), repo, filepath.Join(dir.Path(), rundir.PatchFile))
	},
}

func init() {
	patchPreviewCmd.Flags().String("repo", ".", "Repository path")
	patchApplyCmd.Flags().String("repo", ".", "Repository path")
	patchApplyCmd.Flags().Bool("approve", false, "Explicit user approval, required to apply")
	patchRevertCmd.Flags().String("repo", ".", "Repository path")
	patchCmd.AddCommand(patchPreviewCmd, patchApplyCmd, patchRevertCmd)
}

// --- verify command ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the lint/test/build sequence against a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		result := verifier.Run(context.Background(), repo, verifier.Config{
			Steps: []verifier.StepConfig{
				{Kind: verifier.StepLint}, {Kind: verifier.StepTest}, {Kind: verifier.StepBuild},
			},
		})
		payload, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(payload))
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().String("repo", ".", "Repository path")
}
