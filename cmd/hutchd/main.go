// Command hutchd is the instance supervisor daemon/CLI: instance
// lifecycle operations plus a foreground `daemon run` that drives the
// health monitor and reconciler loops.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/binaryregistry"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/health"
	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/supervisor"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var projectDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(herrors.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "hutchd",
	Short:   "hutchd manages a fleet of local inference-server instances",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hutchd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "Project root directory (bins/, instances/, state/, logs/)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(binaryCmd)
	rootCmd.AddCommand(daemonCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// --- shared wiring ---

type app struct {
	sup *supervisor.Supervisor
}

func openApp() (*app, error) {
	binsDir := filepath.Join(projectDir, "bins")
	instancesDir := filepath.Join(projectDir, "instances")
	stateDir := filepath.Join(projectDir, "state")
	for _, d := range []string{binsDir, instancesDir, stateDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	_ = store.CleanStaleTemps(binsDir)
	_ = store.CleanStaleTemps(stateDir)

	locks := store.NewLockManager(stateDir)
	metrics.RegisterComponent("lock_manager", true, "")

	runtime, err := store.OpenRunStateStore(filepath.Join(stateDir, "state.sqlite"))
	if err != nil {
		metrics.RegisterComponent("run_state_store", false, err.Error())
		return nil, err
	}
	metrics.RegisterComponent("run_state_store", true, "")

	desired, err := store.OpenDesiredStateStore(filepath.Join(stateDir, "desired.bolt"))
	if err != nil {
		metrics.RegisterComponent("desired_state_store", false, err.Error())
		return nil, err
	}
	metrics.RegisterComponent("desired_state_store", true, "")

	registry := binaryregistry.New(binsDir)

	sup := supervisor.New(locks, runtime, desired, registry)
	if err := loadInstanceConfigs(sup, instancesDir); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to load some instance configs")
	}
	if err := migrateLegacyState(sup, instancesDir); err != nil {
		log.Logger.Warn().Err(err).Msg("legacy state migration encountered errors")
	}

	return &app{sup: sup}, nil
}

func loadInstanceConfigs(sup *supervisor.Supervisor, instancesDir string) error {
	entries, err := os.ReadDir(instancesDir)
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
		cfgPath := filepath.Join(instancesDir, e.Name(), "config.json")
		if _, statErr := os.Stat(cfgPath); statErr != nil {
			cfgPath = filepath.Join(instancesDir, e.Name(), "config.yaml")
		}
		cfg, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			log.Logger.Warn().Err(loadErr).Str("instance", e.Name()).Msg("skipping invalid config")
			continue
		}
		sup.Configs[cfg.Name] = cfg
	}
	return nil
}

// migrateLegacyState imports a legacy per-instance state file only if
// no runtime record exists yet; the database always wins on conflict;
// the legacy file is deleted either way once consulted.
func migrateLegacyState(sup *supervisor.Supervisor, instancesDir string) error {
	entries, err := os.ReadDir(instancesDir)
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
		legacyPath := filepath.Join(instancesDir, e.Name(), "legacy_state.json")
		if _, statErr := os.Stat(legacyPath); statErr != nil {
			continue
		}

		existing, getErr := sup.Runtime.Get(e.Name())
		if getErr == nil && existing == nil {
			if rec, parseErr := parseLegacyState(legacyPath, e.Name()); parseErr == nil {
				_ = sup.Runtime.Upsert(rec)
			}
		}
		_ = os.Remove(legacyPath)
	}
	return nil
}

// parseLegacyState reads the old per-instance state file format. Only
// the status and pid fields are trusted; the reconciler corrects
// anything stale on its next tick regardless.
func parseLegacyState(path, name string) (*types.InstanceRuntimeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var legacy struct {
		Status string `json:"status"`
		PID    *int   `json:"pid"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	return &types.InstanceRuntimeRecord{
		Name:      name,
		PID:       legacy.PID,
		Status:    types.InstanceStatus(legacy.Status),
		Health:    types.HealthUnknown,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// --- instance commands ---

var instanceCmd = &cobra.Command{Use: "instance", Short: "Manage inference-server instances"}

var instanceStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		cfg, ok := a.sup.Configs[args[0]]
		if !ok {
			return fmt.Errorf("no configuration loaded for instance %q", args[0])
		}
		rec, err := a.sup.Start(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("instance %q: %s (pid=%v)\n", rec.Name, rec.Status, rec.PID)
		return nil
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		a, err := openApp()
		if err != nil {
			return err
		}
		rec, err := a.sup.Stop(args[0], force, 10*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("instance %q: %s\n", rec.Name, rec.Status)
		return nil
	},
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Restart an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		a, err := openApp()
		if err != nil {
			return err
		}
		rec, err := a.sup.Restart(args[0], force)
		if err != nil {
			return err
		}
		fmt.Printf("instance %q: %s (restart_count=%d)\n", rec.Name, rec.Status, rec.RestartCount)
		return nil
	},
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show one instance's runtime status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		rec, err := a.sup.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\tstatus=%s\thealth=%s\tpid=%v\n", rec.Name, rec.Status, rec.Health, rec.PID)
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every configured instance's runtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		records, err := a.sup.List()
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("%s\tstatus=%s\thealth=%s\tpid=%v\n", rec.Name, rec.Status, rec.Health, rec.PID)
		}
		return nil
	},
}

var instanceLogsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print an instance's stdout log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		cfg, ok := a.sup.Configs[args[0]]
		if !ok {
			return fmt.Errorf("no configuration loaded for instance %q", args[0])
		}
		path := renderLogPath(cfg.Logs.Stdout, cfg.Name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func renderLogPath(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}

func init() {
	instanceStopCmd.Flags().Bool("force", false, "Force-kill instead of graceful stop")
	instanceRestartCmd.Flags().Bool("force", false, "Force-kill instead of graceful stop")
	instanceCmd.AddCommand(instanceStartCmd, instanceStopCmd, instanceRestartCmd, instanceStatusCmd, instanceListCmd, instanceLogsCmd)
}

// --- binary commands ---

var binaryCmd = &cobra.Command{Use: "binary", Short: "Manage installed inference-server binaries"}

var binaryInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a binary artifact from the upstream release host",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		variant, _ := cmd.Flags().GetString("variant")
		sha, _ := cmd.Flags().GetString("sha256")
		sourceURL, _ := cmd.Flags().GetString("source-url")

		a, err := openApp()
		if err != nil {
			return err
		}
		entry, err := a.sup.Registry.Install(binaryregistry.InstallOptions{
			Version: version, Variant: variant, SourceURL: sourceURL, PinnedSHA256: sha,
		})
		if err != nil {
			return err
		}
		fmt.Printf("installed %s (%s/%s)\n", entry.ID, entry.Version, entry.Variant)
		return nil
	},
}

var binaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed binaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		entries, err := a.sup.Registry.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s/%s\t%s\n", e.ID, e.Version, e.Variant, e.InstalledAt.Format(time.RFC3339))
		}
		return nil
	},
}

var binaryRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Uninstall a binary by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		return a.sup.Registry.Uninstall(args[0])
	},
}

var binaryDefaultCmd = &cobra.Command{
	Use:   "default <id>",
	Short: "Set the default binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		return a.sup.Registry.SetDefault(args[0])
	},
}

var binaryCheckUpdatesCmd = &cobra.Command{
	Use:   "check-updates",
	Short: "Check for a newer release upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, _ := cmd.Flags().GetString("variant")
		a, err := openApp()
		if err != nil {
			return err
		}
		entries, err := a.sup.Registry.List()
		if err != nil {
			return err
		}
		latest, hasUpdate, err := binaryregistry.CheckUpdates(entries, variant, nil)
		if err != nil {
			return err
		}
		if hasUpdate {
			fmt.Printf("update available: %s\n", latest)
		} else {
			fmt.Println("up to date")
		}
		return nil
	},
}

func init() {
	binaryInstallCmd.Flags().String("version", "latest", "Release tag, or \"latest\"")
	binaryInstallCmd.Flags().String("variant", "", "Platform/accelerator variant tag")
	binaryInstallCmd.Flags().String("sha256", "", "Pinned SHA-256 to verify against")
	binaryInstallCmd.Flags().String("source-url", "", "Override download URL")
	binaryCheckUpdatesCmd.Flags().String("variant", "", "Variant to check")
	binaryCmd.AddCommand(binaryInstallCmd, binaryListCmd, binaryRemoveCmd, binaryDefaultCmd, binaryCheckUpdatesCmd)
}

// --- daemon command ---

var daemonCmd = &cobra.Command{Use: "daemon", Short: "Run the supervisor daemon loops"}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run health monitor + reconciler in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir := filepath.Join(projectDir, "state")
		pidPath := filepath.Join(stateDir, "daemon.pid")
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return err
		}
		defer os.Remove(pidPath)

		a, err := openApp()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		monitor := health.NewMonitor(func(mctx context.Context, name string) {
			metrics.InstanceRestartsTotal.WithLabelValues(name, "health").Inc()
			if _, restartErr := a.sup.Restart(name, false); restartErr != nil {
				log.Logger.Error().Err(restartErr).Str("instance", name).Msg("restart-on-unhealthy failed")
			}
		})
		monitor.OnResult = func(name string, result types.HealthCheckResult) {
			probe := string(types.ProbeHTTP)
			if cfg, ok := a.sup.Configs[name]; ok {
				probe = string(cfg.HealthCheck.Type)
			}
			metrics.HealthCheckDuration.WithLabelValues(name, probe).Observe(float64(result.ElapsedMS) / 1000)
			a.sup.RecordHealthResult(name, result)
		}
		for name, cfg := range a.sup.Configs {
			rec, statusErr := a.sup.Status(name)
			if statusErr == nil && rec.Status == types.InstanceRunning {
				monitor.Watch(name, supervisor.ProberFor(cfg), supervisor.HealthPolicyFor(cfg))
			}
		}
		monitor.Start(ctx)
		defer monitor.Stop()

		rec := reconciler.New(a.sup.Runtime, reconciler.DefaultInterval, true, "llama-server")
		rec.Start()
		defer rec.Stop()

		retentionDays, _ := cmd.Flags().GetInt("event-retention-days")
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
					if n, purgeErr := a.sup.Runtime.PurgeEventsOlderThan(cutoff); purgeErr == nil && n > 0 {
						log.Logger.Debug().Int64("purged", n).Msg("expired old events")
					}
				}
			}
		}()

		collector := metrics.NewCollector(a.sup)
		collector.Start()
		defer collector.Stop()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if srvErr := metricsSrv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Logger.Error().Err(srvErr).Msg("metrics server stopped")
			}
		}()
		defer metricsSrv.Shutdown(context.Background())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		log.Logger.Info().Msg("hutchd daemon running")
		<-sigCh
		log.Logger.Info().Msg("hutchd daemon shutting down")
		return nil
	},
}

func init() {
	daemonRunCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live on")
	daemonRunCmd.Flags().Int("event-retention-days", 30, "Purge events older than this many days")
	daemonCmd.AddCommand(daemonRunCmd)
}
