// Package main is the entrypoint for the stackctl CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackops/stackctl/internal/archive"
	"github.com/stackops/stackctl/internal/backup"
	"github.com/stackops/stackctl/internal/config"
	"github.com/stackops/stackctl/internal/deploy"
	"github.com/stackops/stackctl/internal/health"
	"github.com/stackops/stackctl/internal/history"
	"github.com/stackops/stackctl/internal/inventory"
	"github.com/stackops/stackctl/internal/lock"
	"github.com/stackops/stackctl/internal/offsite"
	"github.com/stackops/stackctl/internal/restore"
	stackruntime "github.com/stackops/stackctl/internal/runtime"
	"github.com/stackops/stackctl/internal/sched"
	"github.com/stackops/stackctl/internal/status"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// errDegraded marks runs that completed but left part of the stack in a
// failed or unhealthy state. main maps it to exit code 2.
var errDegraded = errors.New("completed with degraded result")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errDegraded) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "stackctl",
		Short: "Lifecycle controller for a stateful service stack",
		Long: `stackctl manages the lifecycle of a multi-service stack with durable
volumes: consistent backups, verified restores, and zero-downtime deploys.

Stack layout comes from an inventory file; runtime settings come from the
config file (default ~/.stackctl/config.yml) and STACKCTL_* environment
variables.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newBackupCmd(&configPath, &logLevel),
		newRestoreCmd(&configPath, &logLevel),
		newDeployCmd(&configPath, &logLevel),
		newHealthCmd(&configPath, &logLevel),
		newStatusCmd(&configPath, &logLevel),
		newPruneCmd(&configPath, &logLevel),
		newScheduleCmd(&configPath, &logLevel),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stackctl %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// app bundles the pieces every operational command needs.
type app struct {
	cfg    *config.Config
	inv    *inventory.Inventory
	logger zerolog.Logger
}

func newApp(configPath, logLevel string) (*app, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if configPath == "" {
		configPath, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	inv, err := inventory.Load(cfg.InventoryPath)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	inv.ApplyProbeTimeout(cfg.ProbeTimeout.Std())

	return &app{cfg: cfg, inv: inv, logger: logger}, nil
}

func (a *app) archiver() *archive.Archiver {
	return archive.NewArchiver(archive.NewHostDriver(a.logger), a.logger)
}

func (a *app) aggregator() *health.Aggregator {
	return health.NewAggregator(health.NewProber(a.logger), health.DefaultConfig(), a.logger)
}

func (a *app) manager() *stackruntime.ComposeManager {
	return stackruntime.NewComposeManager(a.cfg.ComposeFile, a.logger)
}

func (a *app) backupOptions() backup.Options {
	return backup.Options{
		DestinationDir: a.cfg.BackupDir,
		RetentionDays:  a.cfg.RetentionDays,
		Workers:        a.cfg.BackupWorkers,
	}
}

// acquireLock takes the stack lock and returns its release func.
func (a *app) acquireLock() (func(), error) {
	l, err := lock.Acquire(a.cfg.LockPath, a.logger)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to release stack lock")
		}
	}, nil
}

// recordHistory persists a run record. History failures are logged, never
// fatal: the operation itself already completed.
func (a *app) recordHistory(ctx context.Context, run *history.Run) {
	store, err := history.Open(a.cfg.HistoryPath, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("history store unavailable")
		return
	}
	defer store.Close()
	if err := store.RecordRun(ctx, run); err != nil {
		a.logger.Warn().Err(err).Msg("failed to record run history")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func marshalDetail(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func newBackupCmd(configPath, logLevel *string) *cobra.Command {
	var (
		dir           string
		retentionDays int
		jsonOut       bool
		skipOffsite   bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up every stack volume and the config bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			release, err := a.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			opts := a.backupOptions()
			if dir != "" {
				opts.DestinationDir = dir
			}
			if retentionDays > 0 {
				opts.RetentionDays = retentionDays
			}

			return runBackup(ctx, a, opts, jsonOut, skipOffsite)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "backup destination directory")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "prune backups older than this many days")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the manifest as JSON")
	cmd.Flags().BoolVar(&skipOffsite, "skip-offsite", false, "skip the offsite copy even when configured")

	return cmd
}

func runBackup(ctx context.Context, a *app, opts backup.Options, jsonOut, skipOffsite bool) error {
	startedAt := time.Now().UTC()
	orch := backup.NewOrchestrator(a.inv, a.archiver(), a.logger)

	manifest, backupDir, err := orch.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	if a.cfg.Offsite.Enabled() && !skipOffsite {
		uploader := offsite.NewUploader(a.cfg.Offsite, a.logger)
		if _, upErr := uploader.UploadDir(ctx, backupDir); upErr != nil {
			a.logger.Error().Err(upErr).Msg("offsite copy failed, local backup is intact")
			manifest.OverallSuccess = false
		}
	}

	a.recordHistory(ctx, &history.Run{
		Kind:        history.KindBackup,
		StackName:   a.inv.StackName,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
		Success:     manifest.OverallSuccess,
		Degraded:    !manifest.OverallSuccess,
		Detail:      marshalDetail(manifest),
	})

	if jsonOut {
		if err := printJSON(manifest); err != nil {
			return err
		}
	} else {
		succeeded, failed := manifest.Counts()
		fmt.Printf("Backup written to %s\n", backupDir)
		fmt.Printf("  Volumes: %d ok, %d failed  Configs: %d\n", succeeded, failed, len(manifest.Configs))
		for _, v := range manifest.Volumes {
			if !v.Success {
				fmt.Printf("  FAILED volume %s: %s\n", v.Name, v.Error)
			}
		}
	}

	if !manifest.OverallSuccess {
		return errDegraded
	}
	return nil
}

func newRestoreCmd(configPath, logLevel *string) *cobra.Command {
	var (
		dryRun  bool
		force   bool
		volumes []string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "restore <backup-path>",
		Short: "Restore volumes from a backup",
		Long: `Restore replaces volume contents from an earlier backup. The affected
components are stopped first and always restarted afterwards, whether or
not every volume restored cleanly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			release, err := a.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			startedAt := time.Now().UTC()
			orch := restore.NewOrchestrator(a.inv, a.archiver(), a.manager(), a.aggregator(), confirmPrompt, a.logger)

			result, err := orch.Run(ctx, restore.Options{
				ManifestPath:   args[0],
				DryRun:         dryRun,
				Force:          force,
				VolumeFilter:   volumes,
				StopTimeout:    a.cfg.StopTimeout.Std(),
				HealthDeadline: a.cfg.HealthDeadline.Std(),
			})
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}

			if !dryRun {
				a.recordHistory(ctx, &history.Run{
					ID:          result.RunID,
					Kind:        history.KindRestore,
					StackName:   a.inv.StackName,
					StartedAt:   startedAt,
					CompletedAt: time.Now().UTC(),
					Success:     result.Success,
					Degraded:    result.Degraded,
					Detail:      marshalDetail(result),
				})
			}

			if jsonOut {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printRestoreResult(result)
			}

			if result.Degraded {
				return errDegraded
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report the plan without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().StringArrayVar(&volumes, "volume", nil, "restore only the named volume (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")

	return cmd
}

func printRestoreResult(result *restore.Result) {
	if result.DryRun {
		fmt.Printf("Dry run: would restore %s\n", strings.Join(result.Planned, ", "))
	} else {
		fmt.Printf("Restore %s: phase=%s success=%v\n", result.RunID, result.Phase, result.Success)
		for _, v := range result.Volumes {
			if !v.Restored {
				fmt.Printf("  FAILED volume %s: %s\n", v.Name, v.Error)
			}
		}
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

// confirmPrompt asks for an explicit yes on stdin. Anything but "y"/"yes"
// declines.
func confirmPrompt(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newDeployCmd(configPath, logLevel *string) *cobra.Command {
	var (
		quick   bool
		pull    bool
		profile string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Roll the stack with a pre-deploy backup and health verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			release, err := a.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			startedAt := time.Now().UTC()
			orch := deploy.NewOrchestrator(a.inv, backup.NewOrchestrator(a.inv, a.archiver(), a.logger), a.manager(), a.aggregator(), a.logger)

			opts := deploy.DefaultOptions()
			opts.SkipBackup = quick
			opts.PullImages = pull
			opts.Profile = profile
			opts.DrainSeconds = a.cfg.DrainSeconds
			opts.StopTimeout = a.cfg.StopTimeout.Std()
			opts.HealthDeadline = a.cfg.HealthDeadline.Std()
			opts.Backup = a.backupOptions()

			result, err := orch.Run(ctx, opts)
			if err != nil {
				return fmt.Errorf("deploy: %w", err)
			}

			a.recordHistory(ctx, &history.Run{
				ID:          result.RunID,
				Kind:        history.KindDeploy,
				StackName:   a.inv.StackName,
				StartedAt:   startedAt,
				CompletedAt: time.Now().UTC(),
				Success:     result.Outcome == deploy.OutcomeSucceeded,
				Degraded:    result.Outcome == deploy.OutcomeDegradedSucceeded,
				Detail:      marshalDetail(result),
			})

			if jsonOut {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				fmt.Printf("Deploy %s: %s\n", result.RunID, result.Outcome)
				if failed := result.FailedComponents(); len(failed) > 0 {
					fmt.Printf("  Degraded components: %s\n", strings.Join(failed, ", "))
				}
			}

			switch result.Outcome {
			case deploy.OutcomeSucceeded:
				return nil
			case deploy.OutcomeDegradedSucceeded:
				return errDegraded
			default:
				return fmt.Errorf("deploy failed")
			}
		},
	}

	cmd.Flags().BoolVar(&quick, "quick", false, "skip the pre-deploy backup")
	cmd.Flags().BoolVar(&pull, "pull", false, "pull fresh images before starting")
	cmd.Flags().StringVar(&profile, "profile", "", "deploy only components carrying this profile")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")

	return cmd
}

func newHealthCmd(configPath, logLevel *string) *cobra.Command {
	var (
		jsonOut bool
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every component and report aggregate stack health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			agg := a.aggregator()
			var report *health.Report
			if wait > 0 {
				report = agg.WaitUntilHealthy(ctx, a.inv, wait)
			} else {
				report = agg.Check(ctx, a.inv)
			}

			if jsonOut {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, c := range report.Components {
					line := fmt.Sprintf("%-20s %s", c.Name, c.Status)
					if c.Detail != "" {
						line += "  (" + c.Detail + ")"
					}
					fmt.Println(line)
				}
				fmt.Printf("stack healthy: %v\n", report.Healthy)
			}

			if !report.Healthy {
				return errDegraded
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep rechecking until healthy or this deadline elapses")

	return cmd
}

func newStatusCmd(configPath, logLevel *string) *cobra.Command {
	var (
		jsonOut bool
		runs    int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show host resources and recent run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			host := status.NewCollector(a.cfg.BackupDir).Collect(ctx)

			var recent []*history.Run
			if store, err := history.Open(a.cfg.HistoryPath, a.logger); err == nil {
				recent, _ = store.RecentRuns(ctx, runs)
				store.Close()
			}

			if jsonOut {
				return printJSON(struct {
					Host *status.HostStatus `json:"host"`
					Runs []*history.Run     `json:"runs,omitempty"`
				}{host, recent})
			}

			fmt.Printf("Stack: %s (%d components)\n", a.inv.StackName, len(a.inv.Components))
			fmt.Printf("CPU: %.1f%%  Memory: %.1f%%  Root disk: %.1f%%\n", host.CPUUsage, host.MemoryUsage, host.RootDiskUsage)
			if host.BackupDirExists {
				fmt.Printf("Backup dir %s: %.1f GiB free\n", host.BackupDir, float64(host.BackupFreeBytes)/(1<<30))
			} else if host.BackupDir != "" {
				fmt.Printf("Backup dir %s: missing\n", host.BackupDir)
			}
			for _, r := range recent {
				verdict := "ok"
				if r.Degraded {
					verdict = "degraded"
				} else if !r.Success {
					verdict = "failed"
				}
				fmt.Printf("%s  %-7s %-8s %s\n", r.StartedAt.Format(time.RFC3339), r.Kind, verdict, r.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print status as JSON")
	cmd.Flags().IntVar(&runs, "runs", 10, "number of recent runs to show")

	return cmd
}

func newPruneCmd(configPath, logLevel *string) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove backups older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			days := a.cfg.RetentionDays
			if retentionDays > 0 {
				days = retentionDays
			}

			result, err := backup.Prune(a.cfg.BackupDir, days, a.logger)
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}

			fmt.Printf("Removed %d, kept %d, skipped %d\n", len(result.Removed), len(result.Kept), len(result.Skipped))
			for _, name := range result.Removed {
				fmt.Printf("  removed %s\n", name)
			}
			for _, name := range result.Skipped {
				fmt.Printf("  skipped %s (unreadable manifest)\n", name)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override the configured retention window")

	return cmd
}

func newScheduleCmd(configPath, logLevel *string) *cobra.Command {
	var expression string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run unattended backups on a cron schedule",
		Long: `Schedule runs in the foreground and fires a full backup on the given
cron expression (standard 5-field syntax). Stop it with SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, *logLevel)
			if err != nil {
				return err
			}

			expr := a.cfg.Schedule
			if expression != "" {
				expr = expression
			}
			if expr == "" {
				return fmt.Errorf("no schedule configured: set schedule in the config file or pass --cron")
			}

			ctx, cancel := signalContext()
			defer cancel()

			runner := func(runCtx context.Context) error {
				release, err := a.acquireLock()
				if err != nil {
					return err
				}
				defer release()
				return runBackup(runCtx, a, a.backupOptions(), false, false)
			}

			scheduler := sched.NewScheduler(expr, runner, a.logger)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			scheduler.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&expression, "cron", "", "cron expression, overrides the configured schedule")

	return cmd
}
