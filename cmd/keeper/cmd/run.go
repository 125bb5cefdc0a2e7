package cmd

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stationops/keeper/internal/gitops"
	"github.com/stationops/keeper/internal/netcheck"
	"github.com/stationops/keeper/internal/notify"
	"github.com/stationops/keeper/internal/provision"
	"github.com/stationops/keeper/internal/report"
	"github.com/stationops/keeper/internal/supervisor"
	"github.com/stationops/keeper/internal/sysinfo"
	"github.com/stationops/keeper/internal/workspace"
	"github.com/stationops/keeper/pkg/config"
	"github.com/stationops/keeper/pkg/logging"
	"github.com/stationops/keeper/pkg/shutdown"
)

// shutdownTimeout bounds the LIFO cleanup chain at cycle end.
const shutdownTimeout = 15 * time.Second

// logMaxBytes rotates the keeper log once it grows past this size.
const logMaxBytes = 10 << 20

var (
	execRestart  bool
	textfilePath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Supervise the worker until a terminal state",
	Long: `Run executes one full keeper cycle: prepare the workspace, probe
connectivity, sync the worker's repository, provision packages and the
virtualenv, then supervise the worker with backoff restarts.

When a repository update lands, keeper restarts itself so the new code
takes effect. By default the restart re-enters the cycle in-process with
fresh state; --exec-restart replaces the process image instead, preserving
the original invocation arguments.`,
	RunE: runKeeper,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&execRestart, "exec-restart", false,
		"replace the process image after a self-update instead of looping in-process")
	runCmd.Flags().StringVar(&textfilePath, "textfile", "",
		"write final metrics to this file in Prometheus text format (node_exporter textfile collector)")
}

func runKeeper(cmd *cobra.Command, args []string) error {
	// One signal registration for the whole process; in-process reloads
	// must not stack handlers.
	ctx, stop := shutdown.NotifyContext(cmd.Context())
	defer stop()

	for {
		reload, exitCode, err := cycle(ctx)
		if err != nil {
			return err
		}
		if !reload {
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		}
		if execRestart {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to resolve own binary for restart: %w", err)
			}
			if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
				return fmt.Errorf("failed to exec restart: %w", err)
			}
		}
		// In-process reload: loop back with all counters discarded.
	}
}

// updateSyncer is the slice of gitops.Syncer the cycle needs.
type updateSyncer interface {
	Sync(ctx context.Context) (*gitops.Outcome, error)
}

// cycleDeps collects the cycle's collaborators behind their narrow
// interfaces so tests can substitute fakes.
type cycleDeps struct {
	prober    netcheck.Prober
	syncer    updateSyncer
	installer provision.PackageInstaller
	env       provision.EnvironmentProvisioner
	runner    supervisor.Runner
	notifier  notify.Notifier
}

// cycle wires the real collaborators and runs one supervision pass.
func cycle(ctx context.Context) (reload bool, exitCode int, err error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return false, 0, err
	}

	logger, err := logging.NewFileLogger("keeper", logging.ParseLevel(cfg.LogLevel), false)
	if err != nil {
		return false, 0, fmt.Errorf("failed to open log: %w", err)
	}
	if err := logger.RotateIfNeeded(logMaxBytes); err != nil {
		logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", map[string]interface{}{"error": err.Error()})
		// Startup misconfiguration is fatal and gets the one allowed alert.
		if cfg.Telegram.Enabled && cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
			n := notify.New(cfg.Telegram, logger)
			n.Notify(ctx, fmt.Sprintf("keeper cannot start: %v", err))
		}
		logger.Close()
		return false, 0, err
	}

	mgr := shutdown.New(shutdownTimeout)
	mgr.Register(func(context.Context) error { return logger.Close() })
	defer mgr.Shutdown()

	metrics := report.NewMetrics()
	if cfg.MetricsAddr != "" {
		srv := report.NewServer(cfg.MetricsAddr, metrics, logger)
		srv.Start()
		mgr.Register(srv.Stop)
	}
	if textfilePath != "" {
		mgr.Register(func(context.Context) error { return metrics.WriteTextfile(textfilePath) })
	}

	notifier := notify.New(cfg.Telegram, logger,
		notify.WithErrorLog(logger.FilePath()),
		notify.WithHostInfo(sysinfo.Summary),
		notify.WithResultHook(func(result string) {
			metrics.Notifications.WithLabelValues(result).Inc()
		}),
	)

	ws := workspace.New(logger)
	if err := ws.Prepare(); err != nil {
		return false, 0, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	deps := &cycleDeps{
		prober: netcheck.New(),
		syncer: gitops.NewSyncer(gitops.NewGitClient(cfg.RepoDir, cfg.Branch),
			logger.WithField("component", "sync"), cfg.ManifestFile),
		installer: provision.NewAptInstaller(logger),
		env:       provision.NewVenvProvisioner(cfg.RepoDir, cfg.ManifestFile, logger),
		runner: &supervisor.ExecRunner{
			Command: cfg.WorkerCommand,
			Args:    cfg.WorkerArgs,
			Dir:     cfg.RepoDir,
		},
		notifier: notifier,
	}

	return runCycle(ctx, cfg, logger, metrics, deps)
}

// runCycle gates on connectivity, syncs the checkout, provisions the
// environment, then supervises the worker. Offline, it skips straight to
// supervision with the existing code and environment.
func runCycle(ctx context.Context, cfg *config.Config, logger *logging.Logger, metrics *report.Metrics, deps *cycleDeps) (reload bool, exitCode int, err error) {
	online := deps.prober.IsOnline(ctx, cfg.ProbeHosts, cfg.ProbeTimeout)
	if !online {
		logger.Warn("No connectivity, skipping update and install", map[string]interface{}{
			"hosts": cfg.ProbeHosts,
		})
	}

	manifestChanged := false
	if online {
		outcome, err := deps.syncer.Sync(ctx)
		if err != nil {
			logger.Warn("Update sync failed, keeping current revision", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			recordSync(metrics, outcome)
			manifestChanged = outcome.ManifestChanged
			if outcome.Updated {
				logger.Info("New revision applied, restarting", map[string]interface{}{
					"revision": outcome.RemoteRevision,
				})
				deps.notifier.Notify(ctx, fmt.Sprintf("Updated to revision %s, restarting keeper.",
					gitops.ShortRevision(outcome.RemoteRevision)))
				// Provision before the reload so the fresh cycle starts
				// against a complete environment.
				if err := provisionAll(ctx, deps, cfg, online, manifestChanged); err != nil {
					logger.Error("Provisioning after update failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
				return true, 0, nil
			}
		}
	}

	if err := provisionAll(ctx, deps, cfg, online, manifestChanged); err != nil {
		deps.notifier.Notify(ctx, fmt.Sprintf("keeper cannot provision the worker environment: %v", err))
		return false, 0, err
	}

	sup := supervisor.New(cfg.Supervisor, deps.runner,
		logger.WithField("component", "supervisor"), deps.notifier, metrics)
	result := sup.Run(ctx)

	logger.Info("Supervision finished", map[string]interface{}{
		"state":     result.State.String(),
		"exit_code": result.ExitCode,
		"runs":      result.Runs,
	})
	return false, result.ExitCode, nil
}

func provisionAll(ctx context.Context, deps *cycleDeps, cfg *config.Config, online, forceEnv bool) error {
	if err := deps.installer.EnsurePackages(ctx, cfg.RequiredPackages, online); err != nil {
		return err
	}
	return deps.env.EnsureEnvironment(ctx, online, forceEnv)
}

// recordSync maps a sync outcome onto the update counters. A cycle where
// local already matched remote counts as neither success nor failure.
func recordSync(m *report.Metrics, out *gitops.Outcome) {
	if !out.FetchOK {
		m.UpdateFailures.WithLabelValues("fetch").Inc()
		return
	}
	if out.Updated {
		m.UpdatesApplied.Inc()
		return
	}
	if out.RemoteRevision == "" {
		// Fetch landed but the upstream tip could not be resolved; no
		// apply was attempted.
		m.UpdateFailures.WithLabelValues("resolve").Inc()
		return
	}
	if out.LocalRevision == out.RemoteRevision {
		return
	}
	if !out.ApplyOK {
		m.UpdateFailures.WithLabelValues("apply").Inc()
	} else if !out.IntegrityOK {
		m.UpdateFailures.WithLabelValues("integrity").Inc()
	}
}
