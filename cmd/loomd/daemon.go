package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/health"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/phases"
	"github.com/loomhq/loomd/internal/scheduler"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/shepherd"
	"github.com/loomhq/loomd/internal/snapshot"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
	"github.com/loomhq/loomd/internal/vcs"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler loop until signaled",
	Long: `Start loomd's iteration scheduler: acquire the single-daemon PID
lock, run startup recovery, then tick the scheduler loop (poll, snapshot,
supervise, dispatch, persist, backoff) until SIGINT/SIGTERM or the
stop-daemon signal file appears.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	trk, err := newTracker(ctx, cfg)
	if err != nil {
		return err
	}
	host, err := newSessionHost(ctx, cfg)
	if err != nil {
		return err
	}
	gitVCS, err := vcs.NewGit(ctx)
	if err != nil {
		return fmt.Errorf("initializing git: %w", err)
	}

	pid := os.Getpid()
	if err := scheduler.AcquirePIDLock(store, pid); err != nil {
		return err
	}
	defer func() {
		if err := scheduler.ReleasePIDLock(store); err != nil {
			logger.Warn("releasing pid lock: %v", err)
		}
	}()

	sessionID := scheduler.NewSessionID(clk, pid)
	logger.Info("starting daemon session %s (repo root %s)", sessionID, cfg.RepoRoot)

	claimsMgr := claims.New(store)
	recoverer := &orphan.Recoverer{Store: store, Tracker: trk, Host: host, Clock: clk, VCS: gitVCS}

	// The prior session's DaemonState is what orphan detection needs to
	// evaluate; StartupRecovery rotates it to an archive and replaces it
	// with a fresh document, so it must be captured first.
	priorDaemon, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	if err != nil {
		return fmt.Errorf("loading prior daemon state: %w", err)
	}

	sweep := func(ctx context.Context) error {
		return startupSweep(ctx, &priorDaemon, trk, claimsMgr, recoverer, clk)
	}
	if err := scheduler.StartupRecovery(ctx, store, clk, sessionID, sweep); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	phaseCtx := &phases.Context{Tracker: trk, VCS: gitVCS, Store: store, Clock: clk}
	engine := &shepherd.Engine{Host: host, Store: store, Clock: clk, Config: cfg}
	driver := &shepherd.Driver{
		Engine: engine,
		Phases: phaseCtx,
		Claims: claimsMgr,
		Config: cfg,
		Clock:  clk,
		Holder: sessionID,
		BuildSpawn: func(issue *tracker.Issue, taskID, phase, sessionName string) sessionhost.SpawnOptions {
			return sessionhost.SpawnOptions{
				Name:       sessionName,
				WorkingDir: store.WorktreePath(fmt.Sprintf("%d", issue.Number)),
			}
		},
	}

	var healthServer *health.Server
	if cfg.HealthHTTPAddr != "" {
		healthServer = health.NewServer(cfg.HealthHTTPAddr, func() (statestore.HealthMetrics, error) {
			return statestore.Load[statestore.HealthMetrics](store.HealthMetricsPath())
		})
		go func() {
			if err := healthServer.Start(ctx); err != nil {
				logger.Warn("health server: %v", err)
			}
		}()
	}

	sched := &scheduler.Scheduler{
		Store:   store,
		Tracker: trk,
		Claims:  claimsMgr,
		Config:  cfg,
		Clock:   clk,
		Logger:  logger,
		SnapshotBuilder: &snapshot.Builder{
			Tracker: trk,
			Clock:   clk,
			Store:   store,
			Claims:  claimsMgr,
			Config:  cfg,
		},
		Recoverer:    recoverer,
		Health:       &health.Monitor{Store: store, Clock: clk},
		HealthServer: healthServer,
		RunShepherd: func(ctx context.Context, shepherdID, taskID string, issue *tracker.Issue) (shepherd.Result, error) {
			return driver.Run(ctx, issue, taskID)
		},
		SessionID: sessionID,
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s loomd daemon running (session %s)\n", green("✓"), sessionID)

	return sched.Run(ctx)
}

func orphanThresholds() orphan.Thresholds {
	return orphan.Thresholds{
		HeartbeatStale:          cfg.Staleness.HeartbeatStaleThreshold,
		HeartbeatGracePeriod:    cfg.Staleness.HeartbeatGracePeriod,
		HeartbeatActiveGrace:    cfg.Staleness.HeartbeatActiveGracePeriod,
		StartupGracePeriod:      cfg.Staleness.StartupGracePeriod,
		NoProgressGracePeriod:   cfg.Staleness.NoProgressGracePeriod,
		SpinningReviewThreshold: cfg.Spinning.ReviewThreshold,
	}
}
