package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/scheduler"
	"github.com/loomhq/loomd/internal/statestore"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force-run startup recovery without starting the scheduler loop",
	Long: `Rotate the current daemon state to a numbered archive, archive old
health metrics (keeping the last 10), and write a fresh DaemonState — the
same three-step sequence the daemon runs on every startup (spec.md §4.12),
without then entering the scheduler loop.

Refuses to run while a live daemon holds the PID lock; stop it first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup(cmd)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	pid := os.Getpid()
	if err := scheduler.AcquirePIDLock(store, pid); err == nil {
		defer scheduler.ReleasePIDLock(store)
	} else {
		fmt.Printf("%s %v — is loomd already running against this repo root?\n", red("✗"), err)
		return err
	}

	fmt.Printf("%s Rotating previous daemon state\n", cyan("→"))
	clk := clock.Real{}
	if err := scheduler.StartupRecovery(ctx, store, clk, scheduler.NewSessionID(clk, pid), nil); err != nil {
		fmt.Printf("  %s %v\n", red("✗"), err)
		return err
	}
	fmt.Printf("  %s state rotated, metrics archived (keep 10), fresh DaemonState written\n", green("✓"))

	fresh, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	if err == nil {
		fmt.Printf("  New session: %s\n", fresh.DaemonSessionID)
	}
	return nil
}
