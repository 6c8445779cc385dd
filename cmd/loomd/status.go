package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/statestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's current state",
	Long:  `Display the running daemon's iteration count, shepherd pool occupancy, and backoff state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus() error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== loomd status ==="))

	daemon, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	if err != nil {
		return fmt.Errorf("reading daemon state: %w", err)
	}

	if daemon.StartedAt.IsZero() {
		fmt.Printf("  %s no daemon state found — has loomd ever run against this repo root?\n", gray("○"))
		return nil
	}

	statusColor := gray
	statusText := "stopped"
	if daemon.Running {
		statusColor, statusText = green, "running"
	}
	fmt.Printf("  %s %s\n", statusColor("●"), statusColor(statusText))
	fmt.Printf("    Session:    %s\n", daemon.DaemonSessionID)
	fmt.Printf("    Started:    %s\n", daemon.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("    Iteration:  %d\n", daemon.Iteration)
	fmt.Printf("    Completed:  %d issues, %d PRs merged\n", len(daemon.CompletedIssues), daemon.TotalPRsMerged)
	fmt.Println()

	fmt.Printf("%s\n", yellow("Shepherd pool:"))
	if len(daemon.Shepherds) == 0 {
		fmt.Printf("  %s no shepherd slots allocated\n", gray("○"))
	} else {
		for id, entry := range daemon.Shepherds {
			clr := gray
			icon := "○"
			if entry.Status == statestore.ShepherdWorking {
				clr, icon = green, "●"
			}
			line := fmt.Sprintf("  %s %s: %s", clr(icon), id, entry.Status)
			if entry.Issue != "" {
				line += fmt.Sprintf(" (issue %s, task %s)", entry.Issue, entry.TaskID)
			}
			fmt.Println(line)
		}
	}
	fmt.Println()

	fmt.Printf("%s\n", yellow("Iteration timing:"))
	fmt.Printf("  last=%.1fs avg=%.1fs max=%.1fs (%d samples)\n",
		daemon.IterationTiming.LastDurationSeconds, daemon.IterationTiming.AvgDurationSeconds,
		daemon.IterationTiming.MaxDurationSeconds, daemon.IterationTiming.SampleCount)
	if daemon.IterationTiming.ConsecutiveFailures > 0 {
		fmt.Printf("  %s %d consecutive failures, backoff now %.0fs\n",
			red("⚠"), daemon.IterationTiming.ConsecutiveFailures, daemon.IterationTiming.CurrentBackoffSeconds)
	}

	if daemon.SystematicFailure.Active {
		fmt.Println()
		fmt.Printf("%s systematic failure active: %s (count %d)\n", red("✗"), daemon.SystematicFailure.Pattern, daemon.SystematicFailure.Count)
		if daemon.SystematicFailure.CooldownUntil != nil {
			fmt.Printf("  cooldown until %s\n", daemon.SystematicFailure.CooldownUntil.Format(time.RFC3339))
		}
	}

	if len(daemon.Warnings) > 0 {
		fmt.Println()
		fmt.Printf("%s\n", yellow("Warnings:"))
		for _, w := range daemon.Warnings {
			fmt.Printf("  • %s\n", w)
		}
	}

	fmt.Println()
	return nil
}
