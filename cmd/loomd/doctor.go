package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
	"github.com/loomhq/loomd/internal/vcs"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run orphan detection once and report findings",
	Long: `Run the six orphan-entity checks (spec.md §4.6) against the current
daemon state and tracker, reporting every stuck task ID, untracked building
issue, stale heartbeat, orphan PR, and spinning PR found.

By default this is a dry run: findings are reported but nothing is changed.
Pass --fix to apply the matching recovery action for each finding.

Exit codes:
  0 - no orphans found
  1 - orphans found (dry run) or some recovery actions failed with --fix
  2 - could not complete detection (tracker/config error)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(cmd, fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "apply recovery actions for each finding instead of only reporting")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, fix bool) error {
	ctx := cmd.Context()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Printf("Running loomd orphan detection...\n\n")

	trk, err := newTracker(ctx, cfg)
	if err != nil {
		fmt.Printf("%s %v\n", red("✗"), err)
		os.Exit(2)
	}

	daemon, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	if err != nil {
		fmt.Printf("%s reading daemon state: %v\n", red("✗"), err)
		os.Exit(2)
	}

	clk := clock.Real{}
	claimsMgr := claims.New(store)

	fmt.Printf("%s Querying tracker for building issues and in-review PRs\n", cyan("→"))
	building, err := trk.IssuesByLabel(ctx, "building")
	if err != nil {
		fmt.Printf("%s %v\n", red("✗"), err)
		os.Exit(2)
	}
	reviewRequested, err := trk.PRsByLabel(ctx, "review-requested")
	if err != nil {
		fmt.Printf("%s %v\n", red("✗"), err)
		os.Exit(2)
	}
	changesRequested, err := trk.PRsByLabel(ctx, "changes-requested")
	if err != nil {
		fmt.Printf("%s %v\n", red("✗"), err)
		os.Exit(2)
	}

	progress, err := loadAllProgress()
	if err != nil {
		fmt.Printf("%s %v\n", red("✗"), err)
		os.Exit(2)
	}

	reviewCounts := map[int]int{}
	for _, pr := range changesRequested {
		reviews, err := trk.GetPRReviews(ctx, pr.Number)
		if err != nil {
			continue
		}
		count := 0
		for _, rv := range reviews {
			if rv.State == tracker.ReviewChangesRequested {
				count++
			}
		}
		reviewCounts[pr.Number] = count
	}

	orphans, err := orphan.Detect(ctx, clk.Now(), &daemon, progress, building, reviewRequested, changesRequested, reviewCounts, claimsMgr,
		func(taskID string) bool { _, err := statestore.Load[statestore.ShepherdProgress](store.ProgressPath(taskID)); return err == nil },
		func(taskID string) bool { _, ok := progress[taskID]; return ok },
		orphanThresholds())
	if err != nil {
		fmt.Printf("%s detecting orphans: %v\n", red("✗"), err)
		os.Exit(2)
	}

	if len(orphans) == 0 {
		fmt.Printf("\n%s No orphans found\n", green("✓"))
		return nil
	}

	fmt.Printf("\n%s Found %d orphan(s):\n", yellow("⚠"), len(orphans))
	var failed int
	host, hostErr := newSessionHost(ctx, cfg)
	var recoverer *orphan.Recoverer
	if hostErr == nil {
		gitVCS, vcsErr := vcs.NewGit(ctx)
		recoverer = &orphan.Recoverer{Store: store, Tracker: trk, Host: host, Clock: clk}
		if vcsErr == nil {
			recoverer.VCS = gitVCS
		}
	}

	for _, o := range orphans {
		fmt.Printf("  • [%s] %s\n", o.Type, o.Detail)
		if !fix {
			continue
		}
		if recoverer == nil {
			fmt.Printf("    %s cannot apply fix: %v\n", red("✗"), hostErr)
			failed++
			continue
		}
		if err := applyRecovery(ctx, recoverer, o); err != nil {
			fmt.Printf("    %s %v\n", red("✗"), err)
			failed++
			continue
		}
		fmt.Printf("    %s fixed\n", green("✓"))
	}

	if fix {
		if failed > 0 {
			fmt.Printf("\n%s %d recovery action(s) failed\n", red("✗"), failed)
			os.Exit(1)
		}
		fmt.Printf("\n%s all findings fixed\n", green("✓"))
		return nil
	}

	fmt.Printf("\nRun with --fix to apply recovery actions.\n")
	os.Exit(1)
	return nil
}

func applyRecovery(ctx context.Context, r *orphan.Recoverer, o orphan.Orphan) error {
	switch o.Type {
	case orphan.TypeInvalidTaskID, orphan.TypeStaleTaskID, orphan.TypeStaleHeartbeat:
		if o.ShepherdID != "" {
			if err := r.ResetShepherd(ctx, o.ShepherdID); err != nil {
				return err
			}
		}
		return resetIssueIfNumeric(ctx, r, o.Issue, string(o.Type)+": "+o.Detail)
	case orphan.TypeUntrackedBuilding:
		return resetIssueIfNumeric(ctx, r, o.Issue, string(o.Type)+": "+o.Detail)
	case orphan.TypeOrphanPR, orphan.TypeSpinningPR:
		return fmt.Errorf("no automatic recovery action for %s; needs human review", o.Type)
	default:
		return fmt.Errorf("unknown orphan type %s", o.Type)
	}
}

func resetIssueIfNumeric(ctx context.Context, r *orphan.Recoverer, issue, reason string) error {
	if issue == "" {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(issue, "%d", &n); err != nil {
		return nil
	}
	return r.ResetIssueLabel(ctx, n, reason)
}
