package main

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// startupSweep runs orphan detection against the session that just crashed
// or exited and applies every recovery action it finds, the "recover=true"
// invocation StartupRecovery's sweep hook is documented to use (spec.md
// §4.12, DESIGN.md's internal/scheduler entry).
func startupSweep(ctx context.Context, priorDaemon *statestore.DaemonState, trk tracker.Tracker, claimsMgr *claims.Manager, recoverer *orphan.Recoverer, clk clock.Clock) error {
	building, err := trk.IssuesByLabel(ctx, "building")
	if err != nil {
		return fmt.Errorf("listing building issues: %w", err)
	}
	reviewRequested, err := trk.PRsByLabel(ctx, "review-requested")
	if err != nil {
		return fmt.Errorf("listing review-requested PRs: %w", err)
	}
	changesRequested, err := trk.PRsByLabel(ctx, "changes-requested")
	if err != nil {
		return fmt.Errorf("listing changes-requested PRs: %w", err)
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

	progress, err := loadAllProgress()
	if err != nil {
		return fmt.Errorf("loading progress files: %w", err)
	}

	orphans, err := orphan.Detect(ctx, clk.Now(), priorDaemon, progress, building, reviewRequested, changesRequested, reviewCounts, claimsMgr,
		func(taskID string) bool { _, err := statestore.Load[statestore.ShepherdProgress](store.ProgressPath(taskID)); return err == nil },
		func(taskID string) bool { _, ok := progress[taskID]; return ok },
		orphanThresholds())
	if err != nil {
		return fmt.Errorf("detecting startup orphans: %w", err)
	}

	for _, o := range orphans {
		logger.Warn("startup recovery: %s (%s)", o.Type, o.Detail)
		if o.ShepherdID != "" {
			if err := recoverer.ResetShepherd(ctx, o.ShepherdID); err != nil {
				logger.Warn("resetting shepherd %s: %v", o.ShepherdID, err)
			}
		}
		if o.Issue != "" {
			var n int
			if _, err := fmt.Sscanf(o.Issue, "%d", &n); err == nil {
				if err := recoverer.ResetIssueLabel(ctx, n, string(o.Type)+": "+o.Detail); err != nil {
					logger.Warn("resetting issue label for %s: %v", o.Issue, err)
				}
			}
		}
	}
	return nil
}

func loadAllProgress() (map[string]*statestore.ShepherdProgress, error) {
	ids, err := store.ListProgressFiles()
	if err != nil {
		return nil, err
	}
	out := map[string]*statestore.ShepherdProgress{}
	for _, id := range ids {
		p, err := statestore.Load[statestore.ShepherdProgress](store.ProgressPath(id))
		if err != nil {
			continue
		}
		out[id] = &p
	}
	return out, nil
}
