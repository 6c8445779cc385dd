package phases

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/tracker"
)

// Curator is satisfied iff the issue carries the `curated` label; recovery
// applies it (spec.md §4.4 "Curator").
func Curator(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options) (Result, error) {
	if issue.HasLabel("curated") {
		return Result{Status: Satisfied, Message: "issue already curated"}, nil
	}

	if opts.CheckOnly {
		return Result{Status: Failed, Message: "issue not curated (check-only, no recovery attempted)"}, nil
	}

	if err := pc.Tracker.AddLabel(ctx, issue.Number, "curated", "loomd"); err != nil {
		return Result{}, fmt.Errorf("applying curated label to issue %d: %w", issue.Number, err)
	}
	return Result{
		Status:         Recovered,
		Message:        "applied curated label",
		RecoveryAction: RecoveryAppliedLabel,
	}, nil
}
