package phases

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/tracker"
)

// Doctor is satisfied iff the PR carries `review-requested` (work
// re-submitted after a fix); any other state fails (spec.md §4.4 "Doctor").
func Doctor(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options, prNumber int) (Result, error) {
	pr, err := pc.Tracker.GetPR(ctx, prNumber)
	if err != nil {
		return Result{}, fmt.Errorf("fetching pr %d: %w", prNumber, err)
	}
	if pr.HasLabel("review-requested") {
		return Result{Status: Satisfied, Message: "work re-submitted for review"}, nil
	}
	return Result{Status: Failed, Message: fmt.Sprintf("pr %d not resubmitted (missing review-requested)", prNumber)}, nil
}

// LabelRecovery transitions a PR from changes-requested to review-requested
// so Judge can re-evaluate it, used when a Doctor run made commits but
// validation still fails (spec.md §4.5 "Doctor diagnostics... attempt label
// recovery").
func LabelRecovery(ctx context.Context, pc *Context, prNumber int) error {
	if err := pc.Tracker.RemoveLabel(ctx, prNumber, "changes-requested", "loomd"); err != nil {
		return fmt.Errorf("removing changes-requested from pr %d: %w", prNumber, err)
	}
	if err := pc.Tracker.AddLabel(ctx, prNumber, "review-requested", "loomd"); err != nil {
		return fmt.Errorf("adding review-requested to pr %d: %w", prNumber, err)
	}
	return nil
}
