package phases

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/tracker"
)

// Judge is satisfied if the PR carries `pr` (approved) or
// `changes-requested`; `review-requested` with no decision yet is an
// intermediate state reported distinctly; any other state fails (spec.md
// §4.4 "Judge").
func Judge(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options, prNumber int) (Result, error) {
	pr, err := pc.Tracker.GetPR(ctx, prNumber)
	if err != nil {
		return Result{}, fmt.Errorf("fetching pr %d: %w", prNumber, err)
	}

	switch {
	case pr.HasLabel("pr"):
		return Result{Status: Satisfied, Message: "PR approved"}, nil
	case pr.HasLabel("changes-requested"):
		return Result{Status: Satisfied, Message: "changes requested, handing to doctor"}, nil
	case pr.HasLabel("review-requested"):
		return Result{
			Status:  Failed,
			Message: "review-requested with no decision yet",
			Data:    map[string]interface{}{"intermediate": true},
		}, nil
	default:
		return Result{Status: Failed, Message: fmt.Sprintf("pr %d carries no recognized judge-relevant label", prNumber)}, nil
	}
}
