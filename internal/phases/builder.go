package phases

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/loomhq/loomd/internal/phases/vcsutil"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// BuilderOptions carries the per-call inputs the Builder validator needs
// beyond the shared Context/Options (spec.md §4.4 "Builder").
type BuilderOptions struct {
	// CachedPRNumber is the shepherd's own remembered PR number, if any
	// (strategy (a) in the PR-discovery order).
	CachedPRNumber int
	// Worktree is the path to the issue's worktree, if one exists.
	Worktree string
	WorktreeExists bool
	// BuilderLog is the captured session log, scanned for a rate-limit
	// prompt marker to classify recovery PR messaging.
	BuilderLog string
	// RetrySearch lets the test suite avoid a real sleep on the bounded
	// eventual-consistency retry (spec.md §4.4 step 3).
	RetrySearch func()
}

var closingKeywordPattern = regexp.MustCompile(`(?i)\b(Closes|Fixes|Resolves)\s+#(\d+)\b`)

var genericTitlePattern = regexp.MustCompile(`(?i)^(fix bug|update code|wip|misc changes?|various fixes?)$`)

const rateLimitMarker = "rate limit"

func branchName(issueNumber int) string { return fmt.Sprintf("feature/issue-%d", issueNumber) }

// Builder is the most involved phase validator (spec.md §4.4 "Builder").
func Builder(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options, bo BuilderOptions) (Result, error) {
	// Step 1: short-circuit on closed issues.
	if issue.State == "closed" {
		pr, err := findAnyPRReferencingIssue(ctx, pc, issue.Number)
		if err != nil {
			return Result{}, err
		}
		if pr != nil {
			return Result{Status: Satisfied, Message: fmt.Sprintf("issue closed with referencing pr %d", pr.Number)}, nil
		}
		if !opts.CheckOnly {
			if err := pc.Tracker.ReopenIssue(ctx, issue.Number); err != nil {
				return Result{}, fmt.Errorf("reopening issue %d: %w", issue.Number, err)
			}
			if !opts.Quiet {
				_ = pc.Tracker.AddIssueComment(ctx, issue.Number, "Automated recovery: issue was closed with no referencing PR found; reopened.")
			}
		}
		return Result{Status: Failed, Message: "issue closed with no PR; reopened", RecoveryAction: RecoveryReopenedIssue}, nil
	}

	// Step 2: find a PR via the ordered strategies.
	pr, strategy, err := findPR(ctx, pc, issue.Number, bo.CachedPRNumber)
	if err != nil {
		return Result{}, err
	}

	// Step 3: eventual-consistency retry if checkpoint says pr_created.
	if pr == nil && bo.WorktreeExists {
		cp, err := statestore.Load[statestore.Checkpoint](statestore.CheckpointPath(bo.Worktree))
		if err != nil {
			return Result{}, fmt.Errorf("loading checkpoint: %w", err)
		}
		if cp.Stage == statestore.CheckpointPRCreated {
			if bo.RetrySearch != nil {
				bo.RetrySearch()
			} else {
				time.Sleep(2 * time.Second)
			}
			pr, strategy, err = findPR(ctx, pc, issue.Number, bo.CachedPRNumber)
			if err != nil {
				return Result{}, err
			}
		}
	}

	if pr != nil {
		return satisfyWithPR(ctx, pc, issue, opts, pr, strategy)
	}

	// Step 5: no PR and no worktree.
	if !bo.WorktreeExists {
		return Result{Status: Failed, Message: "no pr found and no worktree exists"}, nil
	}

	// Steps 6-7: inspect the worktree for substantive uncommitted/unpushed work.
	return mechanicalRecovery(ctx, pc, issue, opts, bo)
}

func findAnyPRReferencingIssue(ctx context.Context, pc *Context, issueNumber int) (*tracker.PullRequest, error) {
	pr, err := pc.Tracker.FindPRReferencingIssue(ctx, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("searching for pr referencing issue %d: %w", issueNumber, err)
	}
	return pr, nil
}

// findPR runs the three ordered discovery strategies (spec.md §4.4 step 2).
func findPR(ctx context.Context, pc *Context, issueNumber, cached int) (*tracker.PullRequest, string, error) {
	if cached != 0 {
		pr, err := pc.Tracker.GetPR(ctx, cached)
		if err == nil && pr != nil && pr.State == "open" {
			return pr, "cached", nil
		}
	}

	pr, err := pc.Tracker.FindPRForBranch(ctx, branchName(issueNumber))
	if err != nil {
		return nil, "", fmt.Errorf("searching pr by branch: %w", err)
	}
	if pr != nil {
		return pr, "branch", nil
	}

	pr, err = findAnyPRReferencingIssue(ctx, pc, issueNumber)
	if err != nil {
		return nil, "", err
	}
	if pr != nil {
		return pr, "body_reference", nil
	}
	return nil, "", nil
}

// satisfyWithPR implements step 4: body/label contract enforcement once a
// PR has been found.
func satisfyWithPR(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options, pr *tracker.PullRequest, strategy string) (Result, error) {
	data := map[string]interface{}{"pr_number": pr.Number, "discovery_strategy": strategy}

	body := pr.Body
	bodyChanged := false

	matches := closingKeywordPattern.FindAllStringSubmatchIndex(body, -1)
	hasCorrect := false
	var rewritten strings.Builder
	last := 0
	for _, m := range matches {
		kwStart, kwEnd := m[0], m[1]
		numStr := body[m[4]:m[5]]
		if numStr == fmt.Sprintf("%d", issue.Number) {
			hasCorrect = true
			continue
		}
		rewritten.WriteString(body[last:kwStart])
		rewritten.WriteString("~~" + body[kwStart:kwEnd] + "~~ (removed: wrong issue)")
		last = kwEnd
		bodyChanged = true
	}
	rewritten.WriteString(body[last:])
	body = rewritten.String()

	if !hasCorrect {
		body = strings.TrimRight(body, "\n") + fmt.Sprintf("\n\nCloses #%d\n", issue.Number)
		bodyChanged = true
	}

	if genericTitlePattern.MatchString(strings.TrimSpace(pr.Title)) {
		data["warning"] = "generic PR title anti-pattern"
	}

	strippedForLen := closingKeywordPattern.ReplaceAllString(body, "")
	minimal := len(strings.TrimSpace(strippedForLen)) < 80 && !strings.Contains(body, "## Summary")
	if minimal {
		body = strings.TrimRight(body, "\n") + "\n\n## Summary\n\n(auto-generated: original body was minimal)\n"
		bodyChanged = true
	}

	if bodyChanged && !opts.CheckOnly {
		if err := pc.Tracker.UpdatePRBody(ctx, pr.Number, body); err != nil {
			return Result{}, fmt.Errorf("updating pr %d body: %w", pr.Number, err)
		}
	}

	if !pr.HasLabel("review-requested") {
		if opts.CheckOnly {
			return Result{Status: Failed, Message: "pr missing review-requested label (check-only)", Data: data}, nil
		}
		if err := pc.Tracker.AddLabel(ctx, pr.Number, "review-requested", "loomd"); err != nil {
			return Result{}, fmt.Errorf("adding review-requested to pr %d: %w", pr.Number, err)
		}
		return Result{Status: Recovered, Message: "applied review-requested label", RecoveryAction: RecoveryAppliedLabel, Data: data}, nil
	}

	return Result{Status: Satisfied, Message: fmt.Sprintf("pr %d satisfied via %s", pr.Number, strategy), Data: data}, nil
}

// mechanicalRecovery implements spec.md §4.4 steps 6-7.
func mechanicalRecovery(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options, bo BuilderOptions) (Result, error) {
	status, err := pc.VCS.Status(ctx, bo.Worktree)
	if err != nil {
		return Result{}, fmt.Errorf("getting worktree status: %w", err)
	}

	var changed []string
	changed = append(changed, status.Modified...)
	changed = append(changed, status.Untracked...)
	changed = append(changed, status.Deleted...)
	changed = append(changed, status.Staged...)

	ahead, _, err := pc.VCS.CommitsAheadBehind(ctx, bo.Worktree, "main")
	if err != nil {
		return Result{}, fmt.Errorf("getting ahead/behind count: %w", err)
	}

	substantiveUncommitted := vcsutil.HasSubstantiveChanges(changed)
	if !substantiveUncommitted && ahead == 0 {
		return Result{Status: Failed, Message: "no substantive changes"}, nil
	}

	if opts.CheckOnly {
		return Result{Status: Failed, Message: "substantive work found but uncommitted/unpushed (check-only, no recovery attempted)"}, nil
	}

	substantive, _ := vcsutil.Classify(changed)
	if len(substantive) > 0 {
		if err := pc.VCS.Stage(ctx, bo.Worktree, substantive); err != nil {
			return Result{}, fmt.Errorf("staging changes: %w", err)
		}
		msg := commitMessageFor(issue.Number, substantive)
		if _, err := pc.VCS.Commit(ctx, bo.Worktree, msg); err != nil {
			return Result{}, fmt.Errorf("committing: %w", err)
		}
	}

	branch, err := pc.VCS.CurrentBranch(ctx, bo.Worktree)
	if err != nil {
		return Result{}, fmt.Errorf("getting current branch: %w", err)
	}
	if err := pc.VCS.Push(ctx, bo.Worktree, branch); err != nil {
		return Result{}, fmt.Errorf("pushing %s: %w", branch, err)
	}

	body, err := recoveryPRBody(ctx, pc, issue, bo)
	if err != nil {
		return Result{}, err
	}

	pr, err := pc.Tracker.CreatePR(ctx, tracker.CreatePROptions{
		Title: fmt.Sprintf("fix: issue #%d", issue.Number),
		Body:  body,
		Head:  branch,
		Base:  "main",
	})
	if err != nil {
		return Result{}, fmt.Errorf("creating recovery pr: %w", err)
	}
	if err := pc.Tracker.AddLabel(ctx, pr.Number, "review-requested", "loomd"); err != nil {
		return Result{}, fmt.Errorf("labelling recovery pr %d: %w", pr.Number, err)
	}

	reason := "validation_failed"
	if strings.Contains(strings.ToLower(bo.BuilderLog), rateLimitMarker) {
		reason = "rate_limited"
	}
	event := statestore.RecoveryEvent{
		Timestamp: pc.Now(),
		Issue:     fmt.Sprintf("%d", issue.Number),
		Reason:    reason,
		Action:    "mechanical_recovery",
		Details:   map[string]interface{}{"pr_number": pr.Number, "branch": branch},
	}
	if err := statestore.Update(pc.Store, pc.Store.RecoveryEventsPath(), func(l *statestore.RecoveryLog) error {
		l.Append(event)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("logging recovery event: %w", err)
	}

	return Result{
		Status:         Recovered,
		Message:        fmt.Sprintf("mechanical recovery created pr %d", pr.Number),
		RecoveryAction: RecoveryMechanical,
		Data:           map[string]interface{}{"pr_number": pr.Number, "reason": reason},
	}, nil
}

func commitMessageFor(issueNumber int, files []string) string {
	return fmt.Sprintf("fix: changes for issue #%d (%d file(s))", issueNumber, len(files))
}

// recoveryPRBody prefers a worker-written .loom/pr-body.md, falling back to
// a synthesized body with diff-stat and commit shortlog (spec.md §4.4 step
// 7).
func recoveryPRBody(ctx context.Context, pc *Context, issue *tracker.Issue, bo BuilderOptions) (string, error) {
	if data, err := os.ReadFile(pc.Store.PRBodyPath()); err == nil {
		body := string(data)
		if !closingKeywordPattern.MatchString(body) {
			body = strings.TrimRight(body, "\n") + fmt.Sprintf("\n\nCloses #%d\n", issue.Number)
		}
		return body, nil
	}

	diffStat, err := pc.VCS.DiffStat(ctx, bo.Worktree, true)
	if err != nil {
		diffStat = "(diffstat unavailable)"
	}
	branch, _ := pc.VCS.CurrentBranch(ctx, bo.Worktree)
	commits, err := pc.VCS.Log(ctx, bo.Worktree, "main")
	if err != nil {
		commits = nil
	}
	var shortlog strings.Builder
	for _, c := range commits {
		fmt.Fprintf(&shortlog, "- %s %s\n", c.Hash, c.Subject)
	}

	note := "recovery"
	if strings.Contains(strings.ToLower(bo.BuilderLog), rateLimitMarker) {
		note = "rate-limited"
	}

	return fmt.Sprintf(
		"Closes #%d\n\n## Summary\n\nAutomated %s PR for branch `%s`.\n\n## Diff stat\n\n```\n%s\n```\n\n## Commits\n\n%s",
		issue.Number, note, branch, diffStat, shortlog.String(),
	), nil
}
