// Package orphan implements orphan-entity detection and recovery (spec.md
// §4.6 "Orphan types" / "Recovery actions"), grounded on
// steveyegge-vc/internal/watchdog's reconciliation pass generalized from a
// single fixed sweep into the six typed orphan classes spec.md names.
package orphan

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/phases/vcsutil"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
	"github.com/loomhq/loomd/internal/vcs"
)

// Type enumerates the orphan classes spec.md §4.6 names.
type Type string

const (
	TypeInvalidTaskID     Type = "invalid_task_id"
	TypeStaleTaskID       Type = "stale_task_id"
	TypeUntrackedBuilding Type = "untracked_building"
	TypeStaleHeartbeat    Type = "stale_heartbeat"
	TypeOrphanPR          Type = "orphan_pr"
	TypeSpinningPR        Type = "spinning_pr"
)

// Orphan is one detected orphaned entity.
type Orphan struct {
	Type        Type
	ShepherdID  string // set for shepherd-rooted orphans
	Issue       string
	PRNumber    int
	Detail      string
}

// Thresholds bundles the grace-period tunables orphan detection consults
// (spec.md §6 "Staleness", "Spinning").
type Thresholds struct {
	HeartbeatStale          time.Duration
	HeartbeatGracePeriod    time.Duration
	HeartbeatActiveGrace    time.Duration
	StartupGracePeriod      time.Duration
	NoProgressGracePeriod   time.Duration
	SpinningReviewThreshold int
}

// Detect runs the six orphan checks against one snapshot worth of state.
// outputExists reports whether a task's output file still exists;
// taskDirHasOutput reports whether any output exists under the per-task
// directory (spec.md §4.6 "stale_task_id").
func Detect(
	ctx context.Context,
	now time.Time,
	daemon *statestore.DaemonState,
	progress map[string]*statestore.ShepherdProgress, // keyed by task_id
	buildingIssues []*tracker.Issue,
	reviewRequestedPRs []*tracker.PullRequest,
	changesRequestedPRs []*tracker.PullRequest,
	reviewCounts map[int]int, // PR number -> CHANGES_REQUESTED review count
	claimsMgr *claims.Manager,
	outputExists func(taskID string) bool,
	taskDirHasOutput func(taskID string) bool,
	th Thresholds,
) ([]Orphan, error) {
	var orphans []Orphan

	for id, entry := range daemon.Shepherds {
		if entry.Status != statestore.ShepherdWorking {
			continue
		}
		if !clock.IsValidTaskID(entry.TaskID) {
			orphans = append(orphans, Orphan{Type: TypeInvalidTaskID, ShepherdID: id, Issue: entry.Issue, Detail: "task_id " + entry.TaskID + " fails canonical regex"})
			continue
		}
		if !outputExists(entry.TaskID) && !taskDirHasOutput(entry.TaskID) {
			orphans = append(orphans, Orphan{Type: TypeStaleTaskID, ShepherdID: id, Issue: entry.Issue, Detail: "no output for task " + entry.TaskID})
			continue
		}
	}

	workingIssues := map[string]bool{}
	for _, entry := range daemon.Shepherds {
		if entry.Status == statestore.ShepherdWorking && entry.Issue != "" {
			workingIssues[entry.Issue] = true
		}
	}
	for _, issue := range buildingIssues {
		issueNum := fmt.Sprintf("%d", issue.Number)
		if workingIssues[issueNum] {
			continue
		}
		fresh := false
		for _, p := range progress {
			if p.Issue == issueNum && now.Sub(p.LastHeartbeat) < th.HeartbeatStale {
				fresh = true
				break
			}
		}
		if fresh {
			continue
		}
		held, err := claimsMgr.IsHeldValid(issueNum)
		if err != nil {
			return nil, fmt.Errorf("checking claim for issue %s: %w", issueNum, err)
		}
		if held {
			continue
		}
		orphans = append(orphans, Orphan{Type: TypeUntrackedBuilding, Issue: issueNum, Detail: "labelled building with no tracked owner"})
	}

	for taskID, p := range progress {
		if p.Status != statestore.ProgressWorking {
			continue
		}
		grace := th.HeartbeatGracePeriod
		if !p.LastHeartbeat.IsZero() && p.LastHeartbeat.After(p.StartedAt) {
			grace = th.HeartbeatActiveGrace
		}
		if now.Sub(p.StartedAt) < grace {
			continue
		}
		if now.Sub(p.LastHeartbeat) > th.HeartbeatStale {
			orphans = append(orphans, Orphan{Type: TypeStaleHeartbeat, ShepherdID: taskID, Issue: p.Issue, Detail: "heartbeat stale"})
		}
	}

	trackedPR := map[int]bool{}
	for _, entry := range daemon.Shepherds {
		if entry.Status == statestore.ShepherdWorking && entry.PRNumber != 0 {
			trackedPR[entry.PRNumber] = true
		}
	}
	var awaiting []*tracker.PullRequest
	awaiting = append(awaiting, reviewRequestedPRs...)
	awaiting = append(awaiting, changesRequestedPRs...)
	for _, pr := range awaiting {
		if trackedPR[pr.Number] {
			continue
		}
		orphans = append(orphans, Orphan{Type: TypeOrphanPR, PRNumber: pr.Number, Detail: "awaiting phase with no tracking shepherd"})
	}

	for pr, count := range reviewCounts {
		if count >= th.SpinningReviewThreshold {
			orphans = append(orphans, Orphan{Type: TypeSpinningPR, PRNumber: pr, Detail: fmt.Sprintf("%d CHANGES_REQUESTED reviews", count)})
		}
	}

	return orphans, nil
}

// Action is one idempotent recovery step (spec.md §4.6 "Recovery actions").
type Action string

const (
	ActionResetShepherd       Action = "reset_shepherd"
	ActionResetIssueLabel     Action = "reset_issue_label"
	ActionMarkProgressErrored Action = "mark_progress_errored"
	ActionKillSession         Action = "kill_session"
)

// Recoverer performs the recovery actions against real collaborators. VCS
// is optional: when nil, ResetIssueLabel skips stale-worktree cleanup.
type Recoverer struct {
	Store   *statestore.Store
	Tracker tracker.Tracker
	Host    sessionhost.SessionHost
	Clock   clock.Clock
	VCS     vcs.VCS
}

// ResetShepherd marks a daemon-state shepherd entry idle (spec.md §4.6
// "reset_shepherd").
func (r *Recoverer) ResetShepherd(ctx context.Context, shepherdID string) error {
	return statestore.Update(r.Store, r.Store.DaemonStatePath(), func(d *statestore.DaemonState) error {
		entry, ok := d.Shepherds[shepherdID]
		if !ok {
			return nil
		}
		entry.Status = statestore.ShepherdIdle
		entry.StartupWarningAt = nil
		entry.IdleReason = "orphan_recovery"
		now := r.Clock.Now()
		entry.IdleSince = &now
		entry.Issue = ""
		entry.TaskID = ""
		entry.Started = nil
		return nil
	})
}

// ResetIssueLabel swaps `building` for `issue` on the tracker, attaches a
// recovery-explanation comment, and -- when the worktree is stale (0 commits
// ahead of main and only build-artifact uncommitted changes) -- removes the
// worktree and deletes its local and remote branches (spec.md §4.6
// "reset_issue_label").
func (r *Recoverer) ResetIssueLabel(ctx context.Context, issueNumber int, reason string) error {
	if err := r.Tracker.RemoveLabel(ctx, issueNumber, "building", "loomd"); err != nil {
		return fmt.Errorf("removing building label: %w", err)
	}
	if err := r.Tracker.AddLabel(ctx, issueNumber, "issue", "loomd"); err != nil {
		return fmt.Errorf("adding issue label: %w", err)
	}

	cleaned, cleanErr := r.cleanStaleWorktree(ctx, issueNumber)

	comment := fmt.Sprintf("Automated recovery: reset to `issue` state.\n\nReason: %s", reason)
	if cleaned {
		comment += "\n\nThe stale worktree had no substantive unpushed work; its local and remote branches were deleted."
	} else if cleanErr != nil {
		comment += fmt.Sprintf("\n\nNote: worktree cleanup was attempted but failed: %v", cleanErr)
	}
	return r.Tracker.AddIssueComment(ctx, issueNumber, comment)
}

// cleanStaleWorktree removes the issue's worktree and deletes its branch
// when it is safe to do so: 0 commits ahead of main, and any uncommitted
// changes are build-artifact/marker noise rather than substantive work. It
// reports false, nil when there is nothing to clean (no VCS wired, no
// worktree present, or the worktree is not stale).
func (r *Recoverer) cleanStaleWorktree(ctx context.Context, issueNumber int) (bool, error) {
	if r.VCS == nil {
		return false, nil
	}
	worktree := r.Store.WorktreePath(fmt.Sprintf("%d", issueNumber))

	branch, err := r.VCS.CurrentBranch(ctx, worktree)
	if err != nil {
		return false, nil // no worktree to clean up
	}

	ahead, _, err := r.VCS.CommitsAheadBehind(ctx, worktree, "main")
	if err != nil {
		return false, fmt.Errorf("checking commits ahead of main: %w", err)
	}
	if ahead > 0 {
		return false, nil
	}

	status, err := r.VCS.Status(ctx, worktree)
	if err != nil {
		return false, fmt.Errorf("getting worktree status: %w", err)
	}
	var changed []string
	changed = append(changed, status.Modified...)
	changed = append(changed, status.Untracked...)
	changed = append(changed, status.Deleted...)
	changed = append(changed, status.Staged...)
	if vcsutil.HasSubstantiveChanges(changed) {
		return false, nil
	}

	repoRoot := r.Store.RepoRoot()
	if err := r.VCS.RemoveWorktree(ctx, repoRoot, worktree); err != nil {
		return false, fmt.Errorf("removing worktree: %w", err)
	}
	if err := r.VCS.DeleteBranch(ctx, repoRoot, branch, true); err != nil {
		return false, fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return true, nil
}

// MarkProgressErrored flips a progress file to errored and appends an error
// milestone (spec.md §4.6 "mark_progress_errored").
func (r *Recoverer) MarkProgressErrored(ctx context.Context, taskID, reason string) error {
	path := r.Store.ProgressPath(taskID)
	return statestore.Update(r.Store, path, func(p *statestore.ShepherdProgress) error {
		p.Status = statestore.ProgressErrored
		p.AddMilestone("error", r.Clock.Now(), map[string]interface{}{"reason": reason})
		return nil
	})
}

// KillSession captures scrollback to a timestamped diagnostic log, then
// kills the session gracefully before a hard kill (spec.md §4.6
// "kill_session + save_diagnostic").
func (r *Recoverer) KillSession(ctx context.Context, name string) error {
	scrollback, err := r.Host.Capture(ctx, name, 500)
	if err != nil {
		scrollback = fmt.Sprintf("(capture failed: %v)", err)
	}
	diagPath := r.Store.StallDiagnosticPath(fmt.Sprintf("%s-%d", name, r.Clock.Now().Unix()))
	if err := r.Store.StoreDoc(diagPath, map[string]string{"session": name, "scrollback": scrollback}); err != nil {
		return fmt.Errorf("saving diagnostic: %w", err)
	}
	if err := r.Host.Kill(ctx, name, true); err != nil {
		return r.Host.Kill(ctx, name, false)
	}
	return nil
}
