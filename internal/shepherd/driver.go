package shepherd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/phases"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// LifecycleOutcome is the terminal state a Driver.Run call reaches.
type LifecycleOutcome string

const (
	LifecycleCompleted LifecycleOutcome = "completed"
	LifecycleBlocked   LifecycleOutcome = "blocked"
	LifecycleShutdown  LifecycleOutcome = "shutdown"
	LifecycleClaimHeld LifecycleOutcome = "claim_held"
	// LifecyclePending means the PR is still awaiting a review decision;
	// no failure occurred, the scheduler should simply re-dispatch later.
	LifecyclePending LifecycleOutcome = "pending"
)

// Result is what Driver.Run reports back to the scheduler.
type Result struct {
	Outcome     LifecycleOutcome
	ErrorClass  string
	FailureMode string
	PRNumber    int
	Data        map[string]interface{}
}

// SpawnBuilder constructs the argv/env for one phase worker. loomd owns no
// knowledge of the wrapped LLM CLI's invocation (spec.md §1 Non-goals), so
// the driver takes this as an injected factory rather than hardcoding it.
type SpawnBuilder func(issue *tracker.Issue, taskID, phase, sessionName string) sessionhost.SpawnOptions

// Driver runs one issue through curate→build→judge→doctor to completion or
// to a terminal blocked/shutdown state (spec.md §4.5).
type Driver struct {
	Engine     *Engine
	Phases     *phases.Context
	Claims     *claims.Manager
	Config     *config.Config
	Clock      clock.Clock
	Holder     string
	BuildSpawn SpawnBuilder
}

const claimTTL = 30 * time.Minute

// Run executes the full per-issue lifecycle for one shepherd slot.
func (d *Driver) Run(ctx context.Context, issue *tracker.Issue, taskID string) (Result, error) {
	issueKey := fmt.Sprintf("%d", issue.Number)

	held, err := d.Claims.Acquire(issueKey, d.Holder, claimTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquiring claim on issue %d: %w", issue.Number, err)
	}
	if !held {
		return Result{Outcome: LifecycleClaimHeld}, nil
	}
	defer d.Claims.Release(issueKey, d.Holder)

	progress := &statestore.ShepherdProgress{
		TaskID:        taskID,
		Issue:         issueKey,
		Status:        statestore.ProgressWorking,
		StartedAt:     d.Clock.Now(),
		LastHeartbeat: d.Clock.Now(),
	}
	d.saveProgress(progress)

	if res, terminal := d.runPhase(ctx, issue, taskID, "curator", progress); terminal {
		return res, nil
	}
	if _, err := phases.Curator(ctx, d.Phases, issue, phases.Options{}); err != nil {
		return Result{}, fmt.Errorf("validating curator phase for issue %d: %w", issue.Number, err)
	}

	prNumber, result, terminal := d.buildWithTestFixLoop(ctx, issue, taskID, progress)
	if terminal {
		return result, nil
	}

	return d.judgeDoctorLoop(ctx, issue, taskID, prNumber, progress)
}

// sessionNameFor is the session name a fresh (attempt-0) phase dispatch
// uses; RunPhaseWithRetry only appends an "-aN" suffix once a Stuck outcome
// is observed, so this is also the name the worker ran under whenever the
// phase succeeded or failed without a stuck retry.
func sessionNameFor(taskID, phase string) string {
	return fmt.Sprintf("shepherd-%s-%s", taskID, phase)
}

// runPhase dispatches one phase worker and maps a non-OK exit onto a
// terminal Result. Returns (zero, false) when the caller should proceed to
// validate/advance the pipeline.
func (d *Driver) runPhase(ctx context.Context, issue *tracker.Issue, taskID, phase string, progress *statestore.ShepherdProgress) (Result, bool) {
	sessionName := sessionNameFor(taskID, phase)
	opts := d.BuildSpawn(issue, taskID, phase, sessionName)

	run, err := d.Engine.RunPhaseWithRetry(ctx, opts)
	if err != nil {
		return Result{Outcome: LifecycleBlocked, ErrorClass: "builder_unknown_failure", Data: map[string]interface{}{"error": err.Error()}}, true
	}

	progress.CurrentPhase = phase
	progress.LastHeartbeat = d.Clock.Now()
	progress.AddMilestone(phase+"_exit", d.Clock.Now(), map[string]interface{}{"outcome": string(run.Outcome), "attempts": run.Attempts})
	d.saveProgress(progress)

	switch run.Outcome {
	case OutcomeOK, OutcomeNoOp:
		return Result{}, false
	case OutcomeShutdown:
		return Result{Outcome: LifecycleShutdown}, true
	case OutcomeStuck:
		class := d.classifyStuck(phase)
		d.markPhaseFailed(ctx, issue, phase, class, run.SessionName, progress)
		return Result{Outcome: LifecycleBlocked, ErrorClass: class, FailureMode: "no_progress"}, true
	default:
		d.markPhaseFailed(ctx, issue, phase, "builder_unknown_failure", run.SessionName, progress)
		return Result{Outcome: LifecycleBlocked, ErrorClass: "builder_unknown_failure", FailureMode: "validation_failed"}, true
	}
}

func (d *Driver) classifyStuck(phase string) string {
	if phase == "builder" {
		return "builder_test_failure"
	}
	return "builder_unknown_failure"
}

// buildWithTestFixLoop runs the build phase, then the Builder validator. If
// the validator reports insufficient changes because a test suite is still
// red, it dispatches the doctor role in test-fix mode and retries the build
// phase, up to Config.Shepherd.TestFixMaxAttempts times (spec.md §4.5 "repeat
// m-M times on test failures").
func (d *Driver) buildWithTestFixLoop(ctx context.Context, issue *tracker.Issue, taskID string, progress *statestore.ShepherdProgress) (int, Result, bool) {
	var prNumber int

	for attempt := 1; attempt <= d.Config.Shepherd.TestFixMaxAttempts; attempt++ {
		if res, terminal := d.runPhase(ctx, issue, taskID, "builder", progress); terminal {
			return 0, res, true
		}

		buildResult, err := phases.Builder(ctx, d.Phases, issue, phases.Options{}, phases.BuilderOptions{CachedPRNumber: prNumber})
		if err != nil {
			return 0, Result{Outcome: LifecycleBlocked, ErrorClass: "builder_unknown_failure", Data: map[string]interface{}{"error": err.Error()}}, true
		}
		if pr, ok := buildResult.Data["pr_number"].(int); ok {
			prNumber = pr
		}

		if buildResult.Status != phases.Failed {
			return prNumber, Result{}, false
		}
		if attempt >= d.Config.Shepherd.TestFixMaxAttempts {
			d.markPhaseFailed(ctx, issue, "builder", "builder_test_failure", sessionNameFor(taskID, "builder"), progress)
			return 0, Result{Outcome: LifecycleBlocked, ErrorClass: "builder_test_failure", FailureMode: "insufficient_changes"}, true
		}

		if res, terminal := d.runPhase(ctx, issue, taskID, "doctor", progress); terminal {
			return 0, res, true
		}
	}

	d.markPhaseFailed(ctx, issue, "builder", "builder_test_failure", sessionNameFor(taskID, "builder"), progress)
	return 0, Result{Outcome: LifecycleBlocked, ErrorClass: "builder_test_failure", FailureMode: "insufficient_changes"}, true
}

const maxDoctorJudgeCycles = 5

// judgeDoctorLoop runs judge, and on changes-requested dispatches doctor and
// loops back to judge, bounded against runaway review/fix ping-pong
// (spec.md §4.5 "On Judge=changes-requested, dispatch Doctor and loop to
// Judge").
func (d *Driver) judgeDoctorLoop(ctx context.Context, issue *tracker.Issue, taskID string, prNumber int, progress *statestore.ShepherdProgress) (Result, error) {
	for cycle := 0; cycle < maxDoctorJudgeCycles; cycle++ {
		if res, terminal := d.runPhase(ctx, issue, taskID, "judge", progress); terminal {
			return res, nil
		}

		judgeResult, err := phases.Judge(ctx, d.Phases, issue, phases.Options{}, prNumber)
		if err != nil {
			return Result{}, fmt.Errorf("validating judge phase for issue %d: %w", issue.Number, err)
		}

		switch {
		case judgeResult.Status == phases.Satisfied && strings.Contains(judgeResult.Message, "changes requested"):
			if err := d.runDoctorPostConditions(ctx, issue, taskID, prNumber, progress); err != nil {
				return Result{}, err
			}
			continue
		case judgeResult.Status == phases.Satisfied:
			progress.Status = statestore.ProgressCompleted
			d.saveProgress(progress)
			return Result{Outcome: LifecycleCompleted, PRNumber: prNumber}, nil
		case judgeResult.Data["intermediate"] == true:
			return Result{Outcome: LifecyclePending, PRNumber: prNumber}, nil
		default:
			d.markPhaseFailed(ctx, issue, "judge", "builder_unknown_failure", sessionNameFor(taskID, "judge"), progress)
			return Result{Outcome: LifecycleBlocked, ErrorClass: "builder_unknown_failure", FailureMode: "validation_failed"}, nil
		}
	}

	d.markPhaseFailed(ctx, issue, "judge", "builder_unknown_failure", sessionNameFor(taskID, "judge"), progress)
	return Result{Outcome: LifecycleBlocked, ErrorClass: "builder_unknown_failure", FailureMode: "validation_failed", PRNumber: prNumber}, nil
}

// runDoctorPostConditions dispatches a doctor worker, runs the Doctor
// validator, and polls the PR's CI status until it reaches a terminal
// state or the configured timeout elapses (spec.md §4.5 "Doctor
// post-conditions").
func (d *Driver) runDoctorPostConditions(ctx context.Context, issue *tracker.Issue, taskID string, prNumber int, progress *statestore.ShepherdProgress) error {
	if res, terminal := d.runPhase(ctx, issue, taskID, "doctor", progress); terminal {
		return fmt.Errorf("doctor phase for issue %d ended in %s", issue.Number, res.Outcome)
	}

	doctorResult, err := phases.Doctor(ctx, d.Phases, issue, phases.Options{}, prNumber)
	if err != nil {
		return fmt.Errorf("validating doctor phase for issue %d: %w", issue.Number, err)
	}
	if doctorResult.Status == phases.Failed {
		ahead, _, err := d.Phases.VCS.CommitsAheadBehind(ctx, d.worktreeFor(issue), "main")
		if err == nil && ahead > 0 {
			if err := phases.LabelRecovery(ctx, d.Phases, prNumber); err != nil {
				return fmt.Errorf("recovering labels on pr %d: %w", prNumber, err)
			}
		}
	}

	deadline := d.Clock.Now().Add(d.Config.Shepherd.DoctorCIPollTimeout)
	for {
		status, err := d.Phases.Tracker.GetPRCIStatus(ctx, prNumber)
		if err != nil {
			return fmt.Errorf("polling CI status for PR #%d: %w", prNumber, err)
		}
		if status.IsTerminal() {
			return nil
		}
		if d.Clock.Now().After(deadline) {
			progress.AddMilestone("doctor_ci_poll_timeout", d.Clock.Now(), map[string]interface{}{"pr": prNumber})
			d.saveProgress(progress)
			return nil
		}
		select {
		case <-time.After(d.Config.Shepherd.DoctorCIPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// markPhaseFailed swaps a building label to blocked and attaches a
// diagnostic comment with the previous attempt's progress (started_at,
// last heartbeat, milestones), worktree state, an ANSI-stripped log tail of
// the phase session's scrollback, and the three named manual-recovery
// recipes (spec.md §4.4 "_mark_phase_failed").
func (d *Driver) markPhaseFailed(ctx context.Context, issue *tracker.Issue, phase, errorClass, sessionName string, progress *statestore.ShepherdProgress) {
	progress.Status = statestore.ProgressBlocked
	d.saveProgress(progress)

	_ = d.Phases.Tracker.RemoveLabel(ctx, issue.Number, "building", "shepherd")
	_ = d.Phases.Tracker.AddLabel(ctx, issue.Number, "blocked", "shepherd")

	worktree := d.worktreeFor(issue)
	vcsState := "unavailable (no worktree)"
	if branch, err := d.Phases.VCS.CurrentBranch(ctx, worktree); err == nil {
		ahead, behind, _ := d.Phases.VCS.CommitsAheadBehind(ctx, worktree, "main")
		vcsState = fmt.Sprintf("branch %s, %d ahead of main / %d behind upstream", branch, ahead, behind)
	}

	var milestones strings.Builder
	if len(progress.Milestones) == 0 {
		milestones.WriteString("(none recorded)\n")
	}
	for _, m := range progress.Milestones {
		fmt.Fprintf(&milestones, "- %s at %s\n", m.Event, m.Timestamp.Format(time.RFC3339))
	}

	logTail := "(no scrollback captured)"
	if sessionName != "" {
		if scrollback, err := d.Engine.Host.Capture(ctx, sessionName, 15); err == nil && strings.TrimSpace(scrollback) != "" {
			logTail = strings.TrimSpace(ansiEscape.ReplaceAllString(scrollback, ""))
		}
	}

	comment := fmt.Sprintf(
		"**Phase failed: %s** (error class: `%s`)\n\n"+
			"Previous attempt: started %s, last heartbeat %s\n\n"+
			"Milestones:\n%s\n"+
			"Worktree state: %s\n\n"+
			"Log tail (last 15 lines):\n```\n%s\n```\n\n"+
			"Recovery options:\n"+
			"1. **Clean + retry**: discard the worktree and re-dispatch the shepherd on this issue from scratch; the claim has been released.\n"+
			"2. **Preserve + retry**: keep the existing worktree/branch and re-dispatch the shepherd to continue from where it left off.\n"+
			"3. **Complete manually**: finish the work by hand against the existing branch and open or update the PR directly.\n",
		phase, errorClass,
		progress.StartedAt.Format(time.RFC3339), progress.LastHeartbeat.Format(time.RFC3339),
		milestones.String(), vcsState, logTail,
	)
	_ = d.Phases.Tracker.AddIssueComment(ctx, issue.Number, comment)
}

func (d *Driver) worktreeFor(issue *tracker.Issue) string {
	return d.Phases.Store.WorktreePath(fmt.Sprintf("%d", issue.Number))
}

func (d *Driver) saveProgress(progress *statestore.ShepherdProgress) {
	path := d.Phases.Store.ProgressPath(progress.TaskID)
	_ = d.Phases.Store.StoreDoc(path, progress)
}
