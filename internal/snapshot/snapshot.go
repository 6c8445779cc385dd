// Package snapshot builds one iteration's immutable view of external and
// local state (spec.md §4.3 "Snapshot Builder"), grounded on
// steveyegge-vc/internal/mission's orchestration-over-a-dependency-tree
// pattern of gathering many independent reads before making a single
// dispatch decision, generalized here to a fixed bounded-concurrency batch
// of Tracker queries via golang.org/x/sync/errgroup.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// maxParallelQueries bounds the Tracker query worker pool (spec.md §4.3
// "fixed worker pool, bounded concurrency").
const maxParallelQueries = 8

// ActionType enumerates the recommended-action vocabulary (spec.md §4.3
// "Recommended actions").
type ActionType string

const (
	ActionSpawnShepherds    ActionType = "spawn_shepherds"
	ActionRecoverOrphans    ActionType = "recover_orphans"
	ActionRetryBlockedIssues ActionType = "retry_blocked_issues"
	ActionNeedsHumanInput   ActionType = "needs_human_input"
	ActionDispatchRole      ActionType = "dispatch_role"
	ActionWait              ActionType = "wait"
)

// Action is one candidate action in the snapshot's total ordering.
type Action struct {
	Type   ActionType
	Role   string
	Reason string
}

// Snapshot is one iteration's immutable view (spec.md §4.3 "Output").
type Snapshot struct {
	BuiltAt time.Time

	ReadyIssues        []*tracker.Issue
	BuildingIssues     []*tracker.Issue
	BlockedIssues      []*tracker.Issue
	ArchitectProposals []*tracker.Issue
	HermitProposals    []*tracker.Issue
	UncuratedIssues    []*tracker.Issue

	ReviewRequestedPRs  []*tracker.PullRequest
	ChangesRequestedPRs []*tracker.PullRequest
	ReadyToMergePRs     []*tracker.PullRequest

	Warnings            []string
	Orphans             []orphan.Orphan
	PipelineHealth      statestore.PipelineHealth
	RecommendedActions  []Action
	LabelContradictions []string
}

// Builder assembles a Snapshot from a Tracker plus local daemon state.
type Builder struct {
	Tracker tracker.Tracker
	Clock   clock.Clock
	Store   *statestore.Store
	Claims  *claims.Manager
	Config  *config.Config

	// OutputExists and TaskDirHasOutput back orphan.Detect's stale_task_id
	// check; both default to stubs that return true unless set.
	OutputExists     func(taskID string) bool
	TaskDirHasOutput func(taskID string) bool
}

type queryKind int

const (
	queryReady queryKind = iota
	queryBuilding
	queryBlocked
	queryArchitect
	queryHermit
	queryCurated
	queryAllOpen
	queryReviewRequestedPRs
	queryChangesRequestedPRs
	queryReadyToMergePRs
)

type queryOutcome struct {
	kind   queryKind
	issues []*tracker.Issue
	prs    []*tracker.PullRequest
	err    error
}

// SystematicState carries the inputs needed to apply the spawn_shepherds
// suppression rule (spec.md §4.3 "no spawn_shepherds while systematic
// failure is active unless cooldown elapsed and probes available").
type SystematicState struct {
	Active           bool
	CooldownElapsed  bool
	ProbesAvailable  bool
}

// Build runs the ten parallel Tracker queries and computes every derived
// field (spec.md §4.3). currentIteration feeds the backoff filter.
func (b *Builder) Build(ctx context.Context, daemon *statestore.DaemonState, currentIteration int, sys SystematicState) (*Snapshot, error) {
	outcomes, err := b.runQueries(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{BuiltAt: b.Clock.Now()}
	var (
		curatedIssues []*tracker.Issue
		allOpenIssues []*tracker.Issue
	)

	for _, o := range outcomes {
		if o.err != nil {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("query %v failed: %v (treated as empty)", o.kind, o.err))
			continue
		}
		switch o.kind {
		case queryReady:
			snap.ReadyIssues = o.issues
		case queryBuilding:
			snap.BuildingIssues = o.issues
		case queryBlocked:
			snap.BlockedIssues = o.issues
		case queryArchitect:
			snap.ArchitectProposals = o.issues
		case queryHermit:
			snap.HermitProposals = o.issues
		case queryCurated:
			curatedIssues = o.issues
		case queryAllOpen:
			allOpenIssues = o.issues
		case queryReviewRequestedPRs:
			snap.ReviewRequestedPRs = o.prs
		case queryChangesRequestedPRs:
			snap.ChangesRequestedPRs = o.prs
		case queryReadyToMergePRs:
			snap.ReadyToMergePRs = o.prs
		}
	}

	snap.UncuratedIssues = uncurated(allOpenIssues, curatedIssues)
	snap.ReadyIssues = filterBackoff(sortReady(snap.ReadyIssues, b.Config.IssueStrategy), daemon, currentIteration)
	snap.LabelContradictions = detectContradictions(snap)

	orphans, err := b.detectOrphans(ctx, daemon, snap)
	if err != nil {
		return nil, fmt.Errorf("detecting orphans: %w", err)
	}
	snap.Orphans = orphans

	snap.PipelineHealth = classifyHealth(snap)
	snap.RecommendedActions = recommendActions(snap, daemon, b.Config, sys, snap.BuiltAt)

	return snap, nil
}

func (b *Builder) runQueries(ctx context.Context) ([]queryOutcome, error) {
	kinds := []queryKind{
		queryReady, queryBuilding, queryBlocked, queryArchitect, queryHermit,
		queryCurated, queryAllOpen, queryReviewRequestedPRs, queryChangesRequestedPRs, queryReadyToMergePRs,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelQueries)

	outcomes := make([]queryOutcome, len(kinds))
	var mu sync.Mutex

	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			o := b.runOne(gctx, kind)
			mu.Lock()
			outcomes[i] = o
			mu.Unlock()
			return nil
		})
	}

	// Every query captures its own error rather than failing the group, so
	// Wait never returns a non-nil error (spec.md §4.3 "partial failure of
	// one does not abort the snapshot").
	_ = g.Wait()
	return outcomes, nil
}

func (b *Builder) runOne(ctx context.Context, kind queryKind) queryOutcome {
	switch kind {
	case queryReady:
		issues, err := b.Tracker.IssuesByLabel(ctx, "issue")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryBuilding:
		issues, err := b.Tracker.IssuesByLabel(ctx, "building")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryBlocked:
		issues, err := b.Tracker.IssuesByLabel(ctx, "blocked")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryArchitect:
		issues, err := b.Tracker.IssuesByLabel(ctx, "architect")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryHermit:
		issues, err := b.Tracker.IssuesByLabel(ctx, "hermit")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryCurated:
		issues, err := b.Tracker.IssuesByLabel(ctx, "curated")
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryAllOpen:
		issues, err := b.Tracker.AllOpenIssues(ctx)
		return queryOutcome{kind: kind, issues: issues, err: err}
	case queryReviewRequestedPRs:
		prs, err := b.Tracker.PRsByLabel(ctx, "review-requested")
		return queryOutcome{kind: kind, prs: prs, err: err}
	case queryChangesRequestedPRs:
		prs, err := b.Tracker.PRsByLabel(ctx, "changes-requested")
		return queryOutcome{kind: kind, prs: prs, err: err}
	case queryReadyToMergePRs:
		prs, err := b.Tracker.PRsByLabel(ctx, "pr")
		return queryOutcome{kind: kind, prs: prs, err: err}
	}
	return queryOutcome{kind: kind, err: fmt.Errorf("unknown query kind %d", kind)}
}

func uncurated(allOpen, curated []*tracker.Issue) []*tracker.Issue {
	curatedNums := map[int]bool{}
	for _, i := range curated {
		curatedNums[i.Number] = true
	}
	var out []*tracker.Issue
	for _, i := range allOpen {
		if !curatedNums[i.Number] && !i.HasLabel("curated") {
			out = append(out, i)
		}
	}
	return out
}

// sortReady implements the urgent-first, then-by-strategy ordering
// (spec.md §4.3 "Sorting").
func sortReady(issues []*tracker.Issue, strategy string) []*tracker.Issue {
	out := append([]*tracker.Issue{}, issues...)
	less := func(a, b *tracker.Issue) bool {
		switch strategy {
		case "lifo":
			return a.CreatedAt.After(b.CreatedAt)
		case "priority":
			// tracker.Issue carries no dedicated priority field; issue
			// number order is the best available stand-in for priority
			// until the Tracker exposes one.
			return a.Number < b.Number
		default: // fifo
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].HasLabel("urgent"), out[j].HasLabel("urgent")
		if ui != uj {
			return ui
		}
		return less(out[i], out[j])
	})
	return out
}

// filterBackoff drops issues in failure backoff unless this iteration is a
// multiple of (backoff_iters + 1) (spec.md §4.3 "Filtering", §4.8).
func filterBackoff(issues []*tracker.Issue, daemon *statestore.DaemonState, currentIteration int) []*tracker.Issue {
	var out []*tracker.Issue
	for _, issue := range issues {
		key := fmt.Sprintf("%d", issue.Number)
		retry, ok := daemon.BlockedIssueRetries[key]
		if !ok || retry.RetryExhausted {
			out = append(out, issue)
			continue
		}
		period := retry.RetryCount + 1
		if period <= 0 || currentIteration%period == 0 {
			out = append(out, issue)
		}
	}
	return out
}

// exclusiveLabelGroups enumerates the mutually-exclusive label namespaces
// (spec.md §6 "Label namespace").
var exclusiveLabelGroups = [][]string{
	{"issue", "building", "blocked", "curated", "curating"},
	{"review-requested", "changes-requested", "pr"},
	{"architect", "hermit"},
}

// detectContradictions flags any entity carrying two labels from the same
// mutually-exclusive group (spec.md §4.3 "Label contradiction detection").
func detectContradictions(snap *Snapshot) []string {
	var warnings []string
	check := func(kind string, number int, labels []string) {
		for _, group := range exclusiveLabelGroups {
			var hit []string
			for _, l := range labels {
				for _, g := range group {
					if l == g {
						hit = append(hit, l)
					}
				}
			}
			if len(hit) > 1 {
				warnings = append(warnings, fmt.Sprintf("%s #%d carries mutually exclusive labels %v", kind, number, hit))
			}
		}
	}
	for _, i := range allIssues(snap) {
		check("issue", i.Number, i.Labels)
	}
	for _, p := range allPRs(snap) {
		check("pr", p.Number, p.Labels)
	}
	return warnings
}

func allIssues(snap *Snapshot) []*tracker.Issue {
	var out []*tracker.Issue
	out = append(out, snap.ReadyIssues...)
	out = append(out, snap.BuildingIssues...)
	out = append(out, snap.BlockedIssues...)
	out = append(out, snap.ArchitectProposals...)
	out = append(out, snap.HermitProposals...)
	return out
}

func allPRs(snap *Snapshot) []*tracker.PullRequest {
	var out []*tracker.PullRequest
	out = append(out, snap.ReviewRequestedPRs...)
	out = append(out, snap.ChangesRequestedPRs...)
	out = append(out, snap.ReadyToMergePRs...)
	return out
}

func (b *Builder) detectOrphans(ctx context.Context, daemon *statestore.DaemonState, snap *Snapshot) ([]orphan.Orphan, error) {
	progress := map[string]*statestore.ShepherdProgress{}
	ids, err := b.Store.ListProgressFiles()
	if err != nil {
		return nil, fmt.Errorf("listing progress files: %w", err)
	}
	for _, id := range ids {
		p, err := statestore.Load[statestore.ShepherdProgress](b.Store.ProgressPath(id))
		if err != nil {
			return nil, fmt.Errorf("loading progress %s: %w", id, err)
		}
		progress[id] = &p
	}

	reviewCounts := map[int]int{}
	for _, pr := range snap.ChangesRequestedPRs {
		reviews, err := b.Tracker.GetPRReviews(ctx, pr.Number)
		if err != nil {
			continue
		}
		count := 0
		for _, r := range reviews {
			if r.State == tracker.ReviewChangesRequested {
				count++
			}
		}
		reviewCounts[pr.Number] = count
	}

	outputExists := b.OutputExists
	if outputExists == nil {
		outputExists = func(string) bool { return true }
	}
	taskDirHasOutput := b.TaskDirHasOutput
	if taskDirHasOutput == nil {
		taskDirHasOutput = func(string) bool { return true }
	}

	th := orphan.Thresholds{
		HeartbeatStale:          b.Config.Staleness.HeartbeatStaleThreshold,
		HeartbeatGracePeriod:    b.Config.Staleness.HeartbeatGracePeriod,
		HeartbeatActiveGrace:    b.Config.Staleness.HeartbeatActiveGracePeriod,
		StartupGracePeriod:      b.Config.Staleness.StartupGracePeriod,
		NoProgressGracePeriod:   b.Config.Staleness.NoProgressGracePeriod,
		SpinningReviewThreshold: b.Config.Spinning.ReviewThreshold,
	}

	return orphan.Detect(ctx, b.Clock.Now(), daemon, progress, snap.BuildingIssues,
		snap.ReviewRequestedPRs, snap.ChangesRequestedPRs, reviewCounts, b.Claims,
		outputExists, taskDirHasOutput, th)
}

// classifyHealth implements spec.md §4.9's cheapest-first classification.
func classifyHealth(snap *Snapshot) statestore.PipelineHealth {
	ready := len(snap.ReadyIssues)
	building := len(snap.BuildingIssues)
	blocked := len(snap.BlockedIssues)
	counts := map[string]int{"ready": ready, "building": building, "blocked": blocked}

	switch {
	case ready == 0 && building == 0 && blocked > 0:
		return statestore.PipelineHealth{Status: statestore.PipelineStalled, Reason: "all_issues_blocked", Counts: counts}
	case ready == 0 && building == 0:
		return statestore.PipelineHealth{Status: statestore.PipelineStalled, Reason: "no_ready_issues", Counts: counts}
	case blocked > ready && ready > 0:
		return statestore.PipelineHealth{Status: statestore.PipelineDegraded, Reason: "blocked_exceeds_ready", Counts: counts}
	default:
		return statestore.PipelineHealth{Status: statestore.PipelineHealthy, Reason: "", Counts: counts}
	}
}

// recommendActions implements spec.md §4.3's total ordering with
// suppression rules.
func recommendActions(snap *Snapshot, daemon *statestore.DaemonState, cfg *config.Config, sys SystematicState, now time.Time) []Action {
	var actions []Action

	if len(snap.Orphans) > 0 {
		actions = append(actions, Action{Type: ActionRecoverOrphans, Reason: fmt.Sprintf("%d orphaned entities detected", len(snap.Orphans))})
	}

	retryable, needsHuman := classifyBlocked(snap.BlockedIssues, daemon)
	if retryable > 0 {
		actions = append(actions, Action{Type: ActionRetryBlockedIssues, Reason: fmt.Sprintf("%d retryable blocked issues", retryable)})
	}
	if needsHuman > 0 {
		actions = append(actions, Action{Type: ActionNeedsHumanInput, Reason: fmt.Sprintf("%d permanently blocked issues", needsHuman)})
	}

	demandRoles := demandTriggeredRoles(snap)
	for _, role := range demandRoles {
		actions = append(actions, Action{Type: ActionDispatchRole, Role: role, Reason: "demand-triggered"})
	}
	for _, role := range intervalTriggeredRoles(daemon, cfg, now) {
		if demandRoles[role] {
			continue
		}
		actions = append(actions, Action{Type: ActionDispatchRole, Role: role, Reason: "interval elapsed"})
	}

	spawnSuppressed := sys.Active && !(sys.CooldownElapsed && sys.ProbesAvailable)
	if len(snap.ReadyIssues) > 0 && !spawnSuppressed {
		activeShepherds := 0
		for _, e := range daemon.Shepherds {
			if e.Status == statestore.ShepherdWorking {
				activeShepherds++
			}
		}
		if activeShepherds < cfg.Pool.MaxShepherds {
			actions = append(actions, Action{Type: ActionSpawnShepherds, Reason: "ready issues and available slots"})
		}
	}

	if len(actions) == 0 {
		actions = append(actions, Action{Type: ActionWait, Reason: "nothing to do"})
	}
	return actions
}

func classifyBlocked(blocked []*tracker.Issue, daemon *statestore.DaemonState) (retryable, needsHuman int) {
	for _, issue := range blocked {
		key := fmt.Sprintf("%d", issue.Number)
		retry, ok := daemon.BlockedIssueRetries[key]
		if !ok {
			retryable++
			continue
		}
		if retry.RetryExhausted {
			if retry.EscalatedToHuman {
				needsHuman++
			}
			continue
		}
		retryable++
	}
	return retryable, needsHuman
}

func demandTriggeredRoles(snap *Snapshot) map[string]bool {
	roles := map[string]bool{}
	if len(snap.UncuratedIssues) > 0 {
		roles["curator"] = true
	}
	if len(snap.ReviewRequestedPRs) > 0 {
		roles["judge"] = true
	}
	if len(snap.ChangesRequestedPRs) > 0 {
		roles["doctor"] = true
	}
	return roles
}

func intervalTriggeredRoles(daemon *statestore.DaemonState, cfg *config.Config, now time.Time) []string {
	type roleInterval struct {
		name string
		d    time.Duration
	}
	intervals := []roleInterval{
		{"guide", cfg.Intervals.Guide},
		{"champion", cfg.Intervals.Champion},
		{"doctor", cfg.Intervals.Doctor},
		{"auditor", cfg.Intervals.Auditor},
		{"judge", cfg.Intervals.Judge},
		{"curator", cfg.Intervals.Curator},
		{"architect", cfg.Intervals.Architect},
		{"hermit", cfg.Intervals.Hermit},
	}

	var due []string
	for _, ri := range intervals {
		state, ok := daemon.SupportRoles[ri.name]
		if !ok || state.LastTriggeredAt == nil {
			due = append(due, ri.name)
			continue
		}
		if now.Sub(*state.LastTriggeredAt) >= ri.d {
			due = append(due, ri.name)
		}
	}
	return due
}
