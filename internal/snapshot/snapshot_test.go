package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/loomtest"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

func newTestBuilder(t *testing.T) (*Builder, *loomtest.Tracker) {
	t.Helper()
	tr := loomtest.NewTracker()
	store := statestore.New(t.TempDir())
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clk := clock.Frozen{T: now}
	cm := claims.New(store).WithClock(clk.Now)
	cfg := config.Default()
	return &Builder{
		Tracker:          tr,
		Clock:            clk,
		Store:            store,
		Claims:           cm,
		Config:           cfg,
		OutputExists:     func(string) bool { return true },
		TaskDirHasOutput: func(string) bool { return true },
	}, tr
}

func seedIssue(tr *loomtest.Tracker, number int, labels ...string) *tracker.Issue {
	issue := &tracker.Issue{Number: number, State: "open", Labels: labels, CreatedAt: time.Date(2026, 1, number, 0, 0, 0, 0, time.UTC)}
	tr.AddIssue(issue)
	return issue
}

func TestBuildCollectsAllTenQueries(t *testing.T) {
	b, tr := newTestBuilder(t)
	seedIssue(tr, 1, "issue")
	seedIssue(tr, 2, "building")
	seedIssue(tr, 3, "blocked")
	seedIssue(tr, 4, "architect")
	seedIssue(tr, 5, "hermit")
	seedIssue(tr, 6, "curated")

	snap, err := b.Build(context.Background(), statestore.NewDaemonState(), 1, SystematicState{})
	require.NoError(t, err)

	assert.Len(t, snap.ReadyIssues, 1)
	assert.Len(t, snap.BuildingIssues, 1)
	assert.Len(t, snap.BlockedIssues, 1)
	assert.Len(t, snap.ArchitectProposals, 1)
	assert.Len(t, snap.HermitProposals, 1)
	assert.Empty(t, snap.Warnings)
}

func TestUncuratedExcludesCuratedIssues(t *testing.T) {
	b, tr := newTestBuilder(t)
	seedIssue(tr, 1, "curated")
	seedIssue(tr, 2)

	snap, err := b.Build(context.Background(), statestore.NewDaemonState(), 1, SystematicState{})
	require.NoError(t, err)

	var nums []int
	for _, i := range snap.UncuratedIssues {
		nums = append(nums, i.Number)
	}
	assert.Equal(t, []int{2}, nums)
}

func TestSortReadyUrgentFirst(t *testing.T) {
	a := &tracker.Issue{Number: 1, CreatedAt: time.Unix(100, 0)}
	u := &tracker.Issue{Number: 2, CreatedAt: time.Unix(200, 0), Labels: []string{"urgent"}}
	out := sortReady([]*tracker.Issue{a, u}, "fifo")
	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].Number)
}

func TestSortReadyFifoOrdersByCreatedAtAscending(t *testing.T) {
	a := &tracker.Issue{Number: 1, CreatedAt: time.Unix(200, 0)}
	b := &tracker.Issue{Number: 2, CreatedAt: time.Unix(100, 0)}
	out := sortReady([]*tracker.Issue{a, b}, "fifo")
	assert.Equal(t, 2, out[0].Number)
}

func TestSortReadyLifoOrdersByCreatedAtDescending(t *testing.T) {
	a := &tracker.Issue{Number: 1, CreatedAt: time.Unix(100, 0)}
	b := &tracker.Issue{Number: 2, CreatedAt: time.Unix(200, 0)}
	out := sortReady([]*tracker.Issue{a, b}, "lifo")
	assert.Equal(t, 2, out[0].Number)
}

func TestFilterBackoffDropsIssueNotOnBackoffBoundary(t *testing.T) {
	daemon := statestore.NewDaemonState()
	daemon.BlockedIssueRetries["1"] = &statestore.BlockedIssueRetry{RetryCount: 2}
	issues := []*tracker.Issue{{Number: 1}}

	out := filterBackoff(issues, daemon, 1)
	assert.Empty(t, out)

	out = filterBackoff(issues, daemon, 3)
	assert.Len(t, out, 1)
}

func TestClassifyHealthAllIssuesBlocked(t *testing.T) {
	snap := &Snapshot{BlockedIssues: []*tracker.Issue{{Number: 1}}}
	health := classifyHealth(snap)
	assert.Equal(t, statestore.PipelineStalled, health.Status)
	assert.Equal(t, "all_issues_blocked", health.Reason)
}

func TestClassifyHealthDegraded(t *testing.T) {
	snap := &Snapshot{
		ReadyIssues:   []*tracker.Issue{{Number: 1}},
		BlockedIssues: []*tracker.Issue{{Number: 2}, {Number: 3}},
	}
	health := classifyHealth(snap)
	assert.Equal(t, statestore.PipelineDegraded, health.Status)
}

func TestClassifyHealthHealthy(t *testing.T) {
	snap := &Snapshot{ReadyIssues: []*tracker.Issue{{Number: 1}}}
	health := classifyHealth(snap)
	assert.Equal(t, statestore.PipelineHealthy, health.Status)
}

func TestDetectContradictionsFlagsMutuallyExclusiveLabels(t *testing.T) {
	snap := &Snapshot{
		ReadyIssues: []*tracker.Issue{{Number: 1, Labels: []string{"issue", "blocked"}}},
	}
	warnings := detectContradictions(snap)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "issue #1")
}

func TestRecommendActionsWaitWhenNothingToDo(t *testing.T) {
	snap := &Snapshot{}
	actions := recommendActions(snap, statestore.NewDaemonState(), config.Default(), SystematicState{}, time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, ActionWait, actions[0].Type)
}

func TestRecommendActionsSpawnShepherdsWhenReadyIssuesExist(t *testing.T) {
	snap := &Snapshot{ReadyIssues: []*tracker.Issue{{Number: 1}}}
	actions := recommendActions(snap, statestore.NewDaemonState(), config.Default(), SystematicState{}, time.Now())
	found := false
	for _, a := range actions {
		if a.Type == ActionSpawnShepherds {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecommendActionsSuppressesSpawnDuringSystematicFailure(t *testing.T) {
	snap := &Snapshot{ReadyIssues: []*tracker.Issue{{Number: 1}}}
	actions := recommendActions(snap, statestore.NewDaemonState(), config.Default(), SystematicState{Active: true}, time.Now())
	for _, a := range actions {
		assert.NotEqual(t, ActionSpawnShepherds, a.Type)
	}
}

func TestRecommendActionsAllowsSpawnDuringCooldownWithProbes(t *testing.T) {
	snap := &Snapshot{ReadyIssues: []*tracker.Issue{{Number: 1}}}
	actions := recommendActions(snap, statestore.NewDaemonState(), config.Default(), SystematicState{Active: true, CooldownElapsed: true, ProbesAvailable: true}, time.Now())
	found := false
	for _, a := range actions {
		if a.Type == ActionSpawnShepherds {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDemandTriggeredRolesPreemptInterval(t *testing.T) {
	snap := &Snapshot{ReviewRequestedPRs: []*tracker.PullRequest{{Number: 1}}}
	daemon := statestore.NewDaemonState()
	actions := recommendActions(snap, daemon, config.Default(), SystematicState{}, time.Now())
	judgeCount := 0
	for _, a := range actions {
		if a.Type == ActionDispatchRole && a.Role == "judge" {
			judgeCount++
		}
	}
	assert.Equal(t, 1, judgeCount, "judge should be dispatched once despite both demand and interval triggers")
}
