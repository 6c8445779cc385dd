package orphan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/loomtest"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

func TestResetShepherd(t *testing.T) {
	store := statestore.New(t.TempDir())
	started := time.Now().UTC()
	require.NoError(t, statestore.Update(store, store.DaemonStatePath(), func(d *statestore.DaemonState) error {
		if d.Shepherds == nil {
			d.Shepherds = map[string]*statestore.ShepherdEntry{}
		}
		d.Shepherds["shepherd-1"] = &statestore.ShepherdEntry{Status: statestore.ShepherdWorking, Issue: "5", TaskID: "a1b2c3d", Started: &started}
		return nil
	}))

	r := &Recoverer{Store: store, Clock: clock.Real{}}
	require.NoError(t, r.ResetShepherd(context.Background(), "shepherd-1"))

	d, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	require.NoError(t, err)
	entry := d.Shepherds["shepherd-1"]
	assert.Equal(t, statestore.ShepherdIdle, entry.Status)
	assert.Equal(t, "orphan_recovery", entry.IdleReason)
	assert.Empty(t, entry.Issue)
}

func TestMarkProgressErrored(t *testing.T) {
	store := statestore.New(t.TempDir())
	require.NoError(t, store.StoreDoc(store.ProgressPath("a1b2c3d"), &statestore.ShepherdProgress{
		TaskID: "a1b2c3d", Issue: "5", Status: statestore.ProgressWorking, StartedAt: time.Now().UTC(),
	}))

	r := &Recoverer{Store: store, Clock: clock.Real{}}
	require.NoError(t, r.MarkProgressErrored(context.Background(), "a1b2c3d", "stale heartbeat"))

	p, err := statestore.Load[statestore.ShepherdProgress](store.ProgressPath("a1b2c3d"))
	require.NoError(t, err)
	assert.Equal(t, statestore.ProgressErrored, p.Status)
	assert.True(t, p.HasMilestone("error"))
}

func TestKillSessionSavesDiagnosticAndKills(t *testing.T) {
	store := statestore.New(t.TempDir())
	host := loomtest.NewSessionHost()
	ctx := context.Background()
	require.NoError(t, host.Spawn(ctx, sessionhost.SpawnOptions{Name: "shepherd-a1b2c3d"}))
	require.NoError(t, host.SendInput(ctx, "shepherd-a1b2c3d", "hello"))

	r := &Recoverer{Store: store, Host: host, Clock: clock.Real{}}
	require.NoError(t, r.KillSession(ctx, "shepherd-a1b2c3d"))

	killed, graceful := host.WasKilled("shepherd-a1b2c3d")
	assert.True(t, killed)
	assert.True(t, graceful)
}

func TestResetIssueLabelSwapsLabelsAndComments(t *testing.T) {
	store := statestore.New(t.TempDir())
	trk := loomtest.NewTracker()
	trk.AddIssue(&tracker.Issue{Number: 5, Labels: []string{"building"}})

	r := &Recoverer{Store: store, Tracker: trk, Clock: clock.Real{}}
	require.NoError(t, r.ResetIssueLabel(context.Background(), 5, "no VCS wired"))

	labels, err := trk.GetLabels(context.Background(), 5)
	require.NoError(t, err)
	assert.Contains(t, labels, "issue")
	assert.NotContains(t, labels, "building")
	require.Len(t, trk.Comments[5], 1)
	assert.Contains(t, trk.Comments[5][0], "reset to `issue` state")
}

func TestResetIssueLabelCleansStaleWorktree(t *testing.T) {
	store := statestore.New(t.TempDir())
	trk := loomtest.NewTracker()
	trk.AddIssue(&tracker.Issue{Number: 5, Labels: []string{"building"}})
	vcsFake := loomtest.NewVCS()

	worktree := store.WorktreePath("5")
	ctx := context.Background()
	require.NoError(t, vcsFake.CreateWorktree(ctx, "/repo", worktree, "main"))
	require.NoError(t, vcsFake.CreateBranch(ctx, worktree, "issue-5", "main"))

	r := &Recoverer{Store: store, Tracker: trk, Clock: clock.Real{}, VCS: vcsFake}
	require.NoError(t, r.ResetIssueLabel(ctx, 5, "stale worktree"))

	exists, err := vcsFake.BranchExists(ctx, "/repo", "issue-5")
	require.NoError(t, err)
	assert.False(t, exists, "stale branch should have been deleted")
	require.Len(t, trk.Comments[5], 1)
	assert.Contains(t, trk.Comments[5][0], "deleted")
}

func TestResetIssueLabelLeavesWorktreeWithUnpushedCommits(t *testing.T) {
	store := statestore.New(t.TempDir())
	trk := loomtest.NewTracker()
	trk.AddIssue(&tracker.Issue{Number: 5, Labels: []string{"building"}})
	vcsFake := loomtest.NewVCS()

	worktree := store.WorktreePath("5")
	ctx := context.Background()
	require.NoError(t, vcsFake.CreateWorktree(ctx, "/repo", worktree, "main"))
	require.NoError(t, vcsFake.CreateBranch(ctx, worktree, "issue-5", "main"))
	require.NoError(t, vcsFake.Stage(ctx, worktree, []string{"fix.go"}))
	_, err := vcsFake.Commit(ctx, worktree, "fix the bug")
	require.NoError(t, err)

	r := &Recoverer{Store: store, Tracker: trk, Clock: clock.Real{}, VCS: vcsFake}
	require.NoError(t, r.ResetIssueLabel(ctx, 5, "reassigned"))

	exists, err := vcsFake.BranchExists(ctx, "/repo", "issue-5")
	require.NoError(t, err)
	assert.True(t, exists, "branch with unpushed commits must not be deleted")
	require.Len(t, trk.Comments[5], 1)
	assert.NotContains(t, trk.Comments[5][0], "deleted")
}
