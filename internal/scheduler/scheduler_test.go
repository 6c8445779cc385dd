package scheduler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/health"
	"github.com/loomhq/loomd/internal/logging"
	"github.com/loomhq/loomd/internal/loomtest"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/shepherd"
	"github.com/loomhq/loomd/internal/snapshot"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

func newScheduler(t *testing.T, now time.Time) (*Scheduler, *statestore.Store, *loomtest.Tracker) {
	t.Helper()
	store := statestore.New(t.TempDir())
	trk := loomtest.NewTracker()
	host := loomtest.NewSessionHost()
	clk := clock.Frozen{T: now}
	cfg := config.Default()
	cfg.Pool.MaxShepherds = 2

	claimsMgr := claims.New(store).WithClock(func() time.Time { return now })

	logger := logging.New("test").WithOutput(&bytes.Buffer{})

	s := &Scheduler{
		Store:   store,
		Tracker: trk,
		Claims:  claimsMgr,
		Config:  cfg,
		Clock:   clk,
		Logger:  logger,
		SnapshotBuilder: &snapshot.Builder{
			Tracker: trk,
			Clock:   clk,
			Store:   store,
			Claims:  claimsMgr,
			Config:  cfg,
		},
		Recoverer: &orphan.Recoverer{Store: store, Tracker: trk, Host: host, Clock: clk},
		Health:    &health.Monitor{Store: store, Clock: clk},
		SessionID: "1-111",
	}
	return s, store, trk
}

func TestRunIterationStopSignal(t *testing.T) {
	s, store, _ := newScheduler(t, time.Now().UTC())
	require.NoError(t, store.StoreDoc(store.StopDaemonPath(), map[string]bool{"stop": true}))

	res, err := s.RunIteration(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
}

func TestRunIterationYieldsOnSessionMismatch(t *testing.T) {
	s, store, _ := newScheduler(t, time.Now().UTC())
	require.NoError(t, store.StoreDoc(store.DaemonStatePath(), statestore.DaemonState{
		Shepherds:       map[string]*statestore.ShepherdEntry{},
		DaemonSessionID: "other-session",
	}))

	res, err := s.RunIteration(context.Background())
	require.NoError(t, err)
	require.True(t, res.YieldedOwnership)
}

func TestRunIterationSpawnsShepherdForReadyIssue(t *testing.T) {
	now := time.Now().UTC()
	s, store, trk := newScheduler(t, now)
	trk.AddIssue(&tracker.Issue{Number: 42, Title: "fix the thing", Labels: []string{"issue"}, State: "open"})

	spawned := make(chan int, 1)
	s.RunShepherd = func(ctx context.Context, shepherdID, taskID string, issue *tracker.Issue) (shepherd.Result, error) {
		spawned <- issue.Number
		return shepherd.Result{Outcome: shepherd.LifecycleCompleted, PRNumber: 7}, nil
	}

	res, err := s.RunIteration(context.Background())
	require.NoError(t, err)
	require.False(t, res.Stopped)
	require.False(t, res.YieldedOwnership)

	select {
	case n := <-spawned:
		require.Equal(t, 42, n)
	case <-time.After(2 * time.Second):
		t.Fatal("expected shepherd to be dispatched")
	}
	s.wg.Wait()

	daemon, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	require.NoError(t, err)
	require.Contains(t, daemon.CompletedIssues, "42")
	require.Equal(t, 1, daemon.TotalPRsMerged)
}

func TestApplyBackoffEscalatesThenResets(t *testing.T) {
	s, _, _ := newScheduler(t, time.Now().UTC())
	daemon := statestore.NewDaemonState()

	for i := 0; i < s.Config.Scheduler.BackoffThreshold; i++ {
		s.applyBackoff(daemon, true)
	}
	require.Greater(t, daemon.IterationTiming.CurrentBackoffSeconds, s.Config.Scheduler.PollInterval.Seconds())

	s.applyBackoff(daemon, false)
	require.Equal(t, s.Config.Scheduler.PollInterval.Seconds(), daemon.IterationTiming.CurrentBackoffSeconds)
	require.Equal(t, 0, daemon.IterationTiming.ConsecutiveFailures)
}

func TestApplyBackoffCapsAtMaxBackoff(t *testing.T) {
	s, _, _ := newScheduler(t, time.Now().UTC())
	s.Config.Scheduler.MaxBackoff = 5 * time.Second
	s.Config.Scheduler.BackoffThreshold = 1
	daemon := statestore.NewDaemonState()
	daemon.IterationTiming.CurrentBackoffSeconds = 4

	for i := 0; i < 5; i++ {
		s.applyBackoff(daemon, true)
	}
	require.Equal(t, 5.0, daemon.IterationTiming.CurrentBackoffSeconds)
}

func TestRecordTimingFlagsSlowIteration(t *testing.T) {
	s, _, _ := newScheduler(t, time.Now().UTC())
	daemon := statestore.NewDaemonState()
	for _, d := range []float64{1, 1, 1} {
		s.recordTiming(daemon, d)
	}
	require.False(t, s.recordTiming(daemon, 1))
	require.True(t, s.recordTiming(daemon, s.Config.Scheduler.SlowIterationMultiplier*daemon.IterationTiming.AvgDurationSeconds+1))
}

func TestPIDLockRefusesDuplicateAndAllowsAfterRelease(t *testing.T) {
	store := statestore.New(t.TempDir())
	require.NoError(t, AcquirePIDLock(store, 1))
	err := AcquirePIDLock(store, 2)
	require.Error(t, err, "pid 1 (init) is always alive, so a second lock must be refused")

	require.NoError(t, ReleasePIDLock(store))
	require.NoError(t, AcquirePIDLock(store, 2))
}

func TestStartupRecoveryRunsSweepAndResetsState(t *testing.T) {
	store := statestore.New(t.TempDir())
	now := time.Now().UTC()
	clk := clock.Frozen{T: now}

	prior := statestore.NewDaemonState()
	prior.StartedAt = now.Add(-time.Hour)
	prior.Running = true
	require.NoError(t, store.StoreDoc(store.DaemonStatePath(), prior))

	swept := false
	err := StartupRecovery(context.Background(), store, clk, "1-222", func(ctx context.Context) error {
		swept = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, swept)

	fresh, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	require.NoError(t, err)
	require.Equal(t, "1-222", fresh.DaemonSessionID)
	require.True(t, fresh.Running)
}
