package agentmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/loomtest"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

func TestDetectCompletionRoleSpecific(t *testing.T) {
	require.True(t, DetectCompletion("builder", "work done\nOpened PR #42\n"))
	require.False(t, DetectCompletion("builder", "still working\n"))
	require.True(t, DetectCompletion("judge", "Review submitted\n"))
	require.True(t, DetectCompletion("anything", "ok, exiting now\n"))
}

func TestDetectStuckPromptRequiresNoProcessingIndicator(t *testing.T) {
	stuck, role, arg := detectStuckPrompt("some output\n❯ /builder 42\n")
	require.True(t, stuck)
	require.Equal(t, "builder", role)
	require.Equal(t, "42", arg)

	stuck, _, _ = detectStuckPrompt("some output\n❯ /builder 42\nesc to interrupt\n")
	require.False(t, stuck)

	stuck, _, _ = detectStuckPrompt("plain output with no prompt\n")
	require.False(t, stuck)
}

func TestShouldPollContractAdaptiveSchedule(t *testing.T) {
	require.False(t, ShouldPollContract(10*time.Second, time.Hour), "within skip window")
	require.True(t, ShouldPollContract(4*time.Minute, 2*time.Minute), "past skip window, interval elapsed")
	require.False(t, ShouldPollContract(4*time.Minute, 10*time.Second), "past skip window, interval not yet elapsed")
	require.True(t, ShouldPollContract(25*time.Minute, 11*time.Second), "long-running uses the shortest interval")
}

func TestIdleSourceStickyOnceHeartbeatObserved(t *testing.T) {
	var s IdleSource
	require.False(t, s.UseHeartbeat())
	s.Observe(true)
	require.True(t, s.UseHeartbeat())
	s.Observe(false)
	require.True(t, s.UseHeartbeat(), "sticks to heartbeat even once it stops being reported")
}

func newMonitor(t *testing.T, host *loomtest.SessionHost, now time.Time) (*Monitor, *statestore.Store) {
	t.Helper()
	store := statestore.New(t.TempDir())
	m := &Monitor{
		Host:        host,
		Store:       store,
		Clock:       clock.Frozen{T: now},
		Th:          DefaultThresholds(),
		Role:        "builder",
		SessionName: "shepherd-a1b2c3d-builder",
		StartedAt:   now,
	}
	return m, store
}

func TestTickDetectsCompletion(t *testing.T) {
	host := loomtest.NewSessionHost()
	now := time.Now().UTC()
	require.NoError(t, host.Spawn(context.Background(), sessionhost.SpawnOptions{Name: "shepherd-a1b2c3d-builder"}))
	host.Feed("shepherd-a1b2c3d-builder", "Opened PR #42")

	m, _ := newMonitor(t, host, now)
	sig, err := m.Tick(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, SignalCompleted, sig)
}

func TestTickStuckPromptNudgeThenResend(t *testing.T) {
	host := loomtest.NewSessionHost()
	ctx := context.Background()
	require.NoError(t, host.Spawn(ctx, sessionhost.SpawnOptions{Name: "sess"}))
	host.Feed("sess", "❯ /builder 42")

	now := time.Now().UTC()
	m, _ := newMonitor(t, host, now)
	m.SessionName = "sess"

	// First tick: just notices, no nudge yet.
	sig, err := m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalNone, sig)

	// Advance past the stuck-age threshold: first nudge (Enter).
	m.Clock = clock.Frozen{T: now.Add(m.Th.PromptStuckAgeThreshold + time.Second)}
	sig, err = m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalStuckPromptNudged, sig)
	require.Equal(t, 1, m.nudgeStage)

	// Still stuck, past cooldown: resend slash command.
	m.Clock = clock.Frozen{T: now.Add(m.Th.PromptStuckAgeThreshold + m.Th.NudgeCooldown + 2*time.Second)}
	sig, err = m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalStuckPromptNudged, sig)
	require.Equal(t, 2, m.nudgeStage)

	// Recovery: prompt now shows a processing indicator, tracking resets.
	host.Feed("sess", "esc to interrupt")
	m.Clock = clock.Frozen{T: now.Add(time.Hour)}
	sig, err = m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalNone, sig)
	require.Nil(t, m.firstStuckAt)
}

func TestTickShutdownSignalFile(t *testing.T) {
	host := loomtest.NewSessionHost()
	ctx := context.Background()
	require.NoError(t, host.Spawn(ctx, sessionhost.SpawnOptions{Name: "sess"}))

	now := time.Now().UTC()
	m, store := newMonitor(t, host, now)
	m.SessionName = "sess"
	require.NoError(t, store.StoreDoc(store.SignalStopPath("sess"), map[string]bool{"stop": true}))

	sig, err := m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalShutdown, sig)
}

func TestTickAbortLabel(t *testing.T) {
	host := loomtest.NewSessionHost()
	ctx := context.Background()
	require.NoError(t, host.Spawn(ctx, sessionhost.SpawnOptions{Name: "sess"}))

	trk := loomtest.NewTracker()
	trk.AddIssue(&tracker.Issue{Number: 42, Labels: []string{"building", "abort"}, State: "open"})

	now := time.Now().UTC()
	m, _ := newMonitor(t, host, now)
	m.SessionName = "sess"
	m.Tracker = trk
	m.IssueNumber = 42

	sig, err := m.Tick(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, SignalAbort, sig)
}

func TestTickContractCheckFiresWhenDue(t *testing.T) {
	host := loomtest.NewSessionHost()
	ctx := context.Background()
	require.NoError(t, host.Spawn(ctx, sessionhost.SpawnOptions{Name: "sess"}))

	now := time.Now().UTC()
	m, _ := newMonitor(t, host, now)
	m.SessionName = "sess"
	m.Clock = clock.Frozen{T: now.Add(4 * time.Minute)}

	calls := 0
	check := func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	}
	sig, err := m.Tick(ctx, check)
	require.NoError(t, err)
	require.Equal(t, SignalContractSatisfied, sig)
	require.Equal(t, 1, calls)
}
