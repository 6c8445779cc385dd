// Package scheduler implements the iteration scheduler loop (spec.md §4.7
// "Scheduler Loop"), grounded on steveyegge-vc/internal/executor's
// eventLoop ticker-plus-background-goroutine pattern, generalized from a
// single-issue-per-tick poll into the snapshot-build -> supervise ->
// dispatch -> persist -> backoff sequence spec.md names, with in-flight
// shepherds tracked the way the teacher tracks its QA-worker goroutines
// via a WaitGroup rather than blocking the tick on completion.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loomhq/loomd/internal/claims"
	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/health"
	"github.com/loomhq/loomd/internal/logging"
	"github.com/loomhq/loomd/internal/orphan"
	"github.com/loomhq/loomd/internal/retry"
	"github.com/loomhq/loomd/internal/shepherd"
	"github.com/loomhq/loomd/internal/snapshot"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// ShepherdRunner drives one issue to completion in the background. Production
// callers wire this to a shepherd.Driver.Run closure; tests inject a fake.
type ShepherdRunner func(ctx context.Context, shepherdID, taskID string, issue *tracker.Issue) (shepherd.Result, error)

// IterationResult summarizes one RunIteration call for tests and the
// `status`/`doctor` CLI subcommands.
type IterationResult struct {
	Snapshot   *snapshot.Snapshot
	Actions    []snapshot.Action
	HealthScore int
	Duration   time.Duration
	YieldedOwnership bool
	Stopped    bool
}

// Scheduler owns one daemon session's tick loop (spec.md §4.7).
type Scheduler struct {
	Store    *statestore.Store
	Tracker  tracker.Tracker
	Claims   *claims.Manager
	Config   *config.Config
	Clock    clock.Clock
	Logger   *logging.Logger

	SnapshotBuilder *snapshot.Builder
	Recoverer       *orphan.Recoverer
	Health          *health.Monitor
	HealthServer    *health.Server // optional; Observe is a no-op if nil

	RunShepherd ShepherdRunner

	SessionID string

	mu          sync.Mutex
	inFlight    map[string]struct{}
	wg          sync.WaitGroup
	prevPRsHour float64
}

// NewSessionID formats the "<epoch>-<pid>" session identity spec.md §4.12
// requires.
func NewSessionID(clk clock.Clock, pid int) string {
	return clock.DaemonSessionID(clk.Now(), pid)
}

// InFlightCount reports how many shepherd goroutines are currently running,
// for the `status` CLI subcommand.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) ensureInit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[string]struct{}{}
	}
}

// Run ticks RunIteration until the stop-signal file appears, ctx is
// cancelled, or ownership is lost, sleeping the daemon-state-persisted
// backoff between ticks (spec.md §4.7 step 9).
func (s *Scheduler) Run(ctx context.Context) error {
	s.ensureInit()
	for {
		res, err := s.RunIteration(ctx)
		if err != nil {
			s.Logger.Error("iteration failed: %v", err)
		}
		if res.Stopped {
			s.Logger.Info("stop-signal observed, shutting down")
			s.wg.Wait()
			return nil
		}
		if res.YieldedOwnership {
			s.Logger.Warn("session ownership lost to another daemon, exiting without further writes")
			return nil
		}

		backoff := s.currentBackoff()
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.sleepOrStop(ctx, backoff):
		}

		if stopped, _ := fileExists(s.Store.StopDaemonPath()); stopped {
			s.wg.Wait()
			return nil
		}
	}
}

func (s *Scheduler) sleepOrStop(ctx context.Context, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}()
	return ch
}

func (s *Scheduler) currentBackoff() time.Duration {
	daemon, err := statestore.Load[statestore.DaemonState](s.Store.DaemonStatePath())
	if err != nil {
		return s.Config.Scheduler.PollInterval
	}
	if daemon.IterationTiming.CurrentBackoffSeconds <= 0 {
		return s.Config.Scheduler.PollInterval
	}
	return time.Duration(daemon.IterationTiming.CurrentBackoffSeconds * float64(time.Second))
}

// RunIteration executes exactly one scheduler tick (spec.md §4.7 steps 1-8).
func (s *Scheduler) RunIteration(ctx context.Context) (IterationResult, error) {
	s.ensureInit()
	start := s.Clock.Now()

	if stopped, err := fileExists(s.Store.StopDaemonPath()); err != nil {
		return IterationResult{}, err
	} else if stopped {
		return IterationResult{Stopped: true}, nil
	}

	var daemon statestore.DaemonState
	iterFailed := false
	var result IterationResult

	err := statestore.Update(s.Store, s.Store.DaemonStatePath(), func(d *statestore.DaemonState) error {
		if d.Shepherds == nil {
			*d = *statestore.NewDaemonState()
		}
		if d.DaemonSessionID != "" && d.DaemonSessionID != s.SessionID {
			result.YieldedOwnership = true
			return nil
		}
		d.DaemonSessionID = s.SessionID
		d.Running = true
		d.Iteration++
		daemon = *d
		return nil
	})
	if err != nil {
		return IterationResult{}, fmt.Errorf("claiming iteration: %w", err)
	}
	if result.YieldedOwnership {
		return result, nil
	}

	sys := s.systematicState(daemon.SystematicFailure)
	snap, err := s.SnapshotBuilder.Build(ctx, &daemon, daemon.Iteration, sys)
	if err != nil {
		iterFailed = true
		s.Logger.Error("snapshot build failed: %v", err)
	}
	if snap == nil {
		snap = &snapshot.Snapshot{BuiltAt: s.Clock.Now()}
	}

	s.runSupervision(ctx, &daemon, snap)
	s.dispatch(ctx, &daemon, snap)

	duration := s.Clock.Now().Sub(start).Seconds()
	slow := s.recordTiming(&daemon, duration)
	if slow {
		snap.Warnings = append(snap.Warnings, "slow_iteration")
	}

	stalled := snap.PipelineHealth.Status == statestore.PipelineStalled
	s.applyBackoff(&daemon, stalled || iterFailed)

	daemon.Warnings = snap.Warnings
	if err := s.Store.StoreDoc(s.Store.DaemonStatePath(), &daemon); err != nil {
		return IterationResult{}, fmt.Errorf("persisting daemon state: %w", err)
	}

	score := s.collectHealth(&daemon, snap, duration)

	result.Snapshot = snap
	result.Actions = snap.RecommendedActions
	result.HealthScore = score
	result.Duration = time.Duration(duration * float64(time.Second))
	return result, nil
}

func (s *Scheduler) systematicState(sf statestore.SystematicFailure) snapshot.SystematicState {
	now := s.Clock.Now()
	return snapshot.SystematicState{
		Active:          sf.Active,
		CooldownElapsed: sf.CooldownUntil != nil && !now.Before(*sf.CooldownUntil),
		ProbesAvailable: sf.ProbeCount < s.Config.Systemic.MaxProbes,
	}
}

// runSupervision implements spec.md §4.7 step 4: orphan recovery and
// proactive stale-shepherd reclaim, then the snapshot's counts are left for
// the next tick to recompute fresh (slot arithmetic is done at dispatch
// time against the just-updated daemon state).
func (s *Scheduler) runSupervision(ctx context.Context, daemon *statestore.DaemonState, snap *snapshot.Snapshot) {
	if s.Recoverer == nil {
		return
	}
	for _, o := range snap.Orphans {
		if err := s.recoverOrphan(ctx, o); err != nil {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("orphan recovery failed for %s: %v", o.ShepherdID, err))
		}
	}
	if fresh, err := statestore.Load[statestore.DaemonState](s.Store.DaemonStatePath()); err == nil && fresh.Shepherds != nil {
		*daemon = fresh
	}
}

func (s *Scheduler) recoverOrphan(ctx context.Context, o orphan.Orphan) error {
	switch o.Type {
	case orphan.TypeInvalidTaskID, orphan.TypeStaleTaskID, orphan.TypeStaleHeartbeat:
		if o.ShepherdID != "" {
			if err := s.Recoverer.ResetShepherd(ctx, o.ShepherdID); err != nil {
				return err
			}
		}
		if o.Issue != "" {
			return s.resetIssueIfNumeric(ctx, o.Issue, o.Detail)
		}
		return nil
	case orphan.TypeUntrackedBuilding:
		return s.resetIssueIfNumeric(ctx, o.Issue, o.Detail)
	case orphan.TypeOrphanPR, orphan.TypeSpinningPR:
		return nil
	default:
		return nil
	}
}

func (s *Scheduler) resetIssueIfNumeric(ctx context.Context, issue, reason string) error {
	var n int
	if _, err := fmt.Sscanf(issue, "%d", &n); err != nil {
		return nil
	}
	return s.Recoverer.ResetIssueLabel(ctx, n, reason)
}

// dispatch implements spec.md §4.7 step 5: actions are already totally
// ordered by the snapshot builder; the scheduler executes them in order,
// recomputing available slots after any reclaim before spawning.
func (s *Scheduler) dispatch(ctx context.Context, daemon *statestore.DaemonState, snap *snapshot.Snapshot) {
	for _, action := range snap.RecommendedActions {
		switch action.Type {
		case snapshot.ActionSpawnShepherds:
			s.dispatchSpawn(ctx, daemon, snap)
		case snapshot.ActionRetryBlockedIssues:
			s.dispatchRetryBlocked(daemon, snap)
		case snapshot.ActionNeedsHumanInput:
			snap.Warnings = append(snap.Warnings, action.Reason)
		case snapshot.ActionDispatchRole:
			s.dispatchRole(daemon, action.Role)
		case snapshot.ActionRecoverOrphans:
			// handled in runSupervision before dispatch
		case snapshot.ActionWait:
		}
	}
}

func (s *Scheduler) dispatchSpawn(ctx context.Context, daemon *statestore.DaemonState, snap *snapshot.Snapshot) {
	if len(snap.ReadyIssues) == 0 {
		return
	}
	slotID, ok := s.findIdleSlot(daemon)
	if !ok {
		return
	}
	issue := snap.ReadyIssues[0]
	snap.ReadyIssues = snap.ReadyIssues[1:]

	taskID, err := clock.NewTaskID()
	if err != nil {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("generating task id: %v", err))
		return
	}

	now := s.Clock.Now()
	daemon.Shepherds[slotID] = &statestore.ShepherdEntry{
		Status:  statestore.ShepherdWorking,
		Issue:   fmt.Sprintf("%d", issue.Number),
		TaskID:  taskID,
		Started: &now,
	}

	s.mu.Lock()
	s.inFlight[slotID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, slotID)
			s.mu.Unlock()
		}()
		if s.RunShepherd == nil {
			return
		}
		result, err := s.RunShepherd(ctx, slotID, taskID, issue)
		if err != nil {
			s.Logger.Error("shepherd %s failed on issue %d: %v", slotID, issue.Number, err)
		}
		if err := s.Recoverer.ResetShepherd(ctx, slotID); err != nil {
			s.Logger.Error("resetting shepherd %s after completion: %v", slotID, err)
		}
		if result.Outcome == shepherd.LifecycleCompleted {
			_ = statestore.Update(s.Store, s.Store.DaemonStatePath(), func(d *statestore.DaemonState) error {
				d.CompletedIssues = append(d.CompletedIssues, fmt.Sprintf("%d", issue.Number))
				if result.PRNumber != 0 {
					d.TotalPRsMerged++
				}
				return nil
			})
		}
	}()
}

func (s *Scheduler) findIdleSlot(daemon *statestore.DaemonState) (string, bool) {
	active := 0
	for _, e := range daemon.Shepherds {
		if e.Status == statestore.ShepherdWorking {
			active++
		}
	}
	if active >= s.Config.Pool.MaxShepherds {
		return "", false
	}
	for i := 0; i < s.Config.Pool.MaxShepherds; i++ {
		id := fmt.Sprintf("shepherd-%d", i)
		if e, ok := daemon.Shepherds[id]; !ok || e.Status == statestore.ShepherdIdle {
			return id, true
		}
	}
	return "", false
}

func (s *Scheduler) dispatchRetryBlocked(daemon *statestore.DaemonState, snap *snapshot.Snapshot) {
	now := s.Clock.Now()
	for _, issue := range snap.BlockedIssues {
		key := fmt.Sprintf("%d", issue.Number)
		rec, ok := daemon.BlockedIssueRetries[key]
		if ok && rec.RetryExhausted {
			continue
		}
		if ok && !now.After(retry.NextRetryAt(rec, &s.Config.Retry)) {
			continue
		}
		errorClass := ""
		if ok {
			errorClass = rec.ErrorClass
		}
		retry.ApplyBlockedRetry(daemon, key, errorClass, &s.Config.Retry, now)
	}
}

func (s *Scheduler) dispatchRole(daemon *statestore.DaemonState, role string) {
	if daemon.SupportRoles == nil {
		daemon.SupportRoles = map[string]*statestore.SupportRoleState{}
	}
	now := s.Clock.Now()
	daemon.SupportRoles[role] = &statestore.SupportRoleState{LastTriggeredAt: &now}
}

// recordTiming implements spec.md §4.7 step 6-7: a rolling average over at
// most 100 samples, and the slow-iteration anomaly check (current duration
// > slow_iteration_multiplier * avg with >= 3 samples).
func (s *Scheduler) recordTiming(daemon *statestore.DaemonState, duration float64) (slow bool) {
	t := &daemon.IterationTiming
	prevAvg := t.AvgDurationSeconds
	prevCount := t.SampleCount

	if prevCount >= 3 && prevAvg > 0 && duration > s.Config.Scheduler.SlowIterationMultiplier*prevAvg {
		slow = true
	}

	const maxSamples = 100
	if t.SampleCount < maxSamples {
		t.SampleCount++
	}
	if t.SampleCount == 1 {
		t.AvgDurationSeconds = duration
	} else {
		t.AvgDurationSeconds = t.AvgDurationSeconds + (duration-t.AvgDurationSeconds)/float64(t.SampleCount)
	}
	t.LastDurationSeconds = duration
	if duration > t.MaxDurationSeconds {
		t.MaxDurationSeconds = duration
	}
	return slow
}

// applyBackoff implements spec.md §4.7 step 8.
func (s *Scheduler) applyBackoff(daemon *statestore.DaemonState, failed bool) {
	t := &daemon.IterationTiming
	if t.CurrentBackoffSeconds <= 0 {
		t.CurrentBackoffSeconds = s.Config.Scheduler.PollInterval.Seconds()
	}

	if !failed {
		t.ConsecutiveFailures = 0
		t.CurrentBackoffSeconds = s.Config.Scheduler.PollInterval.Seconds()
		return
	}

	t.ConsecutiveFailures++
	if t.ConsecutiveFailures >= s.Config.Scheduler.BackoffThreshold {
		next := t.CurrentBackoffSeconds * s.Config.Scheduler.BackoffMultiplier
		if max := s.Config.Scheduler.MaxBackoff.Seconds(); next > max {
			next = max
		}
		t.CurrentBackoffSeconds = next
	}
}

func (s *Scheduler) collectHealth(daemon *statestore.DaemonState, snap *snapshot.Snapshot, duration float64) int {
	if s.Health == nil {
		return 0
	}
	active := 0
	for _, e := range daemon.Shepherds {
		if e.Status == statestore.ShepherdWorking {
			active++
		}
	}
	successRate := 100.0
	if total := len(daemon.CompletedIssues) + len(snap.BlockedIssues); total > 0 {
		successRate = 100.0 * float64(len(daemon.CompletedIssues)) / float64(total)
	}

	in := health.Input{
		Now:                     s.Clock.Now(),
		IterationSeconds:        duration,
		ReadyCount:              len(snap.ReadyIssues),
		BuildingCount:           len(snap.BuildingIssues),
		BlockedCount:            len(snap.BlockedIssues),
		ThroughputPRsPerHr:      s.prevPRsHour,
		SuccessRatePercent:      successRate,
		ConsecutiveFailures:     daemon.IterationTiming.ConsecutiveFailures,
		StuckAgentsCount:        len(snap.Orphans),
		ActiveShepherds:         active,
		MaxShepherds:            s.Config.Pool.MaxShepherds,
		PreviousThroughputPRsHr: s.prevPRsHour,
		PipelineHealth:          snap.PipelineHealth,
		SystematicFailureActive: daemon.SystematicFailure.Active,
	}
	entry, score, _, err := s.Health.Collect(in)
	if err != nil {
		s.Logger.Error("health collect failed: %v", err)
		return 0
	}
	s.prevPRsHour = entry.ThroughputPRsPerHr
	if s.HealthServer != nil {
		s.HealthServer.Observe(entry, score, duration)
	}
	return score
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
