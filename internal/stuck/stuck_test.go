package stuck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var th = Thresholds{
	IdleThreshold:       10 * time.Minute,
	HeartbeatStale:      2 * time.Minute,
	WorkingThreshold:    time.Hour,
	LoopThreshold:       5,
	ErrorSpikeThreshold: 10,
	NoWorktreeThreshold: 5 * time.Minute,
}

func TestIdleTimeoutYieldsToHeartbeat(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, OutputMTime: now.Add(-time.Hour), HasHeartbeat: true, Heartbeat: now}
	r := IdleTimeout(context.Background(), s, th)
	assert.False(t, r.Detected, "heartbeat-based idle takes precedence")
}

func TestIdleTimeoutFiresWithoutHeartbeat(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, OutputMTime: now.Add(-20 * time.Minute)}
	r := IdleTimeout(context.Background(), s, th)
	assert.True(t, r.Detected)
	assert.Equal(t, SeverityWarning, r.Severity)
}

func TestStaleHeartbeatExactlyAtThresholdIsNotStale(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, HasHeartbeat: true, Heartbeat: now.Add(-th.HeartbeatStale)}
	r := StaleHeartbeat(context.Background(), s, th)
	assert.False(t, r.Detected, "exactly-at-threshold heartbeat age is not stale")
}

func TestStaleHeartbeatPastThreshold(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, HasHeartbeat: true, Heartbeat: now.Add(-th.HeartbeatStale - time.Second)}
	r := StaleHeartbeat(context.Background(), s, th)
	assert.True(t, r.Detected)
}

func TestExtendedWorkRequiresNoPR(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, Started: now.Add(-2 * time.Hour), HasPR: true}
	r := ExtendedWork(context.Background(), s, th)
	assert.False(t, r.Detected)

	s.HasPR = false
	r = ExtendedWork(context.Background(), s, th)
	assert.True(t, r.Detected)
	assert.Equal(t, SeverityElevated, r.Severity)
	assert.Equal(t, InterventionRoleSwitch, r.Intervention)
}

func TestLoopDetectsRepeatedErrorLine(t *testing.T) {
	now := time.Now()
	lines := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		lines = append(lines, "Error: connection refused")
	}
	s := AgentState{Now: now, RecentOutputLines: lines}
	r := Loop(context.Background(), s, th)
	assert.True(t, r.Detected)
	assert.Equal(t, SeverityCritical, r.Severity)
}

func TestErrorSpikeCountsAcrossWindow(t *testing.T) {
	now := time.Now()
	lines := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		lines = append(lines, "Traceback (most recent call last):")
	}
	s := AgentState{Now: now, RecentOutputLines: lines}
	r := ErrorSpike(context.Background(), s, th)
	assert.True(t, r.Detected)
}

func TestMissingMilestone(t *testing.T) {
	now := time.Now()
	s := AgentState{Now: now, Started: now.Add(-10 * time.Minute)}
	r := MissingMilestone(context.Background(), s, th)
	assert.True(t, r.Detected)

	s.HasWorktreeCreatedMilestone = true
	r = MissingMilestone(context.Background(), s, th)
	assert.False(t, r.Detected)
}

func TestWorstPicksHighestSeverity(t *testing.T) {
	results := []DetectionResult{
		{Strategy: "a", Detected: true, Severity: SeverityWarning},
		{Strategy: "b", Detected: true, Severity: SeverityCritical},
		{Strategy: "c", Detected: true, Severity: SeverityElevated},
	}
	w := Worst(results)
	assert.Equal(t, "b", w.Strategy)
}

func TestWorstOnEmptyIsZeroValue(t *testing.T) {
	w := Worst(nil)
	assert.False(t, w.Detected)
	assert.Equal(t, SeverityNone, w.Severity)
}
