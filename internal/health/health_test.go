package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/statestore"
)

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	return statestore.New(t.TempDir())
}

func TestComputeScoreHealthyIsHigh(t *testing.T) {
	in := Input{
		SuccessRatePercent: 100,
		ActiveShepherds:    2,
		MaxShepherds:       10,
		PipelineHealth:     statestore.PipelineHealth{Status: statestore.PipelineHealthy},
	}
	score := ComputeScore(in)
	require.GreaterOrEqual(t, score, 90)
	require.Equal(t, statestore.HealthExcellent, ScoreToStatus(score))
}

func TestComputeScoreDegradesWithFailures(t *testing.T) {
	in := Input{
		SuccessRatePercent:  30,
		ConsecutiveFailures: 6,
		StuckAgentsCount:    4,
		ActiveShepherds:     10,
		MaxShepherds:        10,
		PipelineHealth:      statestore.PipelineHealth{Status: statestore.PipelineStalled},
		SystematicFailureActive: true,
	}
	score := ComputeScore(in)
	require.Less(t, score, 30)
	require.Equal(t, statestore.HealthCritical, ScoreToStatus(score))
}

func TestComputeScoreClampedToRange(t *testing.T) {
	in := Input{SuccessRatePercent: 0, ConsecutiveFailures: 100, StuckAgentsCount: 100, ActiveShepherds: 100, MaxShepherds: 1, SystematicFailureActive: true, PipelineHealth: statestore.PipelineHealth{Status: statestore.PipelineStalled}}
	score := ComputeScore(in)
	require.GreaterOrEqual(t, score, 0)
	require.LessOrEqual(t, score, 100)
}

func TestCollectPrunesOldSamplesAndRaisesAlerts(t *testing.T) {
	store := newStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mon := &Monitor{Store: store, Clock: clock.Frozen{T: now}}

	old := statestore.MetricEntry{Timestamp: now.Add(-48 * time.Hour)}
	require.NoError(t, store.StoreDoc(store.HealthMetricsPath(), statestore.HealthMetrics{Metrics: []statestore.MetricEntry{old}}))

	entry, score, alerts, err := mon.Collect(Input{
		Now:                now,
		SuccessRatePercent: 40,
		StuckAgentsCount:   3,
		ActiveShepherds:    10,
		MaxShepherds:       10,
		PipelineHealth:     statestore.PipelineHealth{Status: statestore.PipelineStalled, Reason: "no_ready_issues"},
	})
	require.NoError(t, err)
	require.Equal(t, now, entry.Timestamp)
	require.Less(t, score, 50)
	require.NotEmpty(t, alerts)

	hm, err := statestore.Load[statestore.HealthMetrics](store.HealthMetricsPath())
	require.NoError(t, err)
	require.Len(t, hm.Metrics, 1, "stale sample should have been pruned")

	alertLog, err := statestore.Load[statestore.AlertLog](store.AlertsPath())
	require.NoError(t, err)
	require.NotEmpty(t, alertLog.Alerts)
}

func TestAlertLogBoundedAt100(t *testing.T) {
	var log statestore.AlertLog
	now := time.Now().UTC()
	for i := 0; i < 150; i++ {
		log.Append(statestore.Alert{ID: "x", Timestamp: now})
	}
	require.Len(t, log.Alerts, 100)
}

func TestAcknowledgeAlert(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.StoreDoc(store.AlertsPath(), statestore.AlertLog{Alerts: []statestore.Alert{{ID: "alert-x-1", Timestamp: now}}}))

	require.NoError(t, AcknowledgeAlert(store, clock.Frozen{T: now}, "alert-x-1"))

	log, err := statestore.Load[statestore.AlertLog](store.AlertsPath())
	require.NoError(t, err)
	require.True(t, log.Alerts[0].Acknowledged)
	require.NotNil(t, log.Alerts[0].AcknowledgedAt)
}

func TestAcknowledgeAlertMissingErrors(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.StoreDoc(store.AlertsPath(), statestore.AlertLog{}))
	err := AcknowledgeAlert(store, clock.Frozen{T: time.Now().UTC()}, "does-not-exist")
	require.Error(t, err)
}
