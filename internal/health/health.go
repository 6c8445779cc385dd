// Package health implements the composite health score, alert generation,
// and rolling metrics time series (spec.md §4.10 "Health Monitor"),
// grounded on steveyegge-vc/internal/health's dependency_auditor +
// score-factor style, generalized from a single dependency-drift check into
// the full eight-factor composite spec.md names.
package health

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/statestore"
)

// Retention bounds how long MetricEntry samples are kept (spec.md §3
// "HealthMetrics ... (<= 24h retained)").
const Retention = 24 * time.Hour

// Input bundles everything one Collect call needs to build a MetricEntry
// and score it. Callers (the scheduler) assemble this from the snapshot,
// daemon state, and prior sample rather than Monitor reaching for hidden
// globals (spec.md §9 "Global state isolation").
type Input struct {
	Now                     time.Time
	IterationSeconds        float64
	ReadyCount              int
	BuildingCount           int
	BlockedCount            int
	ThroughputIssuesPerHr   float64
	ThroughputPRsPerHr      float64
	SuccessRatePercent      float64 // 0-100; 100 = no recent failures
	ConsecutiveFailures     int
	StuckAgentsCount        int
	ActiveShepherds         int
	MaxShepherds            int
	PreviousThroughputPRsHr float64
	PipelineHealth          statestore.PipelineHealth
	SystematicFailureActive bool
}

// Monitor computes and persists health metrics and alerts (spec.md §4.10
// "Independent of the scheduler; invoked periodically by the scheduler").
type Monitor struct {
	Store *statestore.Store
	Clock clock.Clock
}

// Collect builds one MetricEntry from in, appends it to the persisted
// HealthMetrics document (pruning samples older than Retention), recomputes
// the composite score, and appends any newly-triggered Alerts (bounded to
// the last 100 via AlertLog.Append).
func (m *Monitor) Collect(in Input) (statestore.MetricEntry, int, []statestore.Alert, error) {
	entry := statestore.MetricEntry{
		Timestamp:           in.Now,
		ThroughputIssuesPerHr: in.ThroughputIssuesPerHr,
		ThroughputPRsPerHr:    in.ThroughputPRsPerHr,
		AvgIterationSeconds:   in.IterationSeconds,
		QueueDepths: map[string]int{
			"ready":    in.ReadyCount,
			"building": in.BuildingCount,
			"blocked":  in.BlockedCount,
		},
		ErrorRates: map[string]float64{
			"success_rate": in.SuccessRatePercent,
		},
		ResourceUsage: map[string]float64{
			"shepherd_budget_used_pct": sessionBudgetPercent(in.ActiveShepherds, in.MaxShepherds),
		},
		PipelineHealth: in.PipelineHealth,
	}

	var metrics statestore.HealthMetrics
	err := statestore.Update(m.Store, m.Store.HealthMetricsPath(), func(hm *statestore.HealthMetrics) error {
		hm.Metrics = append(hm.Metrics, entry)
		hm.Metrics = pruneOld(hm.Metrics, in.Now)

		score := ComputeScore(in)
		hm.HealthScore = score
		hm.HealthStatus = ScoreToStatus(score)
		metrics = *hm
		return nil
	})
	if err != nil {
		return entry, 0, nil, fmt.Errorf("updating health metrics: %w", err)
	}

	alerts := GenerateAlerts(in, metrics.HealthScore, m.Clock.Now())
	if len(alerts) > 0 {
		if err := statestore.Update(m.Store, m.Store.AlertsPath(), func(log *statestore.AlertLog) error {
			for _, a := range alerts {
				log.Append(a)
			}
			return nil
		}); err != nil {
			return entry, metrics.HealthScore, alerts, fmt.Errorf("persisting alerts: %w", err)
		}
	}

	return entry, metrics.HealthScore, alerts, nil
}

func sessionBudgetPercent(active, max int) float64 {
	if max <= 0 {
		return 0
	}
	return 100 * float64(active) / float64(max)
}

func pruneOld(metrics []statestore.MetricEntry, now time.Time) []statestore.MetricEntry {
	cutoff := now.Add(-Retention)
	var out []statestore.MetricEntry
	for _, m := range metrics {
		if m.Timestamp.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// ComputeScore implements the eight-weighted-factor composite (spec.md
// §4.10 "Composite score (0-100)"). Starts at 100 and deducts per factor;
// clamped to [0, 100].
func ComputeScore(in Input) int {
	score := 100

	score -= band(in.SuccessRatePercent < 50, in.SuccessRatePercent < 70, in.SuccessRatePercent < 90, 25, 15, 8)
	score -= bandGE(in.ConsecutiveFailures, 5, 3, 1, 15, 10, 5)
	score -= bandGE(in.StuckAgentsCount, 3, 2, 1, 20, 12, 6)

	growth := in.ThroughputPRsPerHr - in.PreviousThroughputPRsHr
	queueGrowthCount := 0
	if growth < 0 {
		queueGrowthCount = int(-growth)
	}
	score -= bandGE(queueGrowthCount, 3, 3, 1, 15, 10, 5)

	budgetPct := sessionBudgetPercent(in.ActiveShepherds, in.MaxShepherds)
	score -= band(budgetPct >= 95, budgetPct >= 90, budgetPct >= 80, 15, 10, 5)

	if in.PreviousThroughputPRsHr > 0 {
		declinePct := 100 * (in.PreviousThroughputPRsHr - in.ThroughputPRsPerHr) / in.PreviousThroughputPRsHr
		if declinePct > 0 {
			deduction := int(declinePct / 100 * 15)
			if deduction > 15 {
				deduction = 15
			}
			score -= deduction
		}
	}

	switch in.PipelineHealth.Status {
	case statestore.PipelineStalled:
		score -= 20
	case statestore.PipelineDegraded:
		score -= 10
	}

	if in.SystematicFailureActive {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// band returns the first deduction whose threshold condition is true,
// checked worst-first.
func band(worst, mid, low bool, worstDeduction, midDeduction, lowDeduction int) int {
	switch {
	case worst:
		return worstDeduction
	case mid:
		return midDeduction
	case low:
		return lowDeduction
	default:
		return 0
	}
}

// bandGE deducts by the highest threshold that value meets or exceeds.
func bandGE(value, worstThreshold, midThreshold, lowThreshold, worstDeduction, midDeduction, lowDeduction int) int {
	switch {
	case value >= worstThreshold:
		return worstDeduction
	case value >= midThreshold:
		return midDeduction
	case value >= lowThreshold:
		return lowDeduction
	default:
		return 0
	}
}

// ScoreToStatus maps a composite score to its traffic-light label (spec.md
// §4.10 "Map score to label").
func ScoreToStatus(score int) statestore.HealthStatus {
	switch {
	case score >= 90:
		return statestore.HealthExcellent
	case score >= 70:
		return statestore.HealthGood
	case score >= 50:
		return statestore.HealthFair
	case score >= 30:
		return statestore.HealthWarning
	default:
		return statestore.HealthCritical
	}
}

// GenerateAlerts emits Alerts from the current sample (spec.md §4.10 "Emit
// Alerts from current latest sample").
func GenerateAlerts(in Input, score int, now time.Time) []statestore.Alert {
	var alerts []statestore.Alert
	add := func(t statestore.AlertType, sev statestore.AlertSeverity, msg string, ctx map[string]interface{}) {
		alerts = append(alerts, statestore.Alert{
			ID:        fmt.Sprintf("alert-%s-%d-%s", t, now.Unix(), uuid.NewString()[:8]),
			Type:      t,
			Severity:  sev,
			Message:   msg,
			Timestamp: now,
			Context:   ctx,
		})
	}

	if in.StuckAgentsCount > 0 {
		sev := statestore.SeverityWarning
		if in.StuckAgentsCount >= 3 {
			sev = statestore.SeverityCritical
		}
		add(statestore.AlertStuckAgents, sev, fmt.Sprintf("%d stuck agent(s) detected", in.StuckAgentsCount), map[string]interface{}{"count": in.StuckAgentsCount})
	}

	if in.SuccessRatePercent < 70 {
		sev := statestore.SeverityWarning
		if in.SuccessRatePercent < 50 {
			sev = statestore.SeverityCritical
		}
		add(statestore.AlertHighErrorRate, sev, fmt.Sprintf("success rate at %.1f%%", in.SuccessRatePercent), map[string]interface{}{"success_rate": in.SuccessRatePercent})
	}

	budgetPct := sessionBudgetPercent(in.ActiveShepherds, in.MaxShepherds)
	if budgetPct >= 90 {
		sev := statestore.SeverityWarning
		if budgetPct >= 95 {
			sev = statestore.SeverityCritical
		}
		add(statestore.AlertResourceExhaustion, sev, fmt.Sprintf("shepherd pool at %.0f%% capacity", budgetPct), map[string]interface{}{"budget_pct": budgetPct})
	}

	if in.PipelineHealth.Status == statestore.PipelineStalled {
		add(statestore.AlertPipelineStall, statestore.SeverityCritical, "pipeline stalled: "+in.PipelineHealth.Reason, map[string]interface{}{"reason": in.PipelineHealth.Reason})
	} else if in.PipelineHealth.Status == statestore.PipelineDegraded {
		add(statestore.AlertPipelineStall, statestore.SeverityWarning, "pipeline degraded: "+in.PipelineHealth.Reason, map[string]interface{}{"reason": in.PipelineHealth.Reason})
	}

	if in.SystematicFailureActive {
		add(statestore.AlertSystematicFailure, statestore.SeverityCritical, "systematic failure active", nil)
	}

	if in.ThroughputPRsPerHr < in.PreviousThroughputPRsHr && in.PreviousThroughputPRsHr > 0 {
		add(statestore.AlertQueueGrowth, statestore.SeverityInfo, "PR throughput declining", map[string]interface{}{
			"previous": in.PreviousThroughputPRsHr,
			"current":  in.ThroughputPRsPerHr,
		})
	}

	return alerts
}

// AcknowledgeAlert marks alert id acknowledged in the persisted AlertLog
// (spec.md §3 "Alert ... acknowledged, acknowledged_at").
func AcknowledgeAlert(store *statestore.Store, clk clock.Clock, id string) error {
	return statestore.Update(store, store.AlertsPath(), func(log *statestore.AlertLog) error {
		for i := range log.Alerts {
			if log.Alerts[i].ID == id {
				log.Alerts[i].Acknowledged = true
				now := clk.Now()
				log.Alerts[i].AcknowledgedAt = &now
				return nil
			}
		}
		return fmt.Errorf("alert %s not found", id)
	})
}
