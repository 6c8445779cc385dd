// Package stuck implements the composable stuck-detection strategies
// (spec.md §4.6 "Stuck strategies"): IdleTimeout, StaleHeartbeat,
// ExtendedWork, Loop, ErrorSpike, MissingMilestone. Grounded on
// steveyegge-vc/internal/watchdog's strategy-table shape, generalized from
// the teacher's single fixed detector into a registry of named, composable
// strategies per spec.md §9 "polymorphism by capability, not inheritance".
package stuck

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Severity orders stuck-detection severity (spec.md §4.6: "none < warning <
// elevated < critical").
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityElevated
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityElevated:
		return "elevated"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Intervention names the suggested remedial action for a detection.
type Intervention string

const (
	InterventionNone       Intervention = ""
	InterventionAlert      Intervention = "alert"
	InterventionRoleSwitch Intervention = "role_switch"
	InterventionPause      Intervention = "pause"
	InterventionClarify    Intervention = "clarify"
)

// DetectionResult is one strategy's verdict (spec.md §4.6).
type DetectionResult struct {
	Strategy     string
	Detected     bool
	Indicator    string
	Severity     Severity
	Intervention Intervention
}

// AgentState is the point-in-time view of a live shepherd a strategy
// inspects. HasPR/HasHeartbeat are optional: a strategy that doesn't need
// them ignores the zero value.
type AgentState struct {
	Now              time.Time
	Started          time.Time
	OutputMTime      time.Time
	HasHeartbeat     bool
	Heartbeat        time.Time
	HasPR            bool
	RecentOutputLines []string // most recent ~500 lines, oldest first
	HasWorktreeCreatedMilestone bool
}

// Thresholds bundles the tunables every strategy reads from (spec.md §6).
type Thresholds struct {
	IdleThreshold        time.Duration
	HeartbeatStale       time.Duration
	WorkingThreshold     time.Duration
	LoopThreshold        int
	ErrorSpikeThreshold  int
	NoWorktreeThreshold  time.Duration
}

// Strategy is one named detection function (spec.md §9: "registry of
// function values ... keyed by phase/strategy name").
type Strategy func(ctx context.Context, state AgentState, th Thresholds) DetectionResult

var errorPattern = regexp.MustCompile(`(?i)\berror\b|\bfailed\b|\bexception\b|\btraceback\b`)

// IdleTimeout fires when the output file hasn't changed in over
// th.IdleThreshold (spec.md §4.6 "1. IdleTimeout").
func IdleTimeout(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "idle_timeout"}
	if s.HasHeartbeat {
		// Heartbeat-based idle takes precedence when available (spec.md §4.6).
		return r
	}
	age := s.Now.Sub(s.OutputMTime)
	if age > th.IdleThreshold {
		r.Detected = true
		r.Indicator = "output idle for " + age.Round(time.Second).String()
		r.Severity = SeverityWarning
		r.Intervention = InterventionAlert
	}
	return r
}

// StaleHeartbeat fires when the last heartbeat is older than
// th.HeartbeatStale (spec.md §4.6 "2. StaleHeartbeat").
func StaleHeartbeat(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "stale_heartbeat"}
	if !s.HasHeartbeat {
		return r
	}
	age := s.Now.Sub(s.Heartbeat)
	if age > th.HeartbeatStale {
		r.Detected = true
		r.Indicator = "heartbeat stale for " + age.Round(time.Second).String()
		r.Severity = SeverityWarning
		r.Intervention = InterventionAlert
	}
	return r
}

// ExtendedWork fires when a shepherd has worked past th.WorkingThreshold
// with no PR yet (spec.md §4.6 "3. ExtendedWork").
func ExtendedWork(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "extended_work"}
	if s.HasPR {
		return r
	}
	elapsed := s.Now.Sub(s.Started)
	if elapsed > th.WorkingThreshold {
		r.Detected = true
		r.Indicator = "working " + elapsed.Round(time.Second).String() + " with no PR"
		r.Severity = SeverityElevated
		r.Intervention = InterventionRoleSwitch
	}
	return r
}

// Loop fires when the most-repeated error-pattern line in the recent output
// recurs at least th.LoopThreshold times (spec.md §4.6 "4. Loop").
func Loop(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "loop"}
	window := lastN(s.RecentOutputLines, 100)
	counts := map[string]int{}
	best, bestCount := "", 0
	for _, line := range window {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !errorPattern.MatchString(trimmed) {
			continue
		}
		counts[trimmed]++
		if counts[trimmed] > bestCount {
			best, bestCount = trimmed, counts[trimmed]
		}
	}
	if bestCount >= th.LoopThreshold {
		r.Detected = true
		r.Indicator = best
		r.Severity = SeverityCritical
		r.Intervention = InterventionPause
	}
	return r
}

// ErrorSpike fires when the recent 500-line window contains at least
// th.ErrorSpikeThreshold error-pattern matches (spec.md §4.6 "5. ErrorSpike").
func ErrorSpike(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "error_spike"}
	window := lastN(s.RecentOutputLines, 500)
	count := 0
	for _, line := range window {
		if errorPattern.MatchString(line) {
			count++
		}
	}
	if count >= th.ErrorSpikeThreshold {
		r.Detected = true
		r.Indicator = "error-pattern matches"
		r.Severity = SeverityElevated
		r.Intervention = InterventionClarify
	}
	return r
}

// MissingMilestone fires when a shepherd has worked past
// th.NoWorktreeThreshold without a worktree_created milestone (spec.md §4.6
// "6. MissingMilestone").
func MissingMilestone(ctx context.Context, s AgentState, th Thresholds) DetectionResult {
	r := DetectionResult{Strategy: "missing_milestone"}
	if s.HasWorktreeCreatedMilestone {
		return r
	}
	elapsed := s.Now.Sub(s.Started)
	if elapsed > th.NoWorktreeThreshold {
		r.Detected = true
		r.Indicator = "no worktree_created milestone after " + elapsed.Round(time.Second).String()
		r.Severity = SeverityWarning
		r.Intervention = InterventionAlert
	}
	return r
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// All is the fixed registry of every strategy, run in this order.
var All = []Strategy{IdleTimeout, StaleHeartbeat, ExtendedWork, Loop, ErrorSpike, MissingMilestone}

// Run evaluates every strategy in All and returns only the detections.
func Run(ctx context.Context, s AgentState, th Thresholds) []DetectionResult {
	var out []DetectionResult
	for _, strategy := range All {
		if r := strategy(ctx, s, th); r.Detected {
			out = append(out, r)
		}
	}
	return out
}

// Worst returns the highest-severity detection among results, or a
// zero-value (not-detected) DetectionResult if results is empty. Ties break
// toward the earlier entry, i.e. the strategy order in All.
func Worst(results []DetectionResult) DetectionResult {
	var worst DetectionResult
	for _, r := range results {
		if r.Detected && r.Severity > worst.Severity {
			worst = r
		}
	}
	return worst
}
