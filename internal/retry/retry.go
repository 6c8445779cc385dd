// Package retry implements the per-error-class retry policy table and the
// systematic-failure backoff tracker (spec.md §4.8 "Retry Budget &
// Systematic Failure", §7 "Error Handling Design"). Grounded on
// steveyegge-vc/internal/cost's fixed-policy-table-plus-config-fallback
// shape, generalized from budget exhaustion to error-class retry exhaustion.
package retry

import (
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/statestore"
)

// ErrorClass enumerates the taxonomy spec.md §7 names.
type ErrorClass string

const (
	ClassMCPInfrastructure  ErrorClass = "mcp_infrastructure_failure"
	ClassShepherdFailure    ErrorClass = "shepherd_failure"
	ClassBuilderNoPR        ErrorClass = "builder_no_pr"
	ClassBuilderUnknown     ErrorClass = "builder_unknown_failure"
	ClassBuilderTestFailure ErrorClass = "builder_test_failure"
	ClassJudgeExhausted     ErrorClass = "judge_exhausted"
	ClassDoctorExhausted    ErrorClass = "doctor_exhausted"
	ClassDoctorNoProgress   ErrorClass = "doctor_no_progress"
)

// Policy is one error class's retry budget (spec.md §3 "RetryPolicy").
type Policy struct {
	Cooldown   time.Duration
	MaxRetries int
	Escalate   bool
	// Immediate, when true, escalates on the very first occurrence
	// regardless of MaxRetries (spec.md §4.8 "doctor exhaustion: immediate
	// escalation").
	Immediate bool
}

// fixedPolicies are the hardcoded per-class policies spec.md §4.8/§7 name
// explicitly; classes absent here fall back to the configured exponential
// default (unknownPolicy).
var fixedPolicies = map[ErrorClass]Policy{
	ClassMCPInfrastructure:  {Cooldown: 1800 * time.Second, MaxRetries: 5, Escalate: false},
	ClassShepherdFailure:    {Cooldown: 1800 * time.Second, MaxRetries: 5, Escalate: false},
	ClassBuilderUnknown:     {Cooldown: 7200 * time.Second, MaxRetries: 3, Escalate: true},
	ClassBuilderNoPR:        {Cooldown: 7200 * time.Second, MaxRetries: 3, Escalate: true},
	ClassBuilderTestFailure: {Cooldown: 21600 * time.Second, MaxRetries: 2, Escalate: true},
	ClassJudgeExhausted:     {Cooldown: 21600 * time.Second, MaxRetries: 0, Escalate: true, Immediate: true},
	ClassDoctorExhausted:    {Cooldown: 0, MaxRetries: 0, Escalate: true, Immediate: true},
	ClassDoctorNoProgress:   {Cooldown: 0, MaxRetries: 0, Escalate: true, Immediate: true},
}

// PolicyFor resolves the retry policy for class, using the fixed table when
// the class is known and an exponential-backoff default (from cfg.Retry,
// scaled by retryCount) otherwise (spec.md §4.8 "Unknown classes use
// exponential backoff from config defaults").
func PolicyFor(class string, cfg *config.Retry, retryCount int) Policy {
	if p, ok := fixedPolicies[ErrorClass(class)]; ok {
		return p
	}
	cooldown := cfg.RetryCooldown
	for i := 0; i < retryCount; i++ {
		cooldown = time.Duration(float64(cooldown) * cfg.RetryBackoffMultiplier)
		if cooldown > cfg.RetryMaxCooldown {
			cooldown = cfg.RetryMaxCooldown
			break
		}
	}
	return Policy{Cooldown: cooldown, MaxRetries: cfg.MaxRetryCount, Escalate: false}
}

// RecordFailure increments an issue's failure log entry, creating it if
// absent (spec.md §3 "IssueFailureLog").
func RecordFailure(log *statestore.IssueFailureLog, issue string, now time.Time) {
	if log.Issues == nil {
		log.Issues = map[string]*statestore.IssueFailureRecord{}
	}
	rec, ok := log.Issues[issue]
	if !ok {
		rec = &statestore.IssueFailureRecord{FirstSeen: now}
		log.Issues[issue] = rec
	}
	rec.TotalFailures++
	rec.LastSeen = now
}

// ShouldAutoBlock reports whether issue's accumulated failures meet or
// exceed threshold (spec.md §4.8 "When >= threshold, mark should_auto_block").
func ShouldAutoBlock(log *statestore.IssueFailureLog, issue string, threshold int) bool {
	rec, ok := log.Issues[issue]
	if !ok {
		return false
	}
	return rec.TotalFailures >= threshold
}

// ApplyBlockedRetry advances issue's BlockedIssueRetry state after a new
// blocked-from-shepherd transition: increments retry_count, resolves the
// class's policy, and sets retry_exhausted/escalated_to_human accordingly
// (spec.md §4.8 "Per-error-class retry policy", "When exhausted and policy
// says escalate, the issue is added to needs_human_input (once)").
func ApplyBlockedRetry(daemon *statestore.DaemonState, issue, errorClass string, cfg *config.Retry, now time.Time) *statestore.BlockedIssueRetry {
	if daemon.BlockedIssueRetries == nil {
		daemon.BlockedIssueRetries = map[string]*statestore.BlockedIssueRetry{}
	}
	rec, ok := daemon.BlockedIssueRetries[issue]
	if !ok {
		rec = &statestore.BlockedIssueRetry{}
		daemon.BlockedIssueRetries[issue] = rec
	}

	rec.RetryCount++
	rec.ErrorClass = errorClass
	rec.LastRetryAt = &now

	policy := PolicyFor(errorClass, cfg, rec.RetryCount-1)
	if policy.Immediate || rec.RetryCount > policy.MaxRetries {
		rec.RetryExhausted = true
		if policy.Escalate && !rec.EscalatedToHuman {
			rec.EscalatedToHuman = true
		}
	}
	return rec
}

// NextRetryAt reports when issue's retry budget next permits a dispatch,
// given the policy resolved for its current error class.
func NextRetryAt(rec *statestore.BlockedIssueRetry, cfg *config.Retry) time.Time {
	if rec == nil || rec.LastRetryAt == nil {
		return time.Time{}
	}
	policy := PolicyFor(rec.ErrorClass, cfg, rec.RetryCount-1)
	return rec.LastRetryAt.Add(policy.Cooldown)
}

// SystematicWindow is the sliding window of recent blocked-issue error
// classes the scheduler feeds into DetectSystematic (spec.md §4.8
// "Systematic failure ... When blocked reasons cluster").
type SystematicWindow struct {
	Classes []string
}

// DetectSystematic reports whether the last cfg.FailureThreshold entries in
// window all share the same error class, returning that class when so.
func DetectSystematic(window SystematicWindow, threshold int) (string, bool) {
	n := len(window.Classes)
	if n < threshold {
		return "", false
	}
	recent := window.Classes[n-threshold:]
	first := recent[0]
	for _, c := range recent[1:] {
		if c != first {
			return "", false
		}
	}
	return first, true
}

// UpdateSystematicFailure applies one newly-blocked issue's error class to
// the daemon's SystematicFailure tracker, activating it when clustering is
// detected and advancing the probe/cooldown state machine otherwise
// (spec.md §4.8 "Systematic failure").
func UpdateSystematicFailure(sf *statestore.SystematicFailure, window SystematicWindow, cfg *config.Systemic, now time.Time) {
	if sf.Active {
		return
	}
	class, detected := DetectSystematic(window, cfg.FailureThreshold)
	if !detected {
		return
	}
	sf.Active = true
	sf.Pattern = class
	sf.Count = cfg.FailureThreshold
	sf.DetectedAt = &now
	cooldown := now.Add(cfg.Cooldown)
	sf.CooldownUntil = &cooldown
	sf.ProbeCount = 0
}

// ProbeOutcome is the verdict of one probe shepherd's run, fed back into
// the systematic-failure state machine.
type ProbeOutcome int

const (
	ProbeSucceeded ProbeOutcome = iota
	ProbeFailed
)

// ObserveProbe records a probe shepherd's outcome. Success clears the
// systematic-failure state entirely; failure doubles the cooldown (via
// exponential backoff on probe_count) and, once max_probes is exhausted,
// leaves Active set so the scheduler surfaces
// systematic_failure_manual_intervention (spec.md §4.8 "after max_probes,
// require manual intervention").
func ObserveProbe(sf *statestore.SystematicFailure, outcome ProbeOutcome, cfg *config.Systemic, now time.Time) {
	if outcome == ProbeSucceeded {
		*sf = statestore.SystematicFailure{}
		return
	}
	sf.ProbeCount++
	backoff := time.Duration(float64(cfg.Cooldown) * pow2(sf.ProbeCount))
	cooldown := now.Add(backoff)
	sf.CooldownUntil = &cooldown
}

// RequiresManualIntervention reports whether the systematic-failure tracker
// has exhausted every available probe (spec.md §4.8 "after max_probes,
// require manual intervention").
func RequiresManualIntervention(sf *statestore.SystematicFailure, cfg *config.Systemic) bool {
	return sf.Active && sf.ProbeCount >= cfg.MaxProbes
}

// ProbeAvailable reports whether a single probe shepherd may be spawned:
// the cooldown has elapsed and the probe budget isn't exhausted (spec.md
// §4.8 "after cooldown elapses, a single probe shepherd is allowed").
func ProbeAvailable(sf *statestore.SystematicFailure, cfg *config.Systemic, now time.Time) bool {
	if !sf.Active || RequiresManualIntervention(sf, cfg) {
		return false
	}
	if sf.CooldownUntil == nil {
		return true
	}
	return now.After(*sf.CooldownUntil) || now.Equal(*sf.CooldownUntil)
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

// String renders a Policy for diagnostics.
func (p Policy) String() string {
	return fmt.Sprintf("cooldown=%s max_retries=%d escalate=%v immediate=%v", p.Cooldown, p.MaxRetries, p.Escalate, p.Immediate)
}
