// Package agentmonitor implements the passive single-worker watcher the
// shepherd engine runs alongside a long-running phase (spec.md §4.11 "Agent
// Monitor"), grounded on steveyegge-vc/internal/executor's output-scanning
// completion detection, generalized to role-specific patterns plus the
// stuck-at-prompt nudge/resend recovery spec.md names.
package agentmonitor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

// Signal is one tick's verdict.
type Signal string

const (
	SignalNone              Signal = ""
	SignalCompleted         Signal = "completed"
	SignalShutdown          Signal = "shutdown"
	SignalAbort             Signal = "abort"
	SignalContractSatisfied Signal = "contract_satisfied"
	SignalStuckPromptNudged Signal = "stuck_prompt_nudged"
)

// completionPatterns are role-specific regexes matched against recent
// session output (spec.md §4.11 "completion patterns in session log
// (role-specific regexes)").
var completionPatterns = map[string]*regexp.Regexp{
	"builder": regexp.MustCompile(`(?i)(opened pr #\d+|build complete|pushed branch)`),
	"judge":   regexp.MustCompile(`(?i)(review (submitted|complete)|approved the pull request)`),
	"doctor":  regexp.MustCompile(`(?i)(fix(es)? applied|tests (now )?passing|pushed fix)`),
	"curator": regexp.MustCompile(`(?i)(curation complete|labell?ed curated)`),
}

var genericExitPattern = regexp.MustCompile(`(?i)\b(exiting|shutting down|session complete|goodbye)\b`)

// promptLinePattern recognizes a role slash command sitting at the prompt,
// e.g. "❯ /builder 42" (spec.md §4.11 "role slash command visible on the
// prompt line").
var promptLinePattern = regexp.MustCompile(`❯\s*/(\w+)\s+(\S+)`)

// processingIndicator is present whenever the CLI is actively streaming a
// response; its absence alongside a bare prompt line means the worker is
// stuck waiting at the prompt, not merely between turns.
var processingIndicator = regexp.MustCompile(`esc to interrupt`)

// Thresholds bundles the monitor's tunables.
type Thresholds struct {
	// PromptStuckAgeThreshold is how long a bare prompt line must persist
	// before the first nudge fires (spec.md §4.11 "after
	// prompt_stuck_age_threshold elapsed, sends Enter").
	PromptStuckAgeThreshold time.Duration
	// NudgeCooldown prevents repeated nudges from thrashing the session
	// (spec.md §4.11 "Has a cooldown to avoid thrash").
	NudgeCooldown time.Duration
	// IdleBackupThreshold triggers a contract check even when adaptive
	// polling wouldn't otherwise fire yet (spec.md §4.11 "Idle-triggered
	// backup checks fire after a configured output-idle threshold").
	IdleBackupThreshold time.Duration
}

// DefaultThresholds matches the values implied by spec.md §4.11's scenario 4
// and its description of the adaptive-polling windows; no default table is
// given in spec.md §6, so these are this implementation's Open Question
// decision (see DESIGN.md).
func DefaultThresholds() Thresholds {
	return Thresholds{
		PromptStuckAgeThreshold: 60 * time.Second,
		NudgeCooldown:           90 * time.Second,
		IdleBackupThreshold:     300 * time.Second,
	}
}

// ContractCheck runs a phase validator in check_only mode and reports
// whether the contract is currently satisfied (spec.md §4.11 "phase-
// contract satisfaction via a validator in check_only mode").
type ContractCheck func(ctx context.Context) (bool, error)

// Monitor watches one live worker session (spec.md §4.11).
type Monitor struct {
	Host    sessionhost.SessionHost
	Tracker tracker.Tracker
	Store   *statestore.Store
	Clock   clock.Clock
	Th      Thresholds

	Role        string
	SessionName string
	IssueNumber int
	StartedAt   time.Time

	firstStuckAt   *time.Time
	lastNudgeAt    time.Time
	nudgeStage     int
	lastContractAt time.Time
	idle           IdleSource
}

// IdleSource sticks to heartbeat-based idle detection once any heartbeat
// has ever been observed, even if output mtime later looks newer (spec.md
// SPEC_FULL.md §C.1: "distinguishes idle detection before any heartbeat has
// ever been written ... from idle detection after the first heartbeat").
type IdleSource struct {
	sawHeartbeat bool
}

// Observe records whether a heartbeat was present on this tick.
func (s *IdleSource) Observe(hasHeartbeatNow bool) {
	if hasHeartbeatNow {
		s.sawHeartbeat = true
	}
}

// UseHeartbeat reports whether heartbeat-based idle detection should be
// used instead of output-mtime-based detection.
func (s *IdleSource) UseHeartbeat() bool { return s.sawHeartbeat }

// DetectCompletion reports whether role's completion pattern, or the
// generic exit pattern, matches recent output.
func DetectCompletion(role, output string) bool {
	if p, ok := completionPatterns[role]; ok && p.MatchString(output) {
		return true
	}
	return genericExitPattern.MatchString(output)
}

// detectStuckPrompt reports whether the tail of output shows a bare role
// slash-command prompt with no processing indicator present anywhere in
// the window (spec.md §4.11 "stuck-at-prompt ... no processing
// indicator").
func detectStuckPrompt(output string) (stuck bool, role, arg string) {
	matches := promptLinePattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return false, "", ""
	}
	last := matches[len(matches)-1]
	if processingIndicator.MatchString(output) {
		return false, "", ""
	}
	return true, last[1], last[2]
}

// ShouldPollContract implements the adaptive contract-polling schedule
// (spec.md §4.11 "Adaptive contract polling": skipped for ~180s, then
// intervalled at progressively shorter windows as elapsed time grows).
func ShouldPollContract(elapsedSinceStart, elapsedSinceLastPoll time.Duration) bool {
	const skipWindow = 180 * time.Second
	if elapsedSinceStart < skipWindow {
		return false
	}
	return elapsedSinceLastPoll >= pollIntervalFor(elapsedSinceStart)
}

// pollIntervalFor returns the polling cadence for the given age, growing
// more frequent (shorter interval) the longer the worker has run.
func pollIntervalFor(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 5*time.Minute:
		return 90 * time.Second
	case elapsed < 10*time.Minute:
		return 60 * time.Second
	case elapsed < 20*time.Minute:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// Tick inspects the session's current scrollback and (adaptively) the
// phase contract, returning the first signal that fires. A nil error with
// SignalNone means "keep waiting."
func (m *Monitor) Tick(ctx context.Context, check ContractCheck) (Signal, error) {
	now := m.Clock.Now()

	if stopped, err := m.shutdownRequested(ctx); err != nil {
		return SignalNone, err
	} else if stopped {
		return SignalShutdown, nil
	}

	if aborted, err := m.abortRequested(ctx); err != nil {
		return SignalNone, err
	} else if aborted {
		return SignalAbort, nil
	}

	output, err := m.Host.Capture(ctx, m.SessionName, 500)
	if err != nil {
		return SignalNone, fmt.Errorf("capturing session %s: %w", m.SessionName, err)
	}

	if DetectCompletion(m.Role, output) {
		return SignalCompleted, nil
	}

	if sig, err := m.handleStuckPrompt(ctx, now, output); err != nil {
		return SignalNone, err
	} else if sig != SignalNone {
		return sig, nil
	}

	if check != nil {
		elapsedStart := now.Sub(m.StartedAt)
		elapsedPoll := now.Sub(m.lastContractAt)
		idleElapsed := now.Sub(m.StartedAt) // no direct output-mtime plumbed in; idle backup uses elapsed-since-start as a conservative proxy
		due := ShouldPollContract(elapsedStart, elapsedPoll) || idleElapsed >= m.Th.IdleBackupThreshold && elapsedPoll >= m.Th.IdleBackupThreshold
		if due {
			m.lastContractAt = now
			ok, err := check(ctx)
			if err != nil {
				return SignalNone, fmt.Errorf("checking contract: %w", err)
			}
			if ok {
				return SignalContractSatisfied, nil
			}
		}
	}

	return SignalNone, nil
}

func (m *Monitor) handleStuckPrompt(ctx context.Context, now time.Time, output string) (Signal, error) {
	stuck, role, arg := detectStuckPrompt(output)
	if !stuck {
		m.firstStuckAt = nil
		m.nudgeStage = 0
		return SignalNone, nil
	}

	if m.firstStuckAt == nil {
		m.firstStuckAt = &now
		return SignalNone, nil
	}

	if now.Sub(*m.firstStuckAt) < m.Th.PromptStuckAgeThreshold {
		return SignalNone, nil
	}
	if !m.lastNudgeAt.IsZero() && now.Sub(m.lastNudgeAt) < m.Th.NudgeCooldown {
		return SignalNone, nil
	}

	m.lastNudgeAt = now
	if m.nudgeStage == 0 {
		m.nudgeStage = 1
		if err := m.Host.SendInput(ctx, m.SessionName, "Enter"); err != nil {
			return SignalNone, fmt.Errorf("nudging %s: %w", m.SessionName, err)
		}
	} else {
		m.nudgeStage = 2
		cmd := fmt.Sprintf("/%s %s", role, arg)
		if err := m.Host.SendInput(ctx, m.SessionName, cmd); err != nil {
			return SignalNone, fmt.Errorf("resending slash command to %s: %w", m.SessionName, err)
		}
	}
	return SignalStuckPromptNudged, nil
}

func (m *Monitor) shutdownRequested(ctx context.Context) (bool, error) {
	if m.Store == nil {
		return false, nil
	}
	return fileExists(m.Store.SignalStopPath(m.SessionName))
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

func (m *Monitor) abortRequested(ctx context.Context) (bool, error) {
	if m.Tracker == nil || m.IssueNumber == 0 {
		return false, nil
	}
	issue, err := m.Tracker.GetIssue(ctx, m.IssueNumber)
	if err != nil {
		return false, fmt.Errorf("fetching issue %d: %w", m.IssueNumber, err)
	}
	return issue.HasLabel("abort"), nil
}
