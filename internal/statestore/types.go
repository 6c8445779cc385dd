package statestore

import "time"

// DaemonState is the single-writer-per-session document describing the
// scheduler's view of the world (spec.md §3 "DaemonState").
type DaemonState struct {
	StartedAt       time.Time                `json:"started_at"`
	StoppedAt       *time.Time               `json:"stopped_at,omitempty"`
	Running         bool                     `json:"running"`
	Iteration       int                      `json:"iteration"`
	ForceMode       bool                     `json:"force_mode"`
	DaemonSessionID string                   `json:"daemon_session_id"`

	Shepherds     map[string]*ShepherdEntry   `json:"shepherds"`
	SupportRoles  map[string]*SupportRoleState `json:"support_roles"`

	BlockedIssueRetries map[string]*BlockedIssueRetry `json:"blocked_issue_retries"`
	SystematicFailure   SystematicFailure             `json:"systematic_failure"`
	Cleanup             CleanupState                  `json:"cleanup"`
	IterationTiming      IterationTiming              `json:"iteration_timing"`

	Warnings []string `json:"warnings"`

	CompletedIssues []string `json:"completed_issues"`
	TotalPRsMerged  int      `json:"total_prs_merged"`
}

// NewDaemonState returns an empty, well-formed DaemonState for first use.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		Shepherds:           map[string]*ShepherdEntry{},
		SupportRoles:        map[string]*SupportRoleState{},
		BlockedIssueRetries: map[string]*BlockedIssueRetry{},
		Warnings:            []string{},
		CompletedIssues:     []string{},
	}
}

// SupportRoleState tracks when a named support role last ran, driving the
// minimum-idle-interval triggers in spec.md §6 "Intervals".
type SupportRoleState struct {
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// ShepherdStatus enumerates a shepherd slot's occupancy.
type ShepherdStatus string

const (
	ShepherdIdle    ShepherdStatus = "idle"
	ShepherdWorking ShepherdStatus = "working"
)

// ShepherdEntry is one slot in DaemonState.Shepherds (spec.md §3 "ShepherdEntry").
type ShepherdEntry struct {
	Status           ShepherdStatus `json:"status"`
	Issue            string         `json:"issue,omitempty"`
	TaskID           string         `json:"task_id,omitempty"`
	PRNumber         int            `json:"pr_number,omitempty"`
	OutputFile       string         `json:"output_file,omitempty"`
	Started          *time.Time     `json:"started,omitempty"`
	Worktree         string         `json:"worktree,omitempty"`
	StartupWarningAt *time.Time     `json:"startup_warning_at,omitempty"`
	IdleSince        *time.Time     `json:"idle_since,omitempty"`
	IdleReason       string         `json:"idle_reason,omitempty"`
	LastCompleted    *time.Time     `json:"last_completed,omitempty"`
	LastIssue        string         `json:"last_issue,omitempty"`
}

// BlockedIssueRetry tracks the retry budget consumed by one blocked issue
// (spec.md §3, §4.8).
type BlockedIssueRetry struct {
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	ErrorClass       string     `json:"error_class,omitempty"`
	RetryExhausted   bool       `json:"retry_exhausted"`
	EscalatedToHuman bool       `json:"escalated_to_human"`
}

// SystematicFailure tracks global backoff triggered by clustered same-class
// failures (spec.md §3, §4.8).
type SystematicFailure struct {
	Active        bool       `json:"active"`
	Pattern       string     `json:"pattern,omitempty"`
	Count         int        `json:"count"`
	DetectedAt    *time.Time `json:"detected_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	ProbeCount    int        `json:"probe_count"`
}

// CleanupState records the startup-recovery sweep's outcome (spec.md §3, §4.12).
type CleanupState struct {
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastCleaned     []string   `json:"last_cleaned"`
	PendingCleanup  []string   `json:"pending_cleanup"`
	Errors          []string   `json:"errors"`
}

// IterationTiming tracks the scheduler's rolling iteration-duration stats
// and the consecutive-failure/backoff state they drive (spec.md §3, §4.7
// steps 7-8).
type IterationTiming struct {
	LastDurationSeconds float64 `json:"last_duration_seconds"`
	AvgDurationSeconds  float64 `json:"avg_duration_seconds"`
	MaxDurationSeconds  float64 `json:"max_duration_seconds"`
	SampleCount         int     `json:"sample_count"`

	ConsecutiveFailures  int     `json:"consecutive_failures"`
	CurrentBackoffSeconds float64 `json:"current_backoff_seconds"`
}

// ProgressStatus enumerates a shepherd's progress-file lifecycle state.
type ProgressStatus string

const (
	ProgressWorking   ProgressStatus = "working"
	ProgressCompleted ProgressStatus = "completed"
	ProgressErrored   ProgressStatus = "errored"
	ProgressBlocked   ProgressStatus = "blocked"
)

// Milestone is one timestamped event in a ShepherdProgress's history.
type Milestone struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ShepherdProgress is the one-file-per-live-shepherd document the shepherd
// engine owns (spec.md §3 "ShepherdProgress").
type ShepherdProgress struct {
	TaskID        string         `json:"task_id"`
	Issue         string         `json:"issue"`
	Status        ProgressStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CurrentPhase  string         `json:"current_phase"`
	Milestones    []Milestone    `json:"milestones"`
}

// AddMilestone appends a milestone with the given event name and data.
func (p *ShepherdProgress) AddMilestone(event string, at time.Time, data map[string]interface{}) {
	p.Milestones = append(p.Milestones, Milestone{Event: event, Timestamp: at, Data: data})
}

// HasMilestone reports whether a milestone with the given event name exists.
func (p *ShepherdProgress) HasMilestone(event string) bool {
	for _, m := range p.Milestones {
		if m.Event == event {
			return true
		}
	}
	return false
}

// PipelineHealthStatus classifies overall pipeline health (spec.md §4.9).
type PipelineHealthStatus string

const (
	PipelineHealthy  PipelineHealthStatus = "healthy"
	PipelineDegraded PipelineHealthStatus = "degraded"
	PipelineStalled  PipelineHealthStatus = "stalled"
)

// PipelineHealth is the derived health classification for one sample
// (spec.md §3 "HealthMetrics").
type PipelineHealth struct {
	Status PipelineHealthStatus `json:"status"`
	Reason string               `json:"reason"`
	Counts map[string]int       `json:"counts"`
	Flags  []string             `json:"flags,omitempty"`
}

// MetricEntry is one rolling time-series sample (spec.md §3 "HealthMetrics").
type MetricEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ThroughputIssuesPerHr float64 `json:"throughput_issues_per_hr"`
	ThroughputPRsPerHr    float64 `json:"throughput_prs_per_hr"`
	AvgIterationSeconds   float64 `json:"avg_iteration_seconds"`
	QueueDepths    map[string]int `json:"queue_depths"`
	ErrorRates     map[string]float64 `json:"error_rates"`
	ResourceUsage  map[string]float64 `json:"resource_usage"`
	PipelineHealth PipelineHealth `json:"pipeline_health"`
}

// HealthStatus is the traffic-light label derived from the composite score
// (spec.md §4.10).
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// HealthMetrics is the rolling time-series document (spec.md §3 "HealthMetrics").
type HealthMetrics struct {
	Metrics      []MetricEntry `json:"metrics"`
	HealthScore  int           `json:"health_score"`
	HealthStatus HealthStatus  `json:"health_status"`
}

// AlertType enumerates the kinds of alert the health monitor can raise
// (spec.md §3 "Alert").
type AlertType string

const (
	AlertStuckAgents        AlertType = "stuck_agents"
	AlertHighErrorRate      AlertType = "high_error_rate"
	AlertResourceExhaustion AlertType = "resource_exhaustion"
	AlertPipelineStall      AlertType = "pipeline_stall"
	AlertSystematicFailure  AlertType = "systematic_failure"
	AlertQueueGrowth        AlertType = "queue_growth"
)

// AlertSeverity orders alert severity.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one entry in the bounded-100 alert log (spec.md §3 "Alert").
type Alert struct {
	ID             string                 `json:"id"`
	Type           AlertType              `json:"type"`
	Severity       AlertSeverity          `json:"severity"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// AlertLog is the persisted, size-bounded alert document.
type AlertLog struct {
	Alerts []Alert `json:"alerts"`
}

const maxAlerts = 100

// Append adds an alert, evicting the oldest entries past the 100-alert cap.
func (l *AlertLog) Append(a Alert) {
	l.Alerts = append(l.Alerts, a)
	if len(l.Alerts) > maxAlerts {
		l.Alerts = l.Alerts[len(l.Alerts)-maxAlerts:]
	}
}

// IssueFailureRecord tracks one issue's accumulated blocked-transition count
// (spec.md §3 "IssueFailureLog").
type IssueFailureRecord struct {
	TotalFailures int       `json:"total_failures"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// IssueFailureLog maps issue number (string) to its failure record.
type IssueFailureLog struct {
	Issues map[string]*IssueFailureRecord `json:"issues"`
}

// NewIssueFailureLog returns an empty, well-formed log.
func NewIssueFailureLog() *IssueFailureLog {
	return &IssueFailureLog{Issues: map[string]*IssueFailureRecord{}}
}

// CheckpointStage enumerates the points at which a worker records a
// checkpoint before/after externally visible side effects (spec.md §3
// "Checkpoint").
type CheckpointStage string

const (
	CheckpointPreTests    CheckpointStage = "pre_tests"
	CheckpointImplementing CheckpointStage = "implementing"
	CheckpointPRCreated   CheckpointStage = "pr_created"
)

// Checkpoint is the per-worktree document the phase validators read to
// tolerate Tracker visibility lag (spec.md §3 "Checkpoint").
type Checkpoint struct {
	Stage     CheckpointStage `json:"stage"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RecoveryEvent is one entry in the bounded recovery-events log (spec.md §7
// "Recovery events are logged to disk (bounded to the last ~1000 entries)").
type RecoveryEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Issue     string                 `json:"issue"`
	Reason    string                 `json:"reason"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// RecoveryLog is the persisted, size-bounded recovery-event document.
type RecoveryLog struct {
	Events []RecoveryEvent `json:"events"`
}

const maxRecoveryEvents = 1000

// Append adds a recovery event, evicting the oldest past the 1000-entry cap.
func (l *RecoveryLog) Append(e RecoveryEvent) {
	l.Events = append(l.Events, e)
	if len(l.Events) > maxRecoveryEvents {
		l.Events = l.Events[len(l.Events)-maxRecoveryEvents:]
	}
}
