// Package config loads loomd's tunables from a YAML file and then applies
// LOOMD_* environment overrides for the keys listed in the overrides table;
// backoff_multiplier, slow_iteration_multiplier, the support-role intervals,
// retry_backoff_multiplier and the shepherd keys have no environment
// variable and come only from the file or the defaults. Loading follows the
// same validate-after-load idiom steveyegge-vc's internal/cost package uses
// for its budget config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduler holds the iteration scheduler's tunables (spec.md §6 "Scheduler").
type Scheduler struct {
	PollInterval            time.Duration `yaml:"poll_interval"`
	IterationTimeout        time.Duration `yaml:"iteration_timeout"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier"`
	BackoffThreshold        int           `yaml:"backoff_threshold"`
	SlowIterationMultiplier float64       `yaml:"slow_iteration_multiplier"`
}

// Pool holds shepherd/proposal capacity limits.
type Pool struct {
	MaxShepherds  int `yaml:"max_shepherds"`
	MaxProposals  int `yaml:"max_proposals"`
}

// Intervals holds the minimum idle duration before each support role may be
// triggered again (spec.md §6 "Intervals").
type Intervals struct {
	Guide     time.Duration `yaml:"guide"`
	Champion  time.Duration `yaml:"champion"`
	Doctor    time.Duration `yaml:"doctor"`
	Auditor   time.Duration `yaml:"auditor"`
	Judge     time.Duration `yaml:"judge"`
	Curator   time.Duration `yaml:"curator"`
	Architect time.Duration `yaml:"architect"`
	Hermit    time.Duration `yaml:"hermit"`
}

// Staleness holds heartbeat/grace thresholds (spec.md §6 "Staleness").
type Staleness struct {
	HeartbeatStaleThreshold    time.Duration `yaml:"heartbeat_stale_threshold"`
	HeartbeatGracePeriod       time.Duration `yaml:"heartbeat_grace_period"`
	HeartbeatActiveGracePeriod time.Duration `yaml:"heartbeat_active_grace_period"`
	StartupGracePeriod         time.Duration `yaml:"startup_grace_period"`
	NoProgressGracePeriod      time.Duration `yaml:"no_progress_grace_period"`
}

// Retry holds the fallback retry policy for error classes with no fixed
// policy (spec.md §6 "Retry", §4.8).
type Retry struct {
	MaxRetryCount      int           `yaml:"max_retry_count"`
	RetryCooldown      time.Duration `yaml:"retry_cooldown"`
	RetryMaxCooldown   time.Duration `yaml:"retry_max_cooldown"`
	RetryBackoffMultiplier float64   `yaml:"retry_backoff_multiplier"`
}

// Systemic holds systematic-failure detection/backoff tunables.
type Systemic struct {
	FailureThreshold int           `yaml:"systematic_failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxProbes        int           `yaml:"max_probes"`
}

// Spinning holds the spinning-PR escalation threshold.
type Spinning struct {
	ReviewThreshold int `yaml:"spinning_review_threshold"`
}

// Shepherd holds the phase-runner's retry tunables (spec.md §4.5 "Phase
// runner wraps run_phase_with_retry" and "repeat m-M times on test
// failures"). The spec names these knobs but gives no defaults; the values
// below are this implementation's own choice.
type Shepherd struct {
	StuckMaxRetries     int           `yaml:"stuck_max_retries"`
	StuckRetryCooldown  time.Duration `yaml:"stuck_retry_cooldown"`
	TestFixMinAttempts  int           `yaml:"test_fix_min_attempts"`
	TestFixMaxAttempts  int           `yaml:"test_fix_max_attempts"`
	DoctorCIPollInterval time.Duration `yaml:"doctor_ci_poll_interval"`
	DoctorCIPollTimeout  time.Duration `yaml:"doctor_ci_poll_timeout"`
}

// Config is the full tunable table, defaults matching spec.md §6 exactly.
type Config struct {
	RepoRoot       string    `yaml:"repo_root"`
	IssueStrategy  string    `yaml:"issue_strategy"`
	Scheduler      Scheduler `yaml:"scheduler"`
	Pool           Pool      `yaml:"pool"`
	Intervals      Intervals `yaml:"intervals"`
	Staleness      Staleness `yaml:"staleness"`
	Retry          Retry     `yaml:"retry"`
	Systemic       Systemic  `yaml:"systemic"`
	Spinning       Spinning  `yaml:"spinning"`
	Shepherd       Shepherd  `yaml:"shepherd"`
	HealthHTTPAddr string    `yaml:"health_http_addr"`
}

// Default returns the spec-mandated default configuration.
func Default() *Config {
	return &Config{
		RepoRoot:      ".",
		IssueStrategy: "fifo",
		Scheduler: Scheduler{
			PollInterval:            120 * time.Second,
			IterationTimeout:        300 * time.Second,
			MaxBackoff:              1800 * time.Second,
			BackoffMultiplier:       2,
			BackoffThreshold:        3,
			SlowIterationMultiplier: 2,
		},
		Pool: Pool{
			MaxShepherds: 10,
			MaxProposals: 5,
		},
		Intervals: Intervals{
			Guide:     900 * time.Second,
			Champion:  600 * time.Second,
			Doctor:    300 * time.Second,
			Auditor:   600 * time.Second,
			Judge:     300 * time.Second,
			Curator:   300 * time.Second,
			Architect: 1800 * time.Second,
			Hermit:    1800 * time.Second,
		},
		Staleness: Staleness{
			HeartbeatStaleThreshold:    120 * time.Second,
			HeartbeatGracePeriod:       300 * time.Second,
			HeartbeatActiveGracePeriod: 180 * time.Second,
			StartupGracePeriod:         120 * time.Second,
			NoProgressGracePeriod:      300 * time.Second,
		},
		Retry: Retry{
			MaxRetryCount:          3,
			RetryCooldown:          1800 * time.Second,
			RetryMaxCooldown:       14400 * time.Second,
			RetryBackoffMultiplier: 2,
		},
		Systemic: Systemic{
			FailureThreshold: 3,
			Cooldown:         1800 * time.Second,
			MaxProbes:        3,
		},
		Spinning: Spinning{
			ReviewThreshold: 3,
		},
		Shepherd: Shepherd{
			StuckMaxRetries:      2,
			StuckRetryCooldown:   30 * time.Second,
			TestFixMinAttempts:   1,
			TestFixMaxAttempts:   3,
			DoctorCIPollInterval: 15 * time.Second,
			DoctorCIPollTimeout:  20 * time.Minute,
		},
		HealthHTTPAddr: ":9107",
	}
}

// Load reads a YAML config file (if path is non-empty and exists), applies
// environment overrides, validates, and returns the result. A missing path
// is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects nonsensical tunables before the scheduler ever starts.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler.backoff_multiplier must be >= 1")
	}
	if c.Pool.MaxShepherds <= 0 {
		return fmt.Errorf("pool.max_shepherds must be positive")
	}
	switch c.IssueStrategy {
	case "fifo", "lifo", "priority":
	default:
		return fmt.Errorf("issue_strategy must be one of fifo|lifo|priority (got %q)", c.IssueStrategy)
	}
	if c.Retry.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("retry.retry_backoff_multiplier must be >= 1")
	}
	return nil
}

// envOverride is one (env suffix, setter) pair consulted by applyEnvOverrides.
type envOverride struct {
	key    string
	assign func(*Config, string) error
}

var overrides = []envOverride{
	{"REPO_ROOT", func(c *Config, v string) error { c.RepoRoot = v; return nil }},
	{"ISSUE_STRATEGY", func(c *Config, v string) error { c.IssueStrategy = v; return nil }},
	{"SCHEDULER_POLL_INTERVAL", durField(func(c *Config) *time.Duration { return &c.Scheduler.PollInterval })},
	{"SCHEDULER_ITERATION_TIMEOUT", durField(func(c *Config) *time.Duration { return &c.Scheduler.IterationTimeout })},
	{"SCHEDULER_MAX_BACKOFF", durField(func(c *Config) *time.Duration { return &c.Scheduler.MaxBackoff })},
	{"SCHEDULER_BACKOFF_THRESHOLD", intField(func(c *Config) *int { return &c.Scheduler.BackoffThreshold })},
	{"POOL_MAX_SHEPHERDS", intField(func(c *Config) *int { return &c.Pool.MaxShepherds })},
	{"POOL_MAX_PROPOSALS", intField(func(c *Config) *int { return &c.Pool.MaxProposals })},
	{"STALENESS_HEARTBEAT_STALE_THRESHOLD", durField(func(c *Config) *time.Duration { return &c.Staleness.HeartbeatStaleThreshold })},
	{"STALENESS_HEARTBEAT_GRACE_PERIOD", durField(func(c *Config) *time.Duration { return &c.Staleness.HeartbeatGracePeriod })},
	{"STALENESS_HEARTBEAT_ACTIVE_GRACE_PERIOD", durField(func(c *Config) *time.Duration { return &c.Staleness.HeartbeatActiveGracePeriod })},
	{"STALENESS_STARTUP_GRACE_PERIOD", durField(func(c *Config) *time.Duration { return &c.Staleness.StartupGracePeriod })},
	{"STALENESS_NO_PROGRESS_GRACE_PERIOD", durField(func(c *Config) *time.Duration { return &c.Staleness.NoProgressGracePeriod })},
	{"RETRY_MAX_RETRY_COUNT", intField(func(c *Config) *int { return &c.Retry.MaxRetryCount })},
	{"RETRY_RETRY_COOLDOWN", durField(func(c *Config) *time.Duration { return &c.Retry.RetryCooldown })},
	{"RETRY_RETRY_MAX_COOLDOWN", durField(func(c *Config) *time.Duration { return &c.Retry.RetryMaxCooldown })},
	{"SYSTEMIC_FAILURE_THRESHOLD", intField(func(c *Config) *int { return &c.Systemic.FailureThreshold })},
	{"SYSTEMIC_COOLDOWN", durField(func(c *Config) *time.Duration { return &c.Systemic.Cooldown })},
	{"SYSTEMIC_MAX_PROBES", intField(func(c *Config) *int { return &c.Systemic.MaxProbes })},
	{"SPINNING_REVIEW_THRESHOLD", intField(func(c *Config) *int { return &c.Spinning.ReviewThreshold })},
	{"HEALTH_HTTP_ADDR", func(c *Config, v string) error { c.HealthHTTPAddr = v; return nil }},
}

const envPrefix = "LOOMD_"

func applyEnvOverrides(c *Config) {
	for _, o := range overrides {
		v, ok := os.LookupEnv(envPrefix + o.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		_ = o.assign(c, v)
	}
}

func durField(get func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*get(c) = d
		return nil
	}
}

func intField(get func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}
