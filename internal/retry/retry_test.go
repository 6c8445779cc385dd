package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/statestore"
)

func cfg() *config.Config { return config.Default() }

func TestPolicyForFixedClasses(t *testing.T) {
	p := PolicyFor(string(ClassMCPInfrastructure), &cfg().Retry, 0)
	require.Equal(t, 1800*time.Second, p.Cooldown)
	require.Equal(t, 5, p.MaxRetries)
	require.False(t, p.Escalate)

	p = PolicyFor(string(ClassBuilderTestFailure), &cfg().Retry, 0)
	require.Equal(t, 21600*time.Second, p.Cooldown)
	require.Equal(t, 2, p.MaxRetries)
	require.True(t, p.Escalate)

	p = PolicyFor(string(ClassDoctorExhausted), &cfg().Retry, 0)
	require.True(t, p.Immediate)
	require.True(t, p.Escalate)
}

func TestPolicyForUnknownClassExponential(t *testing.T) {
	c := &cfg().Retry
	p0 := PolicyFor("some_unknown_class", c, 0)
	p1 := PolicyFor("some_unknown_class", c, 1)
	p2 := PolicyFor("some_unknown_class", c, 2)
	require.Equal(t, c.RetryCooldown, p0.Cooldown)
	require.Greater(t, p1.Cooldown, p0.Cooldown)
	require.Greater(t, p2.Cooldown, p1.Cooldown)
	require.LessOrEqual(t, p2.Cooldown, c.RetryMaxCooldown)
}

func TestRecordFailureAndAutoBlock(t *testing.T) {
	log := statestore.NewIssueFailureLog()
	now := time.Now().UTC()
	RecordFailure(log, "42", now)
	RecordFailure(log, "42", now.Add(time.Minute))
	require.Equal(t, 2, log.Issues["42"].TotalFailures)
	require.False(t, ShouldAutoBlock(log, "42", 3))
	RecordFailure(log, "42", now.Add(2*time.Minute))
	require.True(t, ShouldAutoBlock(log, "42", 3))
}

func TestApplyBlockedRetryExhaustionAndEscalation(t *testing.T) {
	daemon := statestore.NewDaemonState()
	c := &cfg().Retry
	now := time.Now().UTC()

	rec := ApplyBlockedRetry(daemon, "7", string(ClassBuilderTestFailure), c, now)
	require.Equal(t, 1, rec.RetryCount)
	require.False(t, rec.RetryExhausted)

	rec = ApplyBlockedRetry(daemon, "7", string(ClassBuilderTestFailure), c, now.Add(time.Hour))
	require.Equal(t, 2, rec.RetryCount)
	require.False(t, rec.RetryExhausted)

	rec = ApplyBlockedRetry(daemon, "7", string(ClassBuilderTestFailure), c, now.Add(2*time.Hour))
	require.Equal(t, 3, rec.RetryCount)
	require.True(t, rec.RetryExhausted)
	require.True(t, rec.EscalatedToHuman)
}

func TestApplyBlockedRetryImmediateEscalation(t *testing.T) {
	daemon := statestore.NewDaemonState()
	c := &cfg().Retry
	now := time.Now().UTC()

	rec := ApplyBlockedRetry(daemon, "9", string(ClassDoctorExhausted), c, now)
	require.True(t, rec.RetryExhausted)
	require.True(t, rec.EscalatedToHuman)
}

func TestDetectSystematicRequiresSameClassCluster(t *testing.T) {
	window := SystematicWindow{Classes: []string{"builder_unknown_failure", "builder_test_failure", "builder_unknown_failure"}}
	_, ok := DetectSystematic(window, 3)
	require.False(t, ok, "mixed classes should not cluster")

	window = SystematicWindow{Classes: []string{"builder_unknown_failure", "builder_unknown_failure", "builder_unknown_failure"}}
	class, ok := DetectSystematic(window, 3)
	require.True(t, ok)
	require.Equal(t, "builder_unknown_failure", class)
}

func TestUpdateSystematicFailureActivatesAndCooldown(t *testing.T) {
	sf := &statestore.SystematicFailure{}
	sc := &cfg().Systemic
	now := time.Now().UTC()
	window := SystematicWindow{Classes: []string{"builder_unknown_failure", "builder_unknown_failure", "builder_unknown_failure"}}

	UpdateSystematicFailure(sf, window, sc, now)
	require.True(t, sf.Active)
	require.Equal(t, "builder_unknown_failure", sf.Pattern)
	require.NotNil(t, sf.CooldownUntil)
	require.False(t, ProbeAvailable(sf, sc, now))
	require.True(t, ProbeAvailable(sf, sc, sf.CooldownUntil.Add(time.Second)))
}

func TestObserveProbeSuccessClearsFailure(t *testing.T) {
	sf := &statestore.SystematicFailure{Active: true, ProbeCount: 1}
	sc := &cfg().Systemic
	ObserveProbe(sf, ProbeSucceeded, sc, time.Now().UTC())
	require.False(t, sf.Active)
	require.Equal(t, 0, sf.ProbeCount)
}

func TestObserveProbeFailureDoublesCooldownAndEventuallyNeedsManual(t *testing.T) {
	sf := &statestore.SystematicFailure{Active: true}
	sc := &cfg().Systemic
	now := time.Now().UTC()

	ObserveProbe(sf, ProbeFailed, sc, now)
	require.Equal(t, 1, sf.ProbeCount)
	first := *sf.CooldownUntil

	ObserveProbe(sf, ProbeFailed, sc, now)
	require.Equal(t, 2, sf.ProbeCount)
	require.True(t, sf.CooldownUntil.After(first))

	require.False(t, RequiresManualIntervention(sf, sc))
	ObserveProbe(sf, ProbeFailed, sc, now)
	require.Equal(t, 3, sf.ProbeCount)
	require.True(t, RequiresManualIntervention(sf, sc))
}
