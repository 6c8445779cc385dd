package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler.PollInterval, cfg.Scheduler.PollInterval)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loomd.yaml")
	content := "issue_strategy: priority\npool:\n  max_shepherds: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "priority", cfg.IssueStrategy)
	assert.Equal(t, 4, cfg.Pool.MaxShepherds)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loomd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_shepherds: 4\n"), 0644))

	t.Setenv("LOOMD_POOL_MAX_SHEPHERDS", "7")
	t.Setenv("LOOMD_SCHEDULER_POLL_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxShepherds)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
}

func TestValidateRejectsBadIssueStrategy(t *testing.T) {
	cfg := Default()
	cfg.IssueStrategy = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositivePollInterval(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.PollInterval = 0
	assert.Error(t, cfg.Validate())
}
