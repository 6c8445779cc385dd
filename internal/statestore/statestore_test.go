package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	state, err := Load[DaemonState](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.Equal(t, 0, state.Iteration)
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	state := NewDaemonState()
	state.Running = true
	state.Iteration = 5
	state.DaemonSessionID = "1000-42"

	require.NoError(t, s.StoreDoc(s.DaemonStatePath(), state))

	loaded, err := Load[DaemonState](s.DaemonStatePath())
	require.NoError(t, err)
	assert.True(t, loaded.Running)
	assert.Equal(t, 5, loaded.Iteration)
	assert.Equal(t, "1000-42", loaded.DaemonSessionID)
}

func TestStoreDocWriteThenRenameLeavesNoTempFiles(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.StoreDoc(s.DaemonStatePath(), NewDaemonState()))

	entries, err := os.ReadDir(filepath.Dir(s.DaemonStatePath()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	s := New(t.TempDir())

	err := Update(s, s.DaemonStatePath(), func(state *DaemonState) error {
		if state.Shepherds == nil {
			state.Shepherds = map[string]*ShepherdEntry{}
		}
		state.Iteration++
		return nil
	})
	require.NoError(t, err)

	err = Update(s, s.DaemonStatePath(), func(state *DaemonState) error {
		state.Iteration++
		return nil
	})
	require.NoError(t, err)

	loaded, err := Load[DaemonState](s.DaemonStatePath())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Iteration)
}

func TestAlertLogRetentionCapsAt100(t *testing.T) {
	var log AlertLog
	for i := 0; i < 150; i++ {
		log.Append(Alert{ID: "alert", Timestamp: time.Now()})
	}
	assert.Len(t, log.Alerts, 100)
}

func TestRecoveryLogRetentionCapsAt1000(t *testing.T) {
	var log RecoveryLog
	for i := 0; i < 1200; i++ {
		log.Append(RecoveryEvent{Issue: "42"})
	}
	assert.Len(t, log.Events, 1000)
}

func TestListProgressFilesSortedAndFiltered(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.MkdirAll(s.ProgressDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.ProgressDir(), "shepherd-bbbbbbb.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.ProgressDir(), "shepherd-aaaaaaa.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.ProgressDir(), "not-progress.txt"), []byte("x"), 0644))

	ids, err := s.ListProgressFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaaaaa", "bbbbbbb"}, ids)
}

func TestArchiveMetricsKeepsOnlyRecent(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < 12; i++ {
		require.NoError(t, s.StoreDoc(s.HealthMetricsPath(), HealthMetrics{HealthScore: i}))
		require.NoError(t, s.ArchiveMetrics(10))
	}

	archives, err := filepath.Glob(filepath.Join(s.root, "archive", "health-metrics.*.json"))
	require.NoError(t, err)
	assert.Len(t, archives, 10)

	_, err = os.Stat(s.HealthMetricsPath())
	assert.True(t, os.IsNotExist(err))
}
