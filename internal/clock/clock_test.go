package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIDMatchesPattern(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := NewTaskID()
		require.NoError(t, err)
		assert.True(t, IsValidTaskID(id), "task id %q should match canonical pattern", id)
	}
}

func TestIsValidTaskID(t *testing.T) {
	cases := map[string]bool{
		"a1b2c3d": true,
		"0000000": true,
		"A1B2C3D": false, // uppercase not allowed
		"a1b2c3":  false, // too short
		"a1b2c3d4": false, // too long
		"a1b2c3g": false, // 'g' not hex
		"":        false,
	}
	for in, want := range cases {
		assert.Equal(t, want, IsValidTaskID(in), "input %q", in)
	}
}

func TestFormatRFC3339EndsInZ(t *testing.T) {
	tm := time.Date(2026, 7, 31, 12, 0, 0, 0, time.FixedZone("PDT", -7*3600))
	s := FormatRFC3339(tm)
	assert.Equal(t, byte('Z'), s[len(s)-1])
}

func TestDaemonSessionID(t *testing.T) {
	tm := time.Unix(1000, 0)
	assert.Equal(t, "1000-42", DaemonSessionID(tm, 42))
}

func TestFrozenClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Frozen{T: now}
	assert.Equal(t, now, f.Now())
	assert.Equal(t, time.Hour, f.Since(now.Add(-time.Hour)))
}
