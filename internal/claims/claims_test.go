package claims

import (
	"testing"
	"time"

	"github.com/loomhq/loomd/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenAcquireSameHolderIsNoOp(t *testing.T) {
	m := New(statestore.New(t.TempDir()))

	ok, err := m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireByAnotherHolderFailsWhileValid(t *testing.T) {
	m := New(statestore.New(t.TempDir()))

	ok, err := m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire("42", "shepherd-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireAfterTTLExpirySucceedsForNewHolder(t *testing.T) {
	now := time.Now().UTC()
	m := New(statestore.New(t.TempDir()))
	m.WithClock(func() time.Time { return now })

	ok, err := m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	m.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	ok, err = m.Acquire("42", "shepherd-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsHeldValid(t *testing.T) {
	now := time.Now().UTC()
	m := New(statestore.New(t.TempDir()))
	m.WithClock(func() time.Time { return now })

	held, err := m.IsHeldValid("42")
	require.NoError(t, err)
	assert.False(t, held)

	_, err = m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)

	held, err = m.IsHeldValid("42")
	require.NoError(t, err)
	assert.True(t, held)

	m.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	held, err = m.IsHeldValid("42")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestReleaseOnlyByMatchingHolder(t *testing.T) {
	m := New(statestore.New(t.TempDir()))
	_, err := m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release("42", "shepherd-2")) // no-op, wrong holder
	held, err := m.IsHeldValid("42")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release("42", "shepherd-1"))
	held, err = m.IsHeldValid("42")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestReleaseIdempotent(t *testing.T) {
	m := New(statestore.New(t.TempDir()))
	_, err := m.Acquire("42", "shepherd-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release("42", "shepherd-1"))
	require.NoError(t, m.Release("42", "shepherd-1")) // already gone, still fine
}
