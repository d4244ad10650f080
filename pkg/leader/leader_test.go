package leader

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	assert.True(t, Static(true).IsLeader())
	assert.False(t, Static(false).IsLeader())
}

func TestFileLockSingleInstance(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.lock")
	f := NewFileLock(path, 10*time.Millisecond)
	defer f.Close()

	require.Eventually(t, f.IsLeader, time.Second, 10*time.Millisecond,
		"a lone instance must win the election")
}

func TestFileLockMutualExclusion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.lock")
	first := NewFileLock(path, 10*time.Millisecond)
	defer first.Close()
	require.Eventually(t, first.IsLeader, time.Second, 10*time.Millisecond)

	second := NewFileLock(path, 10*time.Millisecond)
	defer second.Close()

	// give the second instance a few campaign rounds
	time.Sleep(100 * time.Millisecond)
	assert.False(t, second.IsLeader(), "two leaders must never coexist")

	// releasing the first lock lets the second win
	require.NoError(t, first.Close())
	require.Eventually(t, second.IsLeader, time.Second, 10*time.Millisecond)
}
