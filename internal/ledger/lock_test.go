//go:build unix

package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

func TestLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.Error(t, err)
	assert.Equal(t, syncerr.ConcurrentRunDetected, syncerr.KindOf(err))

	require.NoError(t, first.Release())

	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestStaleLockIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	require.NoError(t, os.WriteFile(path, []byte("pid=4242 started=2025-01-01T00:00:00Z\n"), 0o644))

	_, err := AcquireLock(path)
	require.Error(t, err)
	assert.Equal(t, syncerr.ConcurrentRunDetected, syncerr.KindOf(err))
	assert.Contains(t, err.Error(), "pid=4242")

	require.NoError(t, ForceUnlock(path))
	l, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestForceUnlockRefusesLiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	l, err := AcquireLock(path)
	require.NoError(t, err)
	defer l.Release()

	err = ForceUnlock(path)
	assert.Equal(t, syncerr.ConcurrentRunDetected, syncerr.KindOf(err))
}

func TestReleaseEmptiesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	l, err := AcquireLock(path)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "pid=")

	require.NoError(t, l.Release())
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, content)
	assert.NoError(t, l.Release(), "double release is a no-op")
}
