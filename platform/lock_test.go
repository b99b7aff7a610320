package platform_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

func TestLockFileExclusivity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zb-test.lock")

	g1, err := platform.TryAcquireLockFile(path)
	require.NoError(t, err)

	_, err = platform.TryAcquireLockFile(path)
	require.ErrorIs(t, err, platform.ErrBusy)

	require.NoError(t, g1.Release())

	g2, err := platform.TryAcquireLockFile(path)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestTryRemoveStaleHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zb-test-held.lock")

	g, err := platform.TryAcquireLockFile(path)
	require.NoError(t, err)
	defer g.Release()

	removed, err := platform.TryRemoveStale(path)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestTryRemoveStaleMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zb-test-missing.lock")

	removed, err := platform.TryRemoveStale(path)
	require.NoError(t, err)
	require.True(t, removed)
}
