package reaper_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelingevolution/zerobuffer-sub004/platform"
	"github.com/modelingevolution/zerobuffer-sub004/reaper"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, platform.Pid(), time.Now().UnixNano())
}

func TestReapRemovesShmAndSemaphores(t *testing.T) {
	name := uniqueName("zb-reaper-test")

	_, err := platform.CreateSHM(name, 4096)
	require.NoError(t, err)
	_, err = platform.CreateSemaphore("sem-w-"+name, 0)
	require.NoError(t, err)
	_, err = platform.CreateSemaphore("sem-r-"+name, 0)
	require.NoError(t, err)

	require.NoError(t, reaper.Reap(name))

	_, err = platform.OpenSHM(name)
	require.ErrorIs(t, err, platform.ErrNotFound)
	_, err = platform.OpenSemaphore("sem-w-" + name)
	require.ErrorIs(t, err, platform.ErrNotFound)
	_, err = platform.OpenSemaphore("sem-r-" + name)
	require.ErrorIs(t, err, platform.ErrNotFound)
}

func TestReapIsIdempotent(t *testing.T) {
	name := uniqueName("zb-reaper-test-idempotent")
	require.NoError(t, reaper.Reap(name))
	require.NoError(t, reaper.Reap(name))
}

func TestSweepIgnoresLiveLock(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	name := uniqueName("zb-reaper-sweep-live")
	lockPath := dir + "/" + name + ".lock"
	g, err := platform.TryAcquireLockFile(lockPath)
	require.NoError(t, err)
	defer g.Release()

	_, err = platform.CreateSHM(name, 4096)
	require.NoError(t, err)
	defer platform.RemoveSHM(name)

	reaped, err := reaper.Sweep(nil)
	require.NoError(t, err)
	require.NotContains(t, reaped, name)

	_, err = platform.OpenSHM(name)
	require.NoError(t, err)
}
