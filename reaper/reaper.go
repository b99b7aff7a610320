// Package reaper implements the stale-resource sweep run on every Reader
// creation: scan the temp directory for lock files whose holder is no
// longer alive and remove the semaphores and shared-memory segment they
// left behind.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/glob"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

var lockGlob = glob.MustCompile("*.lock")

// Sweep scans os.TempDir() for "*.lock" files and reaps the channel
// resources of any whose lock is not currently held by a live process.
// It returns the names of the channels it reaped.
func Sweep(log *zap.SugaredLogger) ([]string, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return nil, err
	}

	var reaped []string
	var errs error

	for _, e := range entries {
		if e.IsDir() || !lockGlob.Match(e.Name()) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".lock")
		path := filepath.Join(os.TempDir(), e.Name())

		free, err := platform.TryRemoveStale(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !free {
			// Held by a live process: not stale.
			continue
		}

		if err := reapWithRetry(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		reaped = append(reaped, name)
		log.Debugw("reaped stale channel resources", "name", name)
	}

	return reaped, errs
}

// reapWithRetry retries Reap a few times with backoff: the lock file was
// already confirmed free, but a racing process attaching to the same
// stale name (e.g. a Writer reconnecting before its Reader restarted) can
// transiently hold the semaphore or segment open underneath us.
func reapWithRetry(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), backoffDeadline)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, Reap(name)
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// Reap removes the semaphores and shared-memory segment for a channel
// name. It does not touch the lock file itself;
// callers that already hold or have verified the lock are responsible for
// that (see platform.TryRemoveStale and Reader.Close).
func Reap(name string) error {
	var err error
	err = multierr.Append(err, platform.RemoveSemaphore("sem-w-"+name))
	err = multierr.Append(err, platform.RemoveSemaphore("sem-r-"+name))
	err = multierr.Append(err, platform.RemoveSHM(name))
	return err
}

// backoffDeadline bounds how long Sweep's per-name retry loop can run in
// total, as a defensive cap independent of backoff.WithMaxTries.
const backoffDeadline = 2 * time.Second
