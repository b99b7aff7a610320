package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockGuard holds an exclusive advisory lock on a file for its lifetime.
// The per-name advisory lock file is held for the entire lifetime of the
// Reader that created it.
type LockGuard struct {
	Path string
	fd   int
}

// TryAcquireLockFile attempts to exclusively lock path, creating it if
// necessary. Fails with ErrBusy if another process already holds it.
func TryAcquireLockFile(path string) (*LockGuard, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("platform: open lock file %q: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("platform: lock file %q: %w", path, ErrBusy)
		}
		return nil, fmt.Errorf("platform: lock file %q: %w", path, err)
	}

	return &LockGuard{Path: path, fd: fd}, nil
}

// Release releases the lock, closes the underlying descriptor and then
// removes the lock file. Reader.Close relies on this to remove the
// channel's lock file as part of its teardown.
func (g *LockGuard) Release() error {
	if g.fd < 0 {
		return nil
	}
	err := unix.Flock(g.fd, unix.LOCK_UN)
	cerr := unix.Close(g.fd)
	g.fd = -1
	if err != nil {
		return fmt.Errorf("platform: unlock %q: %w", g.Path, err)
	}
	if cerr != nil {
		return fmt.Errorf("platform: close lock file %q: %w", g.Path, cerr)
	}
	return os.Remove(g.Path)
}

// TryRemoveStale removes path only if no process currently holds an
// exclusive or shared lock on it. Returns (false, nil)
// if the file is currently locked by someone else, (true, nil) if it was
// removed (or was already absent), and an error for anything else.
func TryRemoveStale(path string) (bool, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return true, nil
		}
		return false, fmt.Errorf("platform: open %q for stale check: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("platform: probe lock %q: %w", path, err)
	}
	// We now hold the lock ourselves; release before unlinking so we don't
	// race a concurrent legitimate acquirer any longer than necessary.
	_ = unix.Flock(fd, unix.LOCK_UN)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("platform: remove stale lock %q: %w", path, err)
	}
	return true, nil
}
