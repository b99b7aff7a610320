package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Semaphore is a named, counting, cross-process semaphore.
//
// golang.org/x/sys/unix exposes no binding for POSIX sem_open/sem_timedwait,
// so this is built directly on a named FIFO under the shared-memory
// directory (named "/dev/shm/sem.sem-w-<name>" etc.): each
// available count is one byte in the pipe, Post writes a byte, Wait reads
// one. The FIFO is opened O_RDWR so the holder is simultaneously its own
// reader and writer and never observes EOF, a well-known Linux FIFO
// idiom that sidesteps the "open blocks until both ends are present"
// behavior of named pipes.
type Semaphore struct {
	name string
	fd   int
}

func semPath(name string) string {
	return shmPath("sem." + name)
}

// CreateSemaphore creates a new named semaphore with the given initial
// count. Fails with ErrAlreadyExists if the name is taken.
func CreateSemaphore(name string, initial uint32) (*Semaphore, error) {
	path := semPath(name)

	if err := unix.Mkfifo(path, 0o600); err != nil {
		if err == unix.EEXIST {
			return nil, fmt.Errorf("platform: create semaphore %q: %w", name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("platform: create semaphore %q: %w", name, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("platform: open created semaphore %q: %w", name, err)
	}

	s := &Semaphore{name: name, fd: fd}
	for i := uint32(0); i < initial; i++ {
		if err := s.Post(); err != nil {
			_ = s.Close()
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("platform: seed semaphore %q: %w", name, err)
		}
	}
	return s, nil
}

// OpenSemaphore opens an existing named semaphore. Fails with
// ErrNotFound if it does not exist.
func OpenSemaphore(name string) (*Semaphore, error) {
	path := semPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("platform: open semaphore %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("platform: open semaphore %q: %w", name, err)
	}
	return &Semaphore{name: name, fd: fd}, nil
}

// Post increments the semaphore's count, waking one waiter.
func (s *Semaphore) Post() error {
	var tok [1]byte
	for {
		n, err := unix.Write(s.fd, tok[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("platform: post semaphore %q: %w", s.name, err)
		}
		if n != 1 {
			return fmt.Errorf("platform: post semaphore %q: short write", s.name)
		}
		return nil
	}
}

// Wait blocks until the semaphore is signaled or timeoutMs elapses.
// timeoutMs < 0 means wait indefinitely; timeoutMs == 0 polls without
// blocking. Returns Interrupted (rather than retrying) on EINTR, per
// the caller's blocking loop is responsible for retrying.
func (s *Semaphore) Wait(timeoutMs int) (WaitResult, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return Interrupted, nil
	}
	if err != nil {
		return 0, fmt.Errorf("platform: wait semaphore %q: %w", s.name, err)
	}
	if n == 0 {
		return Timeout, nil
	}

	var tok [1]byte
	for {
		rn, rerr := unix.Read(s.fd, tok[:])
		if rerr == unix.EINTR {
			continue
		}
		if rerr != nil {
			return 0, fmt.Errorf("platform: consume semaphore token %q: %w", s.name, rerr)
		}
		if rn != 1 {
			return 0, fmt.Errorf("platform: consume semaphore token %q: short read", s.name)
		}
		return Signaled, nil
	}
}

// Close closes the semaphore's file descriptor without removing the
// backing FIFO.
func (s *Semaphore) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// RemoveSemaphore removes the named semaphore's backing FIFO. Idempotent.
func RemoveSemaphore(name string) error {
	err := unix.Unlink(semPath(name))
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("platform: remove semaphore %q: %w", name, err)
	}
	return nil
}
