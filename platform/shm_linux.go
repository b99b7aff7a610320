package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is the POSIX shared-memory directory used on Linux; segments
// are named "/dev/shm/<name>".
const shmDir = "/dev/shm"

// SharedMemory is a mapped, named shared-memory segment.
type SharedMemory struct {
	Name string
	Data []byte
}

func shmPath(name string) string {
	return filepath.Join(shmDir, name)
}

// CreateSHM creates and maps a new shared-memory segment of the given
// size. It fails with ErrAlreadyExists if name is already taken. On
// success the region is zero-filled (tmpfs guarantees this for a freshly
// created file).
func CreateSHM(name string, size uint64) (*SharedMemory, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, translateOpenErr("create shared memory %q", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("platform: truncate shared memory %q to %d bytes: %w", name, size, err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("platform: mmap shared memory %q: %w", name, err)
	}

	return &SharedMemory{Name: name, Data: data}, nil
}

// OpenSHM maps an existing shared-memory segment. It fails with
// ErrNotFound if the segment does not exist.
func OpenSHM(name string) (*SharedMemory, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, translateOpenErr("open shared memory %q", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("platform: stat shared memory %q: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap shared memory %q: %w", name, err)
	}

	return &SharedMemory{Name: name, Data: data}, nil
}

// Close unmaps the segment without removing its backing file.
func (s *SharedMemory) Close() error {
	if s.Data == nil {
		return nil
	}
	err := unix.Munmap(s.Data)
	s.Data = nil
	return err
}

// RemoveSHM removes the named segment's backing file. Idempotent:
// removing an already-absent segment is not an error.
func RemoveSHM(name string) error {
	err := unix.Unlink(shmPath(name))
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("platform: remove shared memory %q: %w", name, err)
	}
	return nil
}

func translateOpenErr(verb, name string, err error) error {
	switch err {
	case unix.EEXIST:
		return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), ErrAlreadyExists)
	case unix.ENOENT:
		return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), ErrNotFound)
	case unix.EACCES, unix.EPERM:
		return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), ErrPermissionDenied)
	case unix.EMFILE, unix.ENFILE, unix.ENOSPC:
		return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), ErrOutOfResources)
	default:
		if os.IsNotExist(err) {
			return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), ErrNotFound)
		}
		return fmt.Errorf("platform: %s: %w", fmt.Sprintf(verb, name), err)
	}
}
