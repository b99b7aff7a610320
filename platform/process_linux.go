package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Pid returns the current process id.
func Pid() uint64 {
	return uint64(unix.Getpid())
}

// ProcessAlive reports whether pid identifies a live process. Sending
// signal 0 neither delivers a signal nor requires permission to actually
// signal the process; EPERM still means the process exists.
func ProcessAlive(pid uint64) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// ProcessStartTime returns the process's start time as reported by the
// kernel (field 22 of /proc/<pid>/stat, in clock ticks since boot). It is
// combined with the pid to disambiguate pid reuse: a (pid, start-time)
// pair uniquely identifies a process for the life of the machine's boot.
func ProcessStartTime(pid uint64) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("platform: process start time for pid %d: %w", pid, ErrNotFound)
		}
		return 0, fmt.Errorf("platform: read /proc/%d/stat: %w", pid, err)
	}

	// The comm field (2nd field) is parenthesized and may itself contain
	// spaces or parens, so split on the last ')' rather than by field index.
	s := string(raw)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, fmt.Errorf("platform: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[close+1:])
	// Fields after comm start at field index 3 (state); starttime is field
	// 22 overall, i.e. index 22-3 = 19 in this slice.
	const starttimeOffset = 22 - 3
	if len(fields) <= starttimeOffset {
		return 0, fmt.Errorf("platform: malformed /proc/%d/stat: too few fields", pid)
	}

	start, err := strconv.ParseUint(fields[starttimeOffset], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("platform: parse start time for pid %d: %w", pid, err)
	}
	return start, nil
}

// CurrentProcessStartTime returns the calling process's own start time.
func CurrentProcessStartTime() (uint64, error) {
	return ProcessStartTime(Pid())
}
