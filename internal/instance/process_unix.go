//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// IsProcessRunning checks whether pid is alive by sending it signal 0
// (the standard portable unix liveness probe — delivers no signal, only
// reports whether the kernel would let it through) and, where possible,
// cross-checks the command name against ProcessExecutableName so a
// reused PID belonging to an unrelated process isn't mistaken for a
// surviving daemon.
func IsProcessRunning(pid int) (bool, error) {
	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			return false, nil
		}
		if err == unix.EPERM {
			// exists, just not ours to signal
			return true, nil
		}
		return false, fmt.Errorf("signal process %d: %w", pid, err)
	}

	name, err := GetProcessName(pid)
	if err != nil {
		// process exists but we couldn't read its name (e.g. already
		// exited between the signal probe and the /proc read); treat
		// as not running rather than risk a false positive.
		return false, nil
	}
	return strings.Contains(name, ProcessExecutableName), nil
}

// GetProcessName reads the command name for pid from /proc, falling
// back to ps on platforms without a /proc filesystem (e.g. darwin).
func GetProcessName(pid int) (string, error) {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return "", fmt.Errorf("ps lookup for pid %d: %w", pid, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GetProcessStartTime returns the process's start time, read from
// /proc/<pid>/stat where available. Returns an error on platforms
// without /proc (e.g. darwin), since the data isn't needed for
// liveness checks, only for diagnostics.
func GetProcessStartTime(pid int) (time.Time, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return time.Time{}, fmt.Errorf("read process stat: %w", err)
	}
	// field 22 (starttime, in clock ticks since boot) follows the
	// ")" that closes the process name field, which may itself
	// contain spaces or parens.
	fields := strings.Fields(string(data)[strings.LastIndex(string(data), ")")+1:])
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	ticksStr := fields[19]
	ticks, err := strconv.ParseInt(ticksStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse starttime field: %w", err)
	}

	bootTime, err := systemBootTime()
	if err != nil {
		return time.Time{}, err
	}
	const clockTicksPerSec = 100
	return bootTime.Add(time.Duration(ticks) * time.Second / clockTicksPerSec), nil
}

func systemBootTime() (time.Time, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse btime: %w", err)
			}
			return time.Unix(secs, 0), nil
		}
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}

// KillProcess forcefully terminates a process with SIGKILL.
func KillProcess(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// processAlive reports raw liveness, with no identity check against
// ProcessExecutableName — used for lock-file staleness, where the PID
// recorded is always the writer's own, never a candidate for PID reuse
// confusion.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
