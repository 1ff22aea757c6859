package instance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AcquireLock takes an exclusive startup lock next to the PID file. It
// uses O_CREATE|O_EXCL, which both OSes implement atomically at the
// filesystem level, so the same code works cross-platform without
// reaching for platform-specific syscalls (the teacher's Windows build
// used raw windows.CreateFile with an exclusive share mode for this;
// O_EXCL gets the same atomicity guarantee portably).
//
// A lock file is advisory, never fatal if stale: a collision only fails
// the acquire if the PID recorded inside it is still alive. A lock left
// behind by a process that crashed without calling ReleaseLock is
// reclaimed automatically.
func (m *Manager) AcquireLock() error {
	lockPath := m.pidFilePath + ".lock"
	f, err := m.tryCreateLock(lockPath)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if m.lockHolderAlive(lockPath) {
			return fmt.Errorf("acquire lock: another instance may be starting: %w", err)
		}
		os.Remove(lockPath)
		f, err = m.tryCreateLock(lockPath)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
	}

	m.lockFile = f
	m.acquiredLock = true
	return nil
}

func (m *Manager) tryCreateLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

// lockHolderAlive reports whether the PID recorded in an existing lock
// file still belongs to a live process. An unreadable or malformed lock
// file is treated as stale, same as a dead PID.
func (m *Manager) lockHolderAlive(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// ReleaseLock releases the startup lock and removes the lock file.
func (m *Manager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}

	if m.lockFile != nil {
		m.lockFile.Close()
		m.lockFile = nil
	}

	lockPath := m.pidFilePath + ".lock"
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	m.acquiredLock = false
	return nil
}
