// Package instance implements the daemon's single-instance lifecycle
// management (spec §6.1, §6.4): PID/port file bookkeeping and the
// exclusive startup lock that stops two daemons from serving the same
// workspace at once. Grounded on the teacher's internal/instance
// package, generalized from a Windows-only implementation (the teacher
// shells out to tasklist/taskkill and uses raw windows.* syscalls
// throughout) to one that works on any OS apcd targets, using
// golang.org/x/sys's portable process-liveness primitives instead of
// Windows-only APIs plus build-tag-split OS-specific files where a
// single implementation can't cover every platform.
package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Manager handles PID/port file bookkeeping and the startup lock for one
// workspace's daemon instance.
type Manager struct {
	pidFilePath string
	statePath   string // plain-text port file path (spec §6.1's sibling ".port" file); "" disables it
	port        int

	lockFile     *os.File // held open while acquired; exclusivity comes from O_EXCL creation, not an OS lock
	acquiredLock bool
}

// Info describes a running (or recently running) instance, as read back
// from its PID file and cross-checked against the live process table.
type Info struct {
	PID          int
	Port         int
	StartTime    time.Time
	IsRunning    bool
	IsResponding bool
	Version      string
	BasePath     string
}

// PIDFileData is the on-disk JSON shape of the PID file (spec §6.1).
type PIDFileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	BasePath  string    `json:"base_path"`
	Hostname  string    `json:"hostname"`
}

// ProcessExecutableName is the name IsProcessRunning cross-checks a live
// PID against, so a reused PID belonging to an unrelated process is
// never mistaken for a surviving daemon. ".exe" is appended by the
// Windows-specific implementation.
const ProcessExecutableName = "apcd"

// NewManager creates a Manager for the given PID file, plain-text port
// file ("" disables it), and starting port.
func NewManager(pidFilePath, statePath string, port int) *Manager {
	return &Manager{pidFilePath: pidFilePath, statePath: statePath, port: port}
}

// CheckExistingInstance looks for a live daemon already serving this
// workspace. A stale PID file (process gone, or the PID now belongs to
// an unrelated process) is cleaned up and reported as "no instance".
func (m *Manager) CheckExistingInstance() (*Info, error) {
	pidData, err := m.ReadPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	running, err := IsProcessRunning(pidData.PID)
	if err != nil {
		return nil, fmt.Errorf("check process %d: %w", pidData.PID, err)
	}
	if !running {
		m.RemovePIDFile()
		return nil, nil
	}

	responding := HealthCheck(pidData.Port) == nil
	return &Info{
		PID: pidData.PID, Port: pidData.Port, StartTime: pidData.StartedAt,
		IsRunning: true, IsResponding: responding,
		Version: pidData.Version, BasePath: pidData.BasePath,
	}, nil
}

// WritePIDFile persists this instance's identity.
func (m *Manager) WritePIDFile(pid, port int, basePath string) error {
	hostname, _ := os.Hostname()
	data := PIDFileData{PID: pid, Port: port, StartedAt: time.Now(), Version: "1.0.0", BasePath: basePath, Hostname: hostname}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PID data: %w", err)
	}
	if err := os.WriteFile(m.pidFilePath, jsonData, 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	if m.statePath != "" {
		if err := os.WriteFile(m.statePath, []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
			return fmt.Errorf("write port file: %w", err)
		}
	}
	return nil
}

// ReadPIDFile reads and parses the PID file.
func (m *Manager) ReadPIDFile() (*PIDFileData, error) {
	jsonData, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data PIDFileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("parse PID file: %w", err)
	}
	return &data, nil
}

// RemovePIDFile deletes the PID file and its sibling port file. Missing is
// not an error.
func (m *Manager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	if m.statePath != "" {
		if err := os.Remove(m.statePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove port file: %w", err)
		}
	}
	return nil
}

// GetPort returns the port the manager is currently configured for.
func (m *Manager) GetPort() int { return m.port }

// SetPort updates the port (the conflict resolver calls this when it
// picks a different one).
func (m *Manager) SetPort(port int) { m.port = port }
