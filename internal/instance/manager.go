// Package instance prevents more than one exchange process from binding
// the same port on a single host: a PID file plus a process lock (an
// exclusive file-handle lock on Windows, an O_EXCL lock file elsewhere),
// so a second `exchange` invocation detects
// and defers to the first instead of racing it for the listening socket.
// The PID file carries enough process metadata to tell a live instance
// from a stale file left by a crash.
package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Manager owns the PID file and (platform-specific) process lock for one
// running exchange instance.
type Manager struct {
	pidFilePath  string
	port         int
	acquiredLock bool
}

// Info describes a running (or formerly running) instance, read back from
// its PID file and cross-checked against the live process table.
type Info struct {
	PID          int
	Port         int
	StartTime    time.Time
	IsRunning    bool
	IsResponding bool
	Version      string
}

// pidFileData is the PID file's on-disk JSON shape.
type pidFileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	Hostname  string    `json:"hostname"`
}

const exeName = "exchange.exe"

// NewManager creates an instance manager for the given PID file and port.
func NewManager(pidFilePath string, port int) *Manager {
	return &Manager{pidFilePath: pidFilePath, port: port}
}

// CheckExisting looks for a still-running prior instance, removing a
// stale PID file (process gone, or PID reused by something else) instead
// of treating it as a conflict.
func (m *Manager) CheckExisting() (*Info, error) {
	data, err := m.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading PID file: %w", err)
	}

	running, err := IsProcessRunning(data.PID)
	if err != nil {
		return nil, fmt.Errorf("checking process: %w", err)
	}
	if !running {
		m.RemovePIDFile()
		return nil, nil
	}

	name, err := GetProcessName(data.PID)
	if err == nil && name != exeName {
		m.RemovePIDFile()
		return nil, nil
	}

	return &Info{
		PID:          data.PID,
		Port:         data.Port,
		StartTime:    data.StartedAt,
		IsRunning:    true,
		IsResponding: HealthCheck(data.Port) == nil,
		Version:      data.Version,
	}, nil
}

// WritePIDFile records this process's PID, port, and start time.
func (m *Manager) WritePIDFile(pid, port int) error {
	hostname, _ := os.Hostname()
	data := pidFileData{PID: pid, Port: port, StartedAt: time.Now(), Version: "1.0.0", Hostname: hostname}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling PID data: %w", err)
	}
	return os.WriteFile(m.pidFilePath, jsonData, 0o644)
}

func (m *Manager) readPIDFile() (*pidFileData, error) {
	raw, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data pidFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing PID file: %w", err)
	}
	return &data, nil
}

// RemovePIDFile deletes the PID file, ignoring a not-exists error.
func (m *Manager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

// Port returns the configured port.
func (m *Manager) Port() int { return m.port }

// SetPort updates the port, used after the port resolver picks a
// different one than requested.
func (m *Manager) SetPort(port int) { m.port = port }
