//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os"
)

// AcquireLock takes an O_EXCL lock file. There is no cross-platform
// ecosystem library in the dependency pack for advisory file locking (the
// its own lock is Windows-API-only), so this falls back to the
// standard library's atomic exclusive-create guarantee.
func (m *Manager) AcquireLock() error {
	lockPath := m.pidFilePath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("acquiring lock (another instance may be starting): %w", err)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	m.acquiredLock = true
	return nil
}

// ReleaseLock removes the lock file.
func (m *Manager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}
	lockPath := m.pidFilePath + ".lock"
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	m.acquiredLock = false
	return nil
}
