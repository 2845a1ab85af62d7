//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

var lockHandle windows.Handle

// AcquireLock takes an exclusive Windows file handle on the PID file's
// companion lock file, so a second process racing to start fails fast
// instead of overwriting the first's PID file mid-write.
func (m *Manager) AcquireLock() error {
	lockPath := m.pidFilePath + ".lock"

	lockPathPtr, err := syscall.UTF16PtrFromString(lockPath)
	if err != nil {
		return fmt.Errorf("converting lock path: %w", err)
	}

	handle, err := windows.CreateFile(
		lockPathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return fmt.Errorf("acquiring lock (another instance may be starting): %w", err)
	}

	lockHandle = handle
	m.acquiredLock = true

	pidBytes := []byte(fmt.Sprintf("%d", os.Getpid()))
	var written uint32
	_ = windows.WriteFile(handle, pidBytes, &written, nil)

	return nil
}

// ReleaseLock releases the exclusive lock and removes the lock file.
func (m *Manager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}
	if lockHandle != 0 {
		windows.CloseHandle(lockHandle)
		lockHandle = 0
	}
	lockPath := m.pidFilePath + ".lock"
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	m.acquiredLock = false
	return nil
}
