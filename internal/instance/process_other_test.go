//go:build !windows
// +build !windows

package instance

import (
	"os"
	"testing"
)

func TestIsProcessRunningCurrentProcess(t *testing.T) {
	running, err := IsProcessRunning(os.Getpid())
	if err != nil {
		t.Fatalf("IsProcessRunning failed: %v", err)
	}
	if !running {
		t.Error("expected current process to be reported as running")
	}
}

func TestIsProcessRunningInvalidPID(t *testing.T) {
	running, err := IsProcessRunning(999999999)
	if err != nil {
		t.Fatalf("IsProcessRunning should not error on a missing PID: %v", err)
	}
	if running {
		t.Error("expected a made-up PID to be reported as not running")
	}
}

func TestGetProcessNameUnsupported(t *testing.T) {
	if _, err := GetProcessName(os.Getpid()); err == nil {
		t.Error("expected GetProcessName to report unsupported on this platform")
	}
}

func TestGetProcessStartTimeUnsupported(t *testing.T) {
	if _, err := GetProcessStartTime(os.Getpid()); err == nil {
		t.Error("expected GetProcessStartTime to report unsupported on this platform")
	}
}
