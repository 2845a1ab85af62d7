//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GetProcessUsingPort finds the PID of the process listening on port via netstat.
func GetProcessUsingPort(port int) (int, error) {
	cmd := exec.Command("cmd", "/C", fmt.Sprintf("netstat -ano | findstr :%d | findstr LISTENING", port))
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("netstat command failed: %w", err)
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr == "" {
		return 0, fmt.Errorf("no process found listening on port %d", port)
	}

	// Format: "  TCP    0.0.0.0:3000    0.0.0.0:0    LISTENING       11316"
	lines := strings.Split(outputStr, "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pidStr := fields[len(fields)-1]
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		return pid, nil
	}

	return 0, fmt.Errorf("could not parse PID from netstat output")
}
