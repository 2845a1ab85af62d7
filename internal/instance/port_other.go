//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GetProcessUsingPort shells out to lsof, the closest thing to a portable
// answer outside Windows. There is no pack library for socket-to-PID
// lookup, and the result is advisory (used only for a conflict-resolution
// prompt), so a missing lsof binary just surfaces as an error rather than
// a hard failure.
func GetProcessUsingPort(port int) (int, error) {
	cmd := exec.Command("lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("lsof failed: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		return pid, nil
	}

	return 0, fmt.Errorf("no process found listening on port %d", port)
}
