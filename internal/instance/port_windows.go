//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GetProcessUsingPort finds the PID of the process listening on port, by
// shelling out to netstat (there is no portable syscall for this on
// Windows short of the IP Helper API, which isn't worth the extra
// dependency for a conflict-resolution nicety).
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

	for _, line := range strings.Split(outputStr, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			continue
		}
		return pid, nil
	}
	return 0, fmt.Errorf("could not parse PID from netstat output")
}
