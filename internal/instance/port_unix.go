//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GetProcessUsingPort finds the PID of the process listening on port
// using lsof, the standard tool for this on unix systems. Returns an
// error if lsof isn't installed or nothing is listening.
func GetProcessUsingPort(port int) (int, error) {
	cmd := exec.Command("lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("lsof command failed: %w", err)
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
