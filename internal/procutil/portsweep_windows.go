//go:build windows

package procutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// listenersOnPort parses netstat output for listening sockets on the port.
func listenersOnPort(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}

	needle := fmt.Sprintf(":%d", port)
	seen := map[int]struct{}{}
	var pids []int
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if !strings.HasSuffix(fields[1], needle) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	return pids, nil
}
