//go:build unix && !windows

package procutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// listenersOnPort shells out to lsof. lsof exits 1 when nothing matches,
// which is not an error here.
func listenersOnPort(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	return parsePIDLines(out.String()), nil
}
