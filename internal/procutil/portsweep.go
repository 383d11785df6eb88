package procutil

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/snapvault/companion/internal/log"
	"github.com/snapvault/companion/internal/metrics"
)

// ListenersOnPort returns the PIDs of processes listening on the given TCP
// port. An empty slice means the port is free.
func ListenersOnPort(ctx context.Context, port int) ([]int, error) {
	return listenersOnPort(ctx, port)
}

// SweepPort terminates every process bound to the port, regardless of whether
// this supervisor spawned it. Each PID receives SIGTERM first; whatever is
// still bound after grace receives SIGKILL. A failing lookup is logged and
// swallowed: the sweep is a safety net, not a correctness gate.
func SweepPort(ctx context.Context, port int, grace time.Duration) {
	logger := log.WithComponent("portsweep")

	pids, err := listenersOnPort(ctx, port)
	if err != nil {
		logger.Warn().Err(err).Int(log.FieldPort, port).Msg("port listener lookup failed")
		return
	}
	if len(pids) == 0 {
		logger.Debug().Int(log.FieldPort, port).Msg("port is free")
		return
	}

	logger.Info().
		Int(log.FieldPort, port).
		Ints("pids", pids).
		Msg("reclaiming port from existing listeners")

	for _, pid := range pids {
		if err := signalPID(pid, true); err != nil {
			logger.Warn().Err(err).Int(log.FieldPID, pid).Msg("SIGTERM failed")
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(grace):
	}

	remaining, err := listenersOnPort(ctx, port)
	if err != nil {
		return
	}
	for _, pid := range remaining {
		if err := signalPID(pid, false); err != nil {
			logger.Warn().Err(err).Int(log.FieldPID, pid).Msg("SIGKILL failed")
			continue
		}
		metrics.IncPortSweepKill()
		logger.Info().Int(log.FieldPID, pid).Msg("force-killed port holder")
	}
}

func parsePIDLines(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
