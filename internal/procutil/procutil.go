// Package procutil manages the supervised server's process group: group
// spawning, graceful termination with escalation, and reclaiming processes
// that hold the server port.
package procutil

import (
	"os/exec"
	"time"

	"github.com/snapvault/companion/internal/metrics"
)

// SetGroup configures the command to start in a new process group.
// Mandatory for Terminate to act as a group reaper.
func SetGroup(cmd *exec.Cmd) {
	setGroup(cmd)
}

// Terminate attempts to gracefully stop a process group. It sends SIGTERM,
// waits for the process to exit (signalled by the done channel closing), and
// if it does not exit within grace, sends SIGKILL and waits for the exit.
// Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := signalTerm(cmd); err == nil {
		metrics.IncProcTerminate("SIGTERM", "sent")
	} else if isGone(err) {
		metrics.IncProcTerminate("SIGTERM", "esrch")
	} else {
		metrics.IncProcTerminate("SIGTERM", "error")
	}

	select {
	case <-done:
		return
	case <-time.After(grace):
		if err := signalKill(cmd); err == nil {
			metrics.IncProcTerminate("SIGKILL", "sent")
		} else if isGone(err) {
			metrics.IncProcTerminate("SIGKILL", "esrch")
		} else {
			metrics.IncProcTerminate("SIGKILL", "error")
		}
		// Always wait for the reaper. If the process was blocked, SIGKILL frees it.
		<-done
	}
}

// Kill force-kills the process group without a grace period.
func Kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := signalKill(cmd); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else if isGone(err) {
		metrics.IncProcTerminate("SIGKILL", "esrch")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
	}
}

// KillPID terminates a single PID that was not spawned by this supervisor,
// e.g. an orphan recorded in the pidfile: SIGTERM, then SIGKILL after grace.
func KillPID(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	_ = signalPID(pid, true)
	time.Sleep(grace)
	if PIDAlive(pid) {
		_ = signalPID(pid, false)
	}
}

// PIDAlive reports whether a process with the given PID currently exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidAlive(pid)
}
