//go:build windows

package procutil

import (
	"os"
	"os/exec"
)

func setGroup(cmd *exec.Cmd) {}

func signalTerm(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Windows has no SIGTERM; Kill is the only option.
	return cmd.Process.Kill()
}

func signalKill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func signalPID(pid int, term bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

func isGone(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "os: process already finished"
}
