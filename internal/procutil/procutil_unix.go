//go:build unix && !windows

package procutil

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
)

func setGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup sends a signal to the process group of the command. If the
// command or process is nil, or the process already exited, it returns nil.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	// The process is its own group leader (Setpgid=true), so PGID == PID.
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	// Negative PGID signals the whole group.
	if err := syscall.Kill(-pgid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

func signalTerm(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func signalKill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

// signalPID signals a single PID discovered by the port sweep. The PID was
// not necessarily spawned by us, so no group semantics apply.
func signalPID(pid int, term bool) error {
	sig := syscall.SIGTERM
	if !term {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// pidAlive probes the process with signal 0.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func isGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH) ||
		strings.Contains(err.Error(), "process already finished") ||
		strings.Contains(err.Error(), "no such process")
}
