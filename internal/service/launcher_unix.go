//go:build unix

package service

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	// own process group, so helper children are signalled together
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func signalGroup(proc *os.Process, kill bool) error {
	sig := unix.SIGTERM
	if kill {
		sig = unix.SIGKILL
	}
	// negative pid addresses the process group
	err := unix.Kill(-proc.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return proc.Signal(sig)
	}
	return err
}

func exitOf(ps *os.ProcessState) (Exit, bool) {
	if ps == nil {
		return Exit{}, false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return Exit{Code: -1, Signal: unix.SignalName(ws.Signal())}, true
	}
	return Exit{Code: ps.ExitCode()}, true
}
