//go:build !unix

package service

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// no process groups nor SIGTERM here: both requests kill the helper
func signalGroup(proc *os.Process, _ bool) error {
	return proc.Kill()
}

func exitOf(ps *os.ProcessState) (Exit, bool) {
	if ps == nil {
		return Exit{}, false
	}
	return Exit{Code: ps.ExitCode()}, true
}
