//go:build windows

package cliproc

import (
	"os/exec"
	"syscall"
)

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// signalGroup kills the process outright; Windows has no SIGTERM equivalent
// for console-less children.
func signalGroup(cmd *exec.Cmd, killNow bool) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
