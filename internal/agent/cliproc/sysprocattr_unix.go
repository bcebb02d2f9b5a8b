//go:build !windows

package cliproc

import (
	"os/exec"
	"syscall"
)

// buildSysProcAttr puts the child in its own process group so termination
// signals reach the whole subtree, not just the direct child.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (or SIGKILL) to the child's process group.
func signalGroup(cmd *exec.Cmd, killNow bool) {
	if cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if killNow {
		sig = syscall.SIGKILL
	}
	// Negative pid targets the process group; fall back to the process
	// itself if the group is already gone.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}
