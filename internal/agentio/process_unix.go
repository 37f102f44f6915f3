//go:build !windows

package agentio

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so Kill can
// terminate the whole group, not just the immediate child (§4.1 Kill()).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
