//go:build !windows

package installer

import (
	"os/exec"
	"syscall"
)

// setApplyProcAttr runs the apply process in a new session so it survives the
// updater being stopped while the package installs.
func setApplyProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
