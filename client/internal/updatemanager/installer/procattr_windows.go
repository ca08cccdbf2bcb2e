package installer

import (
	"os/exec"
	"syscall"
)

// setApplyProcAttr detaches the apply process from the parent so the
// installation keeps running when the updater exits.
func setApplyProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // 0x00000008 is DETACHED_PROCESS
	}
}
