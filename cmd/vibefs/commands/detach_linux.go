package commands

import (
	"os/exec"
	"syscall"
)

// detachProcess sets up cmd to survive the parent CLI process exiting, by
// starting it in its own session.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
