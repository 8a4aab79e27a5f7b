package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in a new session so it is detached
// from the controlling terminal and survives the caller's exit.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
