//go:build windows

package controller

import (
	"os/exec"
	"syscall"
)

// A separate process group keeps console signals aimed at the controller
// away from the child.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func interruptProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
