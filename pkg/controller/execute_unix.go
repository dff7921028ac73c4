//go:build !windows

package controller

import (
	"os/exec"
	"syscall"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// interruptProcessGroup sends SIGTERM to the whole group of the child
func interruptProcessGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
