package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window and starts a new process group.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcess terminates the trainer.
func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
