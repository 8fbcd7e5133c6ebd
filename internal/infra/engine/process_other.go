//go:build !unix && !windows

package engine

import "os/exec"

// configureProcess is a no-op where process groups are unavailable.
func configureProcess(_ *exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
