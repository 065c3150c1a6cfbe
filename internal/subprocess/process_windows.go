//go:build windows

package subprocess

import "os/exec"

// setProcessGroup is a no-op on Windows; process-group termination isn't
// used there.
func setProcessGroup(cmd *exec.Cmd) {}

// terminate kills the process directly; Windows has no process-group
// signal equivalent to SIGTERM here.
func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
