//go:build !linux

package dispatch

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op off Linux: the process-group SIGTERM
// cascade is a Linux-specific optimization, not a correctness
// requirement (the direct child still receives the signal).
func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}
