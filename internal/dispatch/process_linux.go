//go:build linux

package dispatch

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the spawned process in its own process group so
// a single SIGTERM/SIGKILL reaches every descendant it may have forked,
// not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup sends SIGTERM to the process group; cascading to SIGKILL
// after the grace period is NodeRunner.Stop's job.
func signalGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		return
	}
	unix.Kill(-pgid, syscall.SIGTERM)
}
