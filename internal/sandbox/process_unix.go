//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group and kills the
// whole group on context cancellation, so grandchildren do not linger.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
