//go:build windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// configureProcess keeps the child off our console's Ctrl+C group. Timeout
// kills fall back to exec's default Process.Kill.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
