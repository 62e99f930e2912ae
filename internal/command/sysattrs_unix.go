//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

const whichCommand = "which"

// configureSysProcAttr puts the command in its own process group so a
// timeout kills everything it started, not only the direct child.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
