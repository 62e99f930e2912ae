//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// kill sends SIGKILL to the process group led by p, falling back to the
// process itself when the group is gone.
func kill(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return p.Kill()
	}
	return err
}

// alive reports whether pid still exists.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
