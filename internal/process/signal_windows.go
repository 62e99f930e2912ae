//go:build windows

package process

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

func kill(p *os.Process) error {
	return p.Kill()
}

func alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
