package process

import (
	"os/exec"
	"strconv"

	"github.com/loykin/sidecar/internal/logger"
)

// Spec describes a child process to be spawned.
type Spec struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`     // executable path
	Args    []string          `json:"args"`     // arguments, without argv[0]
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // full environment; nil inherits the parent's
	Log     logger.FileConfig `json:"log"`      // optional rotating copies of stdout/stderr
}

// BackendArgs returns the arguments the backend is launched with.
func BackendArgs(port int, dataDir string) []string {
	return []string{"--port", strconv.Itoa(port), "--data-dir", dataDir}
}

// BuildCommand constructs an *exec.Cmd for the spec. No shell is involved.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}
