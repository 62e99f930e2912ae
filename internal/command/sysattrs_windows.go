//go:build windows

package command

import "os/exec"

const whichCommand = "where"

// configureSysProcAttr keeps the exec.CommandContext default of killing the
// direct child on timeout.
func configureSysProcAttr(cmd *exec.Cmd) {}
