//go:build windows

package skills

import (
	"os/exec"
	"time"
)

// setProcGroup is a no-op on Windows.
func setProcGroup(cmd *exec.Cmd) {}

// terminateTree kills the child process; Windows has no process-group
// signalling, so there is no TERM/KILL grace dance.
func terminateTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
