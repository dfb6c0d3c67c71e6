//go:build unix

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the node in its own process group so a timeout
// kills the whole tree, including children spawned by shell wrappers.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
