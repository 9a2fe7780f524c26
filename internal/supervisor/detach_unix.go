//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach puts the worker in its own process group so terminal signals aimed
// at the supervisor do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
