//go:build !windows

package hook

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// setProcAttrs places the script in its own process group so a timeout kill
// also reaches children the script spawned.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killHookGroup terminates the script's process group, escalating to SIGKILL
// after a short grace so a trapping script cannot wedge the loop.
func killHookGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	time.AfterFunc(killGrace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
}
