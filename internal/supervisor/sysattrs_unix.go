//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcAttrs places the imaging application in its own process group so
// stop signals also reach helper processes it spawns.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// shellCommand runs a command line that needs shell interpretation.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204 -- command comes from operator config
	return exec.Command("/bin/sh", "-c", script)
}

// terminateGroup asks the run's process group to stop.
func terminateGroup(pid int) { signalGroup(pid, syscall.SIGTERM) }

// killGroup forcibly ends the run's process group.
func killGroup(pid int) { signalGroup(pid, syscall.SIGKILL) }

// signalGroup delivers sig to the whole group, falling back to the lead
// process when no group exists. ESRCH means the group is already gone and is
// not an error.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, sig)
	}
}
