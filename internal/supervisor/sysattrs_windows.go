//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// setProcAttrs starts the imaging application in a new process group.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// shellCommand runs a command line that needs shell interpretation.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204 -- command comes from operator config
	return exec.Command("cmd", "/c", script)
}

// Windows has no graceful stop signal for console-less children, so both
// stop paths terminate the lead process directly.
func terminateGroup(pid int) { killGroup(pid) }

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
