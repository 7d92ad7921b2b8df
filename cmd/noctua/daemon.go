package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-executes the current command line detached from the terminal
// and exits the foreground parent. The detached child sees getppid() == 1
// and falls straight through to the normal run path.
func daemonize(pidFile, logFile string) error {
	if os.Getppid() == 1 {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// #nosec G204 -- re-executing ourselves with filtered args
	cmd := exec.Command(exe, stripDaemonFlags(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304 -- path comes from operator config
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open daemon logfile: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
	}
	fmt.Printf("noctua running in background, pid %d\n", cmd.Process.Pid)

	os.Exit(0)
	return nil
}

// stripDaemonFlags drops --daemonize and --logfile from the re-executed
// command line. The child must run in the foreground, and its logging comes
// from the config file, not the detach-time redirect.
func stripDaemonFlags(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		switch {
		case skip:
			skip = false
		case a == "--daemonize" || strings.HasPrefix(a, "--daemonize="):
		case a == "--logfile":
			skip = true
		case strings.HasPrefix(a, "--logfile="):
		default:
			out = append(out, a)
		}
	}
	return out
}

// writePidFile records the daemon PID where [server].pidfile points, so stop
// scripts and the packaging's service unit can find the process.
func writePidFile(path string, pid int) error {
	// #nosec G306 -- pidfile must be readable by operator tooling
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// removePidFile clears the pidfile at shutdown. An empty path means none was
// configured.
func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}
