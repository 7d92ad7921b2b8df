//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals lists the signals the run loop listens for. SIGUSR1 is
// the out-of-band abort channel for operators without API access.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}
}

// isAbortSignal reports whether sig aborts the active run instead of
// shutting the daemon down.
func isAbortSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
