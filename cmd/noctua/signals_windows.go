//go:build windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals lists the signals the run loop listens for. Windows has
// no user signals, so aborts go through the API only.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// isAbortSignal reports whether sig aborts the active run instead of
// shutting the daemon down.
func isAbortSignal(sig os.Signal) bool {
	return false
}
