package supervisor

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// RunHandle represents one execution of the external imaging application.
// It is owned by the Supervisor; callers hold it as an opaque reference and
// interact only through Supervisor methods. Exactly one terminal state is
// ever assigned, the first claim wins.
type RunHandle struct {
	id     string
	taskID int
	seq    string // sequence file path

	mu           sync.Mutex
	cmd          *exec.Cmd
	state        State
	startedAt    time.Time
	stoppedAt    time.Time
	exitErr      error
	lastProgress time.Time
	outCloser    io.WriteCloser
	errCloser    io.WriteCloser
	waitDone     chan struct{} // closed by the waiter once cmd.Wait returns
}

// ID returns the unique run identifier.
func (h *RunHandle) ID() string { return h.id }

// claimTerminal assigns the run's terminal state if none has been claimed
// yet. It returns false when another path already ended the run.
func (h *RunHandle) claimTerminal(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = s
	return true
}

func (h *RunHandle) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *RunHandle) pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

func (h *RunHandle) waitDoneChan() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

// markExited records the wait result and closes capture writers. Terminal
// state is only filled in when nothing claimed it earlier.
func (h *RunHandle) markExited(err error) {
	h.mu.Lock()
	h.stoppedAt = time.Now()
	h.exitErr = err
	if !h.state.Terminal() {
		if err == nil {
			h.state = StateCompleted
		} else {
			h.state = StateFailed
		}
	}
	out, errW := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	wd := h.waitDone
	h.mu.Unlock()

	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
	if wd != nil {
		close(wd)
	}
}

// shutdown requests a graceful stop and escalates to a forced kill once the
// grace period passes. It returns when the waiter has reaped the process or
// after a short post-kill allowance.
func (h *RunHandle) shutdown(grace time.Duration) {
	wd := h.waitDoneChan()
	if wd == nil {
		return
	}
	select {
	case <-wd:
		return
	default:
	}
	terminateGroup(h.pid())
	select {
	case <-wd:
		return
	case <-time.After(grace):
	}
	killGroup(h.pid())
	select {
	case <-wd:
	case <-time.After(200 * time.Millisecond):
		// best-effort; the waiter will still reap
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
