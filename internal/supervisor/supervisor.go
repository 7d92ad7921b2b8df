// Package supervisor starts, monitors, and terminates runs of the external
// imaging application. One run executes at a time; the handle's terminal
// state is decided exactly once no matter how the run ends.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noctua-obs/noctua/internal/logger"
	"github.com/noctua-obs/noctua/internal/sequence"
)

const (
	DefaultStallTimeout = 15 * time.Minute
	DefaultGracePeriod  = 30 * time.Second
)

// LaunchError wraps failures to start the external application, a missing
// executable included. The orchestrator treats these as task failures, not
// run failures, unless they repeat.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch imaging application: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// Config describes how the external application is invoked and bounded.
type Config struct {
	Command      string        `json:"command" mapstructure:"command"`
	SequenceFlag string        `json:"sequence_flag" mapstructure:"sequence_flag"`
	WorkDir      string        `json:"workdir" mapstructure:"workdir"`
	Env          []string      `json:"env" mapstructure:"env"`
	StallTimeout time.Duration `json:"stall_timeout" mapstructure:"stall_timeout"`
	GracePeriod  time.Duration `json:"grace_period" mapstructure:"grace_period"`

	Log logger.FileConfig `json:"log" mapstructure:"log"`
}

type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	current *RunHandle
}

func New(cfg Config) *Supervisor {
	if cfg.SequenceFlag == "" {
		cfg.SequenceFlag = "-s"
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Supervisor{cfg: cfg}
}

// Launch starts the external application against the given sequence. Only
// one run may be active; launching over a live run is refused.
func (s *Supervisor) Launch(seq *sequence.Sequence) (*RunHandle, error) {
	s.mu.Lock()
	if s.current != nil && !s.current.currentState().Terminal() {
		s.mu.Unlock()
		return nil, &LaunchError{Err: fmt.Errorf("run %s still active", s.current.id)}
	}
	s.mu.Unlock()

	h := &RunHandle{
		id:     uuid.NewString(),
		taskID: seq.TaskID,
		seq:    seq.Path,
		state:  StateLaunching,
	}

	cmd, err := s.buildCommand(seq.Path)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = s.cfg.Env
	}
	setProcAttrs(cmd)

	if s.cfg.Log.Dir != "" {
		_ = os.MkdirAll(s.cfg.Log.Dir, 0o750)
	}
	outW, errW, _ := s.cfg.Log.Writers(fmt.Sprintf("task-%d", seq.TaskID))
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
		return nil, &LaunchError{Err: err}
	}

	now := time.Now()
	h.mu.Lock()
	h.cmd = cmd
	h.state = StateRunning
	h.startedAt = now
	h.lastProgress = now
	h.outCloser = outW
	h.errCloser = errW
	h.waitDone = make(chan struct{})
	h.mu.Unlock()

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	slog.Info("imaging application started",
		"run", h.id, "task", seq.TaskID, "pid", cmd.Process.Pid, "sequence", seq.Path)

	go func() {
		err := cmd.Wait()
		h.markExited(err)
		st := s.Snapshot(h)
		slog.Info("imaging application exited",
			"run", h.id, "task", h.taskID, "state", st.State, "exit_code", st.ExitCode)
	}()

	return h, nil
}

// Poll is a non-blocking liveness and staleness check. A run that has shown
// no progress for longer than the stall timeout is claimed TimedOut and its
// process group is torn down in the background.
func (s *Supervisor) Poll(h *RunHandle) State {
	h.mu.Lock()
	state := h.state
	last := h.lastProgress
	h.mu.Unlock()

	if state != StateRunning {
		return state
	}
	if time.Since(last) > s.cfg.StallTimeout {
		if h.claimTerminal(StateTimedOut) {
			slog.Warn("run stalled, terminating",
				"run", h.id, "task", h.taskID, "stall_timeout", s.cfg.StallTimeout)
			go h.shutdown(s.cfg.GracePeriod)
		}
		return StateTimedOut
	}
	return StateRunning
}

// NoteProgress resets the stall clock. The orchestrator calls it whenever
// the output watcher reports a completed frame for this run.
func (s *Supervisor) NoteProgress(h *RunHandle) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.lastProgress = time.Now()
	}
	h.mu.Unlock()
}

// Terminate requests a graceful stop and escalates after the grace period.
// Safe to call at any state and idempotent: a run that already reached a
// terminal state keeps it, otherwise the run ends as Killed. The returned
// state is the run's terminal state.
func (s *Supervisor) Terminate(h *RunHandle) State {
	if h == nil {
		return StateIdle
	}
	if h.claimTerminal(StateKilled) {
		slog.Info("terminating run", "run", h.id, "task", h.taskID)
	}
	h.shutdown(s.cfg.GracePeriod)
	return h.currentState()
}

// Done returns a channel closed once the run's process has been reaped.
func (s *Supervisor) Done(h *RunHandle) <-chan struct{} {
	return h.waitDoneChan()
}

// Active returns the current run handle, or nil when idle.
func (s *Supervisor) Active() *RunHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.currentState().Terminal() {
		return nil
	}
	return s.current
}

// Snapshot copies the run's observable state.
func (s *Supervisor) Snapshot(h *RunHandle) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		ID:           h.id,
		TaskID:       h.taskID,
		State:        h.state,
		StartedAt:    h.startedAt,
		StoppedAt:    h.stoppedAt,
		ExitCode:     exitCode(h.exitErr),
		LastProgress: h.lastProgress,
		SequencePath: h.seq,
	}
	if h.cmd != nil && h.cmd.Process != nil {
		st.PID = h.cmd.Process.Pid
	}
	return st
}

// buildCommand turns the configured command line plus the sequence path into
// an *exec.Cmd. A command carrying shell metacharacters runs under the
// platform shell with the sequence path appended single-quoted; otherwise
// the command is split into argv directly and the executable is resolved up
// front so a missing binary fails at launch, not at wait.
func (s *Supervisor) buildCommand(seqPath string) (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.cfg.Command)
	if cmdStr == "" {
		return nil, fmt.Errorf("imaging command not configured")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		full := fmt.Sprintf("%s %s '%s'", cmdStr, s.cfg.SequenceFlag, seqPath)
		return shellCommand(full), nil
	}
	parts := strings.Fields(cmdStr)
	if _, err := exec.LookPath(parts[0]); err != nil {
		return nil, err
	}
	args := append(parts[1:], s.cfg.SequenceFlag, seqPath)
	// #nosec G204 -- command comes from operator config
	return exec.Command(parts[0], args...), nil
}
