package supervisor

import "time"

// State is the lifecycle of one external-application run.
type State string

const (
	StateIdle      State = "idle"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateKilled    State = "killed"
)

// Terminal reports whether the run can no longer change state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateKilled:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// Status is a copy of a run's observable state.
type Status struct {
	ID           string    `json:"id"`
	TaskID       int       `json:"task_id"`
	State        State     `json:"state"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastProgress time.Time `json:"last_progress,omitempty"`
	SequencePath string    `json:"sequence_path"`
}
