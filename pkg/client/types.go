package client

import "time"

// Task mirrors the active observation request as the runner reports it.
type Task struct {
	ID          int     `json:"task_id"`
	Object      string  `json:"object"`
	RA          float64 `json:"ra"`
	Dec         float64 `json:"decl"`
	Filter      string  `json:"filter"`
	ExposureSec float64 `json:"exposure_s"`
	FrameCount  int     `json:"frame_count"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status,omitempty"`
}

// RunStatus describes the supervised imaging process of the current attempt.
type RunStatus struct {
	ID           string    `json:"id"`
	TaskID       int       `json:"task_id"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code,omitempty"`
	LastProgress time.Time `json:"last_progress,omitempty"`
	SequencePath string    `json:"sequence_path,omitempty"`
}

// Resources is a point-in-time sample of the imaging process footprint.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the full loop snapshot returned by GET /status.
type Status struct {
	State     string     `json:"state"`
	Night     bool       `json:"night"`
	Task      *Task      `json:"task,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	Frames    []string   `json:"frames,omitempty"`
	Run       *RunStatus `json:"run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Resources *Resources `json:"resources,omitempty"`
}

// NightWindow spans one contiguous stretch of astronomical night.
type NightWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NightStatus is the answer to GET /night.
type NightStatus struct {
	Night          bool         `json:"night"`
	SunAltitudeDeg float64      `json:"sun_altitude_deg"`
	NextTransition time.Time    `json:"next_transition"`
	Window         *NightWindow `json:"window,omitempty"`
}

// JournalEntry is one recorded task attempt from GET /journal.
type JournalEntry struct {
	RunID     string     `json:"run_id"`
	TaskID    int        `json:"task_id"`
	Object    string     `json:"object"`
	Status    string     `json:"status,omitempty"`
	Frames    []string   `json:"frames,omitempty"`
	Reported  bool       `json:"reported"`
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// AbortRequest asks the runner to cancel the active imaging run.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
