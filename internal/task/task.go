package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task as the remote task store models it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is an end state that must be reported upstream.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Task is one observation request owned by this runner for the duration of a
// single attempt. The authoritative copy lives in the remote task store; the
// JSON tags match its wire format.
type Task struct {
	ID          int     `json:"task_id"`
	Object      string  `json:"object"`
	RA          float64 `json:"ra"`   // hours, [0, 24)
	Dec         float64 `json:"decl"` // degrees, [-90, 90]
	Filter      string  `json:"filter"`
	ExposureSec float64 `json:"exposure_s"` // per-frame exposure duration
	FrameCount  int     `json:"frame_count"`
	Priority    int     `json:"priority"`
	Status      Status  `json:"status,omitempty"`

	AssignedAt time.Time `json:"assigned_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Validate checks the fields a sequence can be generated from. It returns the
// first violation found so the store gets a precise failure message.
func (t *Task) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("task id must be positive, got %d", t.ID)
	}
	if t.Object == "" {
		return fmt.Errorf("task %d: object name is empty", t.ID)
	}
	if t.RA < 0 || t.RA >= 24 {
		return fmt.Errorf("task %d: ra %.4f out of range [0, 24)", t.ID, t.RA)
	}
	if t.Dec < -90 || t.Dec > 90 {
		return fmt.Errorf("task %d: dec %.4f out of range [-90, 90]", t.ID, t.Dec)
	}
	if t.Filter == "" {
		return fmt.Errorf("task %d: filter is empty", t.ID)
	}
	if t.ExposureSec <= 0 {
		return fmt.Errorf("task %d: exposure %.2fs must be positive", t.ID, t.ExposureSec)
	}
	if t.FrameCount <= 0 {
		return fmt.Errorf("task %d: frame count %d must be positive", t.ID, t.FrameCount)
	}
	return nil
}
