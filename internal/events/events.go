// Package events publishes run telemetry to external analytics systems.
// Every state change worth charting (nights opening, tasks starting, frames
// arriving, outcomes settling) becomes one Event; sinks deliver them to
// ClickHouse for dashboards or to NATS for live subscribers. Event delivery
// is best effort and never blocks the observing loop on a failed sink.
package events

import (
	"context"
	"errors"
	"time"
)

// Type defines the kind of observatory event.
type Type string

const (
	TypeNightStart    Type = "night_start"
	TypeNightEnd      Type = "night_end"
	TypeTaskFetched   Type = "task_fetched"
	TypeRunStarted    Type = "run_started"
	TypeFrameObserved Type = "frame_observed"
	TypeRunSettled    Type = "run_settled"
	TypeReportSent    Type = "report_sent"
	TypeHookFailed    Type = "hook_failed"
	TypeAbort         Type = "abort_requested"
)

// Event represents one observatory occurrence exported to external systems.
type Event struct {
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ScopeID    int       `json:"scope_id"`
	TaskID     int       `json:"task_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Object     string    `json:"object,omitempty"`
	Status     string    `json:"status,omitempty"`
	Frames     int       `json:"frames,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for observatory events (analytics/statistics
// systems). Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Multi fans an event out to every sink. A failing sink does not stop
// delivery to the others; the failures come back joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
