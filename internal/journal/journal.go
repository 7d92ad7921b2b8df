// Package journal is the local ledger of task attempts. Every run gets a
// record at launch and an update when it settles; the reported flag tracks
// whether the outcome reached the remote task store, so deliveries lost to
// network trouble can be replayed after a restart.
package journal

import (
	"context"
	"database/sql"
	"time"
)

// Record is one task attempt as this runner saw it. RunID is unique per
// attempt; a task retried after a failure gets a fresh record.
type Record struct {
	ID        int64
	RunID     string
	TaskID    int
	Object    string
	Status    string   // task status at settle time, empty while running
	Frames    []string // captured frame paths
	Reported  bool     // outcome delivered to the task store
	Detail    string   // human-readable failure or abort detail
	StartedAt time.Time
	SettledAt sql.NullTime
	UpdatedAt time.Time
}

// Settled reports whether the attempt reached a terminal status.
func (r *Record) Settled() bool { return r.SettledAt.Valid }

// Store is the persistence interface for the run ledger.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// RecordStart upserts the attempt keyed by RunID with no settle state.
	RecordStart(ctx context.Context, rec Record) error
	// RecordSettle stores the terminal status and captured frames.
	RecordSettle(ctx context.Context, runID, status string, frames []string, detail string, settledAt time.Time) error
	// MarkReported flags the attempt as delivered to the task store.
	MarkReported(ctx context.Context, runID string) error
	// Unreported lists settled attempts whose outcome never reached the
	// task store, oldest first.
	Unreported(ctx context.Context, limit int) ([]Record, error)
	// Recent lists attempts newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// PurgeOlderThan removes settled, reported records last touched before
	// the cutoff and returns how many were dropped.
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
