// Package maintenance runs the recurring housekeeping jobs: purging old
// journal rows, sweeping stale sequence files and expiring archived frames.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// taskTimeout bounds a single housekeeping run.
const taskTimeout = 10 * time.Minute

// JournalPurger deletes reported journal rows older than a cutoff.
type JournalPurger interface {
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// SequenceSweeper removes sequence files left behind by interrupted runs.
type SequenceSweeper interface {
	SweepStale(maxAge time.Duration) (int, error)
}

// ArchiveCleaner expires uploaded frames past their retention.
type ArchiveCleaner interface {
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// Config holds the cron expressions and retention windows for each job.
// Empty schedules disable the corresponding job.
type Config struct {
	JournalPurgeSchedule   string
	JournalRetention       time.Duration
	SequenceSweepSchedule  string
	SequenceMaxAge         time.Duration
	ArchiveCleanupSchedule string
	ArchiveRetention       time.Duration
}

// Deps wires the stores the jobs operate on. Archive may be nil when
// frame archiving is disabled.
type Deps struct {
	Journal   JournalPurger
	Sequences SequenceSweeper
	Archive   ArchiveCleaner
	Logger    *slog.Logger
}

// Scheduler owns the cron runner and the registered housekeeping jobs.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	deps      Deps
	cron      *cron.Cron
	entries   []cron.EntryID
	logger    *slog.Logger
	isStarted bool
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Journal == nil {
		return nil, errors.New("maintenance: journal store is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("maintenance: sequence sweeper is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, deps: deps, cron: cron.New(), logger: logger}, nil
}

// Start registers the configured jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return errors.New("maintenance scheduler already started")
	}

	type jobDef struct {
		name     string
		schedule string
		enabled  bool
		fn       func()
	}
	defs := []jobDef{
		{
			name:     "journal_purge",
			schedule: s.cfg.JournalPurgeSchedule,
			enabled:  s.cfg.JournalRetention > 0,
			fn:       s.purgeJournal,
		},
		{
			name:     "sequence_sweep",
			schedule: s.cfg.SequenceSweepSchedule,
			enabled:  s.cfg.SequenceMaxAge > 0,
			fn:       s.sweepSequences,
		},
		{
			name:     "archive_cleanup",
			schedule: s.cfg.ArchiveCleanupSchedule,
			enabled:  s.deps.Archive != nil && s.cfg.ArchiveRetention > 0,
			fn:       s.cleanArchive,
		},
	}

	for _, d := range defs {
		if !d.enabled || d.schedule == "" {
			continue
		}
		id, err := s.cron.AddFunc(d.schedule, d.fn)
		if err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", d.name, d.schedule, err)
		}
		s.entries = append(s.entries, id)
		s.logger.Info("maintenance job scheduled", "job", d.name, "schedule", d.schedule)
	}

	s.cron.Start()
	s.isStarted = true
	return nil
}

// Stop halts the cron runner. Jobs already in flight finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isStarted {
		return
	}
	s.cron.Stop()
	s.isStarted = false
}

// RunAll executes every enabled job once, immediately. Used at startup so a
// long-stopped observatory catches up without waiting a full schedule period.
func (s *Scheduler) RunAll() {
	if s.cfg.JournalRetention > 0 {
		s.purgeJournal()
	}
	if s.cfg.SequenceMaxAge > 0 {
		s.sweepSequences()
	}
	if s.deps.Archive != nil && s.cfg.ArchiveRetention > 0 {
		s.cleanArchive()
	}
}

// NextRuns reports the upcoming fire times of all scheduled jobs.
func (s *Scheduler) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next []time.Time
	for _, e := range s.cron.Entries() {
		next = append(next, e.Next)
	}
	return next
}

func (s *Scheduler) purgeJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.JournalRetention)
	n, err := s.deps.Journal.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("journal purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("journal purged", "removed", n, "older_than", cutoff)
	}
}

func (s *Scheduler) sweepSequences() {
	n, err := s.deps.Sequences.SweepStale(s.cfg.SequenceMaxAge)
	if err != nil {
		s.logger.Error("sequence sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("stale sequences removed", "count", n, "max_age", s.cfg.SequenceMaxAge)
	}
}

func (s *Scheduler) cleanArchive() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if err := s.deps.Archive.CleanupOlderThan(ctx, s.cfg.ArchiveRetention); err != nil {
		s.logger.Error("archive cleanup failed", "error", err)
	}
}
