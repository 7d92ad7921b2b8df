// Package sequence turns one observation task into the JSON sequence file
// the external imaging application executes. The template fixes the device
// schema; the builder only maps task fields into it.
package sequence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/noctua-obs/noctua/internal/task"
)

// InvalidTaskError marks a task whose parameters cannot produce a runnable
// sequence. The orchestrator reports such tasks failed and moves on.
type InvalidTaskError struct {
	TaskID int
	Err    error
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("task %d cannot be sequenced: %v", e.TaskID, e.Err)
}

func (e *InvalidTaskError) Unwrap() error { return e.Err }

// Config locates the per-observatory template and the directory generated
// sequence files are written to.
type Config struct {
	TemplateDir string `json:"template_dir" mapstructure:"template_dir"`
	Dir         string `json:"dir" mapstructure:"dir"`
	ScopeID     int    `json:"scope_id" mapstructure:"scope_id"`
}

// Sequence is the ephemeral artifact handed to the process supervisor. It is
// discarded once the task's terminal status has been reported.
type Sequence struct {
	TaskID         int       `json:"task_id"`
	Path           string    `json:"path"`
	ExpectedFrames int       `json:"expected_frames"`
	GeneratedAt    time.Time `json:"generated_at"`
}

type Builder struct {
	cfg Config
	now func() time.Time
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

type exposure struct {
	Filter   string  `json:"Filter"`
	Duration float64 `json:"Duration"`
	Count    int     `json:"Count"`
}

type target struct {
	Name             string         `json:"Name"`
	RA               float64        `json:"RA"`
	Dec              float64        `json:"Dec"`
	Rotation         float64        `json:"Rotation"`
	Filters          []string       `json:"Filters"`
	Exposures        []exposure     `json:"Exposures"`
	TaskID           int            `json:"TaskId"`
	CustomProperties map[string]any `json:"CustomProperties"`
}

// Build validates the task, fills the observatory template with one target,
// and writes the result to a fresh uniquely named file. The unique name
// keeps leftover files from crashed runs from ever being picked up again.
func (b *Builder) Build(t *task.Task) (*Sequence, error) {
	if err := t.Validate(); err != nil {
		return nil, &InvalidTaskError{TaskID: t.ID, Err: err}
	}

	tpl, err := b.loadTemplate()
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	date := now.Format("2006-01-02")

	tpl["Targets"] = []target{{
		Name:    t.Object,
		RA:      t.RA,
		Dec:     t.Dec,
		Filters: []string{t.Filter},
		Exposures: []exposure{{
			Filter:   t.Filter,
			Duration: t.ExposureSec,
			Count:    t.FrameCount,
		}},
		TaskID:           t.ID,
		CustomProperties: map[string]any{"priority": t.Priority},
	}}
	tpl["MetaData"] = map[string]any{
		"Date":          date,
		"ObservatoryId": b.cfg.ScopeID,
		"GeneratedAt":   now.Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sequence for task %d: %w", t.ID, err)
	}

	if err := os.MkdirAll(b.cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sequence dir: %w", err)
	}
	name := fmt.Sprintf("sequence_%d_%s_%s.json", b.cfg.ScopeID, date, uuid.NewString())
	path := filepath.Join(b.cfg.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write sequence file: %w", err)
	}

	slog.Debug("generated sequence", "task", t.ID, "path", path, "frames", t.FrameCount)
	return &Sequence{
		TaskID:         t.ID,
		Path:           path,
		ExpectedFrames: t.FrameCount,
		GeneratedAt:    now,
	}, nil
}

// Discard removes the generated file after the terminal report. A file that
// is already gone is not an error.
func (b *Builder) Discard(seq *Sequence) error {
	if seq == nil || seq.Path == "" {
		return nil
	}
	if err := os.Remove(seq.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SweepStale deletes generated sequence files older than maxAge, returning
// how many were removed. Used by the maintenance scheduler to clean up after
// crashed runs.
func (b *Builder) SweepStale(maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(b.cfg.Dir, "sequence_*.json"))
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-maxAge)
	removed := 0
	for _, p := range matches {
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (b *Builder) loadTemplate() (map[string]any, error) {
	path := filepath.Join(b.cfg.TemplateDir, fmt.Sprintf("%d_template.json", b.cfg.ScopeID))
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("load sequence template: %w", err)
	}
	var tpl map[string]any
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse sequence template %s: %w", path, err)
	}
	return tpl, nil
}
