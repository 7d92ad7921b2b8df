// Package watcher detects completed output frames in the imaging
// application's output directory. Detection is poll based and debounced: a
// file counts as complete only once its size has held steady across two
// successive polls, which keeps partially written frames from being reported.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultSkewAllowance = 2 * time.Second
	DefaultDedupWindow   = time.Hour
)

// ObservedFile is one completed output frame.
type ObservedFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	DetectedAt time.Time `json:"detected_at"`
}

type Config struct {
	Dir           string        `json:"dir" mapstructure:"dir"`
	Pattern       string        `json:"pattern" mapstructure:"pattern"`
	PollInterval  time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	SkewAllowance time.Duration `json:"skew_allowance" mapstructure:"skew_allowance"`
	DedupWindow   time.Duration `json:"dedup_window" mapstructure:"dedup_window"`
}

type Watcher struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watcher: dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.fits"
	}
	if _, err := filepath.Match(cfg.Pattern, "probe"); err != nil {
		return nil, errors.New("watcher: invalid pattern " + cfg.Pattern)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SkewAllowance <= 0 {
		cfg.SkewAllowance = DefaultSkewAllowance
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Watcher{cfg: cfg, now: time.Now}, nil
}

// SetClock replaces the wall clock, for tests.
func (w *Watcher) SetClock(now func() time.Time) { w.now = now }

// Watch streams completed files whose modification time is at or after
// since, until ctx is cancelled. Each call starts with fresh state, so a
// restarted watch rescans the directory. The returned channel is closed on
// cancellation.
func (w *Watcher) Watch(ctx context.Context, since time.Time) <-chan ObservedFile {
	out := make(chan ObservedFile, 16)
	st := newScanState()
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scanOnce(st, since, func(f ObservedFile) {
					select {
					case out <- f:
					case <-ctx.Done():
					}
				})
			}
		}
	}()
	return out
}

type scanState struct {
	pending  map[string]int64     // last observed size, not yet stable
	reported map[string]time.Time // emitted files, for dedup
}

func newScanState() *scanState {
	return &scanState{pending: make(map[string]int64), reported: make(map[string]time.Time)}
}

// scanOnce performs one polling pass. Files older than since (minus the
// skew allowance) are leftovers from earlier runs and are never emitted.
func (w *Watcher) scanOnce(st *scanState, since time.Time, emit func(ObservedFile)) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.Dir, w.cfg.Pattern))
	if err != nil {
		slog.Warn("output scan failed", "dir", w.cfg.Dir, "err", err)
		return
	}
	cutoff := since.Add(-w.cfg.SkewAllowance)
	present := make(map[string]struct{}, len(matches))
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			delete(st.pending, path)
			continue
		}
		present[path] = struct{}{}
		if fi.ModTime().Before(cutoff) {
			slog.Debug("ignoring file outside run window", "path", path, "mod_time", fi.ModTime())
			continue
		}
		if _, done := st.reported[path]; done {
			continue
		}
		size := fi.Size()
		prev, seen := st.pending[path]
		if seen && prev == size && size > 0 {
			now := w.now()
			delete(st.pending, path)
			st.reported[path] = now
			emit(ObservedFile{Path: path, Size: size, ModTime: fi.ModTime(), DetectedAt: now})
			continue
		}
		st.pending[path] = size
	}
	// Dedup entries live as long as the file does; only entries for files
	// that disappeared are aged out.
	expiry := w.now().Add(-w.cfg.DedupWindow)
	for path, at := range st.reported {
		if _, ok := present[path]; ok {
			continue
		}
		if at.Before(expiry) {
			delete(st.reported, path)
		}
	}
	for path := range st.pending {
		if _, ok := present[path]; !ok {
			delete(st.pending, path)
		}
	}
}
