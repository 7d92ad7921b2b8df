package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := New(Config{Dir: dir, Pattern: "*.fits", PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func collect(st *scanState, w *Watcher, since time.Time) []ObservedFile {
	var got []ObservedFile
	w.scanOnce(st, since, func(f ObservedFile) { got = append(got, f) })
	return got
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("empty dir accepted")
	}
	if _, err := New(Config{Dir: "/tmp", Pattern: "[bad"}); err == nil {
		t.Fatalf("invalid pattern accepted")
	}
	w, err := New(Config{Dir: "/tmp"})
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if w.cfg.Pattern != "*.fits" || w.cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("defaults not applied: %+v", w.cfg)
	}
}

func TestFileReportedOnlyWhenStable(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	since := time.Now().Add(-time.Minute)
	path := filepath.Join(dir, "42_frame_001.fits")
	if err := os.WriteFile(path, []byte("part"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	st := newScanState()
	if got := collect(st, w, since); len(got) != 0 {
		t.Fatalf("first sighting already reported: %+v", got)
	}
	// File grows between polls: still not stable.
	if err := os.WriteFile(path, []byte("part-and-more"), 0o644); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := collect(st, w, since); len(got) != 0 {
		t.Fatalf("growing file reported: %+v", got)
	}
	// Size held steady across two polls: reported now.
	got := collect(st, w, since)
	if len(got) != 1 {
		t.Fatalf("stable file not reported, got %d", len(got))
	}
	if got[0].Path != path || got[0].Size != int64(len("part-and-more")) {
		t.Fatalf("unexpected observation: %+v", got[0])
	}
	// Exactly once even though the file persists.
	for i := 0; i < 3; i++ {
		if dup := collect(st, w, since); len(dup) != 0 {
			t.Fatalf("file reported again on poll %d: %+v", i, dup)
		}
	}
}

func TestEmptyFileNeverReported(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	path := filepath.Join(dir, "empty.fits")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := newScanState()
	since := time.Now().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		if got := collect(st, w, since); len(got) != 0 {
			t.Fatalf("zero-byte file reported: %+v", got)
		}
	}
}

func TestOldFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	path := filepath.Join(dir, "leftover.fits")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	st := newScanState()
	since := time.Now()
	for i := 0; i < 3; i++ {
		if got := collect(st, w, since); len(got) != 0 {
			t.Fatalf("pre-run leftover reported: %+v", got)
		}
	}
}

func TestNonMatchingFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := newScanState()
	since := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if got := collect(st, w, since); len(got) != 0 {
			t.Fatalf("non-matching file reported: %+v", got)
		}
	}
}

func TestDedupSurvivesWhileFilePresent(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	w.cfg.DedupWindow = time.Nanosecond
	path := filepath.Join(dir, "a.fits")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := newScanState()
	since := time.Now().Add(-time.Minute)
	collect(st, w, since)
	got := collect(st, w, since)
	if len(got) != 1 {
		t.Fatalf("stable file not reported")
	}
	// Even with an expired window, a file still on disk is never re-reported.
	time.Sleep(2 * time.Millisecond)
	if dup := collect(st, w, since); len(dup) != 0 {
		t.Fatalf("persistent file re-reported after window expiry: %+v", dup)
	}
	// Once the file disappears, its dedup entry is aged out.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	collect(st, w, since)
	if _, ok := st.reported[path]; ok {
		t.Fatalf("dedup entry kept for deleted file past window")
	}
}

func TestWatchStreamsAndStops(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Watch(ctx, time.Now().Add(-time.Minute))
	path := filepath.Join(dir, "77_frame.fits")
	if err := os.WriteFile(path, []byte("frame-data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-ch:
		if f.Path != path {
			t.Fatalf("observed %s, want %s", f.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no observation within deadline")
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("channel delivered after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
