package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noctua-obs/noctua/internal/events"
	"github.com/noctua-obs/noctua/internal/hook"
	"github.com/noctua-obs/noctua/internal/journal"
	sq "github.com/noctua-obs/noctua/internal/journal/sqlite"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/task"
	"github.com/noctua-obs/noctua/internal/watcher"
)

// Fixed instants at the equator/Greenwich site the rig uses: midnight UTC is
// deep astronomical night, noon UTC is full daylight.
var (
	winterNight = time.Date(2026, time.January, 15, 0, 30, 0, 0, time.UTC)
	winterNoon  = time.Date(2026, time.January, 15, 12, 30, 0, 0, time.UTC)
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript drops an executable shell helper and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingTask(id int) *task.Task {
	return &task.Task{
		ID:          id,
		Object:      "NGC 7000",
		RA:          20.98,
		Dec:         44.3,
		Filter:      "Ha",
		ExposureSec: 30,
		FrameCount:  2,
		Priority:    5,
		Status:      task.StatusPending,
	}
}

type reportCall struct {
	TaskID int
	Status task.Status
	Frames []string
	Msg    string
}

// fakeSource is an in-memory task store. Report failures are injected through
// reportErr; fetch failures are consumed from fetchErrs before the queue.
// remote holds the store's own view of task statuses, served by TaskStatus.
type fakeSource struct {
	mu         sync.Mutex
	queue      []*task.Task
	fetchErrs  []error
	fetchCalls int
	loginErr   error
	versionErr error
	reportErr  error
	reports    []reportCall
	remote     map[int]task.Status
}

func (f *fakeSource) Login(context.Context) error { return f.loginErr }

func (f *fakeSource) Version(context.Context) (string, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	return "7.3", nil
}

func (f *fakeSource) FetchNext(context.Context) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t, nil
}

func (f *fakeSource) Report(_ context.Context, id int, st task.Status, frames []string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return f.reportErr
	}
	f.reports = append(f.reports, reportCall{
		TaskID: id,
		Status: st,
		Frames: append([]string(nil), frames...),
		Msg:    msg,
	})
	return nil
}

func (f *fakeSource) TaskStatus(_ context.Context, id int) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.remote[id]
	if !ok {
		return nil, nil
	}
	return &task.Task{ID: id, Status: st}, nil
}

func (f *fakeSource) enqueue(t *task.Task) {
	f.mu.Lock()
	f.queue = append(f.queue, t)
	f.mu.Unlock()
}

func (f *fakeSource) setRemote(id int, st task.Status) {
	f.mu.Lock()
	if f.remote == nil {
		f.remote = map[int]task.Status{}
	}
	f.remote[id] = st
	f.mu.Unlock()
}

func (f *fakeSource) setReportErr(err error) {
	f.mu.Lock()
	f.reportErr = err
	f.mu.Unlock()
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeSource) reported() []reportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reportCall(nil), f.reports...)
}

// findReport returns the first delivered report for the task with the given
// terminal status.
func findReport(calls []reportCall, id int, st task.Status) (reportCall, bool) {
	for _, c := range calls {
		if c.TaskID == id && c.Status == st {
			return c, true
		}
	}
	return reportCall{}, false
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *fakeSink) Send(_ context.Context, e events.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) has(tp events.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == tp {
			return true
		}
	}
	return false
}

type fakeArchive struct {
	mu      sync.Mutex
	uploads [][]string
}

func (a *fakeArchive) UploadFrames(_ context.Context, frames []string) ([]string, error) {
	a.mu.Lock()
	a.uploads = append(a.uploads, append([]string(nil), frames...))
	a.mu.Unlock()
	return frames, nil
}

func (a *fakeArchive) uploaded() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.uploads...)
}

// rig wires a real supervisor, watcher, sequence builder and sqlite journal
// around the fakes, tuned to tens of milliseconds so whole-loop tests finish
// quickly. Mutate fields before calling start.
type rig struct {
	t     *testing.T
	src   *fakeSource
	sink  *fakeSink
	store journal.Store
	night *nightsched.Scheduler

	cfg     Config
	supCfg  supervisor.Config
	hooks   map[hook.Stage]hook.Spec
	archive Archiver

	framesDir string
	seqDir    string
	tplDir    string

	orc     *Orchestrator
	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

func newRig(t *testing.T, command string) *rig {
	t.Helper()
	requireUnix(t)

	dir := t.TempDir()
	framesDir := filepath.Join(dir, "frames")
	tplDir := filepath.Join(dir, "templates")
	for _, d := range []string{framesDir, tplDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(tplDir, "1_template.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	store, err := sq.New(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	night := nightsched.New(nightsched.Config{TwilightDeg: 18})
	night.SetClock(func() time.Time { return winterNight })

	return &rig{
		t:     t,
		src:   &fakeSource{},
		sink:  &fakeSink{},
		store: store,
		night: night,
		supCfg: supervisor.Config{
			Command:      command,
			StallTimeout: 10 * time.Second,
			GracePeriod:  150 * time.Millisecond,
		},
		cfg: Config{
			ScopeID:             1,
			FetchInterval:       30 * time.Millisecond,
			FetchRetryMax:       1,
			IdleInterval:        40 * time.Millisecond,
			ReportRetryMax:      1,
			ReportRetryInterval: 20 * time.Millisecond,
			OutputGrace:         250 * time.Millisecond,
			StallPoll:           25 * time.Millisecond,
			NightPoll:           20 * time.Millisecond,
			Logger:              discardLogger(),
		},
		framesDir: framesDir,
		seqDir:    filepath.Join(dir, "sequences"),
		tplDir:    tplDir,
	}
}

func (r *rig) start() {
	r.t.Helper()

	watch, err := watcher.New(watcher.Config{
		Dir:           r.framesDir,
		PollInterval:  25 * time.Millisecond,
		SkewAllowance: 50 * time.Millisecond,
		DedupWindow:   time.Minute,
	})
	if err != nil {
		r.t.Fatalf("watcher: %v", err)
	}
	hooks, err := hook.NewRunner(r.hooks, nil)
	if err != nil {
		r.t.Fatalf("hooks: %v", err)
	}
	builder := sequence.NewBuilder(sequence.Config{
		TemplateDir: r.tplDir,
		Dir:         r.seqDir,
		ScopeID:     1,
	})

	orc, err := New(r.cfg, Deps{
		Source:     r.src,
		Night:      r.night,
		Sequences:  builder,
		Supervisor: supervisor.New(r.supCfg),
		Watcher:    watch,
		Hooks:      hooks,
		Journal:    r.store,
		Events:     r.sink,
		Archive:    r.archive,
	})
	if err != nil {
		r.t.Fatalf("orchestrator: %v", err)
	}
	r.orc = orc

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- orc.Run(ctx) }()
	r.t.Cleanup(func() { _ = r.stop() })
}

// waitExit blocks until Run returns and hands back its error.
func (r *rig) waitExit(d time.Duration) error {
	r.t.Helper()
	select {
	case err := <-r.done:
		r.stopped = true
		return err
	case <-time.After(d):
		r.t.Fatalf("orchestrator still running after %v", d)
		return nil
	}
}

func (r *rig) stop() error {
	if r.stopped {
		return nil
	}
	r.cancel()
	return r.waitExit(10 * time.Second)
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New accepted empty deps")
	}
}

func TestDaytimeHoldsUntilNight(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	var isNight atomic.Bool
	r.night.SetClock(func() time.Time {
		if isNight.Load() {
			return winterNight
		}
		return winterNoon
	})
	r.src.enqueue(pendingTask(21))
	r.start()

	// In daylight the loop must idle without ever touching the task store.
	waitFor(t, 5*time.Second, "awaiting_night state", func() bool {
		return r.orc.Snapshot().State == StateAwaitingNight
	})
	time.Sleep(100 * time.Millisecond)
	if got := r.src.fetchCount(); got != 0 {
		t.Fatalf("fetched %d times during daylight", got)
	}
	if s := r.orc.Snapshot(); s.Night {
		t.Fatalf("snapshot claims night during daylight: %+v", s)
	}

	isNight.Store(true)
	waitFor(t, 5*time.Second, "first fetch after nightfall", func() bool {
		return r.src.fetchCount() > 0
	})
	if !r.sink.has(events.TypeNightStart) {
		t.Fatal("night_start event not emitted")
	}
	waitFor(t, 10*time.Second, "queued task completion", func() bool {
		_, ok := findReport(r.src.reported(), 21, task.StatusFailed)
		return ok
	})
}

func TestFetchTransientErrorsRecover(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.src.fetchErrs = []error{
		&source.TransientError{Err: errors.New("store down")},
		&source.TransientError{Err: errors.New("store down")},
		&source.TransientError{Err: errors.New("store down")},
		&source.TransientError{Err: errors.New("store down")},
	}
	r.start()

	// Two attempts per cycle, then an idle pause; four errors cost two cycles
	// before clean fetches resume.
	waitFor(t, 10*time.Second, "fetches past the outage", func() bool {
		return r.src.fetchCount() >= 5
	})
	if got := r.src.reported(); len(got) != 0 {
		t.Fatalf("reports delivered with nothing to run: %+v", got)
	}
	if err := r.stop(); err != nil {
		t.Fatalf("Run returned %v after transient outage", err)
	}
}

func TestFetchFatalErrorStopsRun(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.src.fetchErrs = []error{&source.FatalError{Err: errors.New("token revoked")}}
	r.start()

	err := r.waitExit(10 * time.Second)
	if err == nil || !strings.Contains(err.Error(), "fetch task") {
		t.Fatalf("Run error = %v, want fetch task failure", err)
	}
}

func TestStartupLoginFatalStopsRun(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.src.loginErr = &source.FatalError{Err: errors.New("credentials rejected")}
	r.start()

	err := r.waitExit(10 * time.Second)
	if err == nil || !strings.Contains(err.Error(), "task store login") {
		t.Fatalf("Run error = %v, want login failure", err)
	}
	if got := r.src.fetchCount(); got != 0 {
		t.Fatalf("fetched %d times despite rejected login", got)
	}
}

func TestStartupTransientLoginContinues(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.src.loginErr = &source.TransientError{Err: errors.New("store rebooting")}
	r.start()

	waitFor(t, 5*time.Second, "loop running past flaky login", func() bool {
		return r.src.fetchCount() > 0
	})
}

func TestStartupHookFailureStopsRun(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.hooks = map[hook.Stage]hook.Spec{
		hook.StageStartup: {Script: writeScript(t, "startup.sh", "exit 1\n")},
	}
	r.start()

	err := r.waitExit(10 * time.Second)
	if err == nil || !strings.Contains(err.Error(), "startup hook") {
		t.Fatalf("Run error = %v, want startup hook failure", err)
	}
}

func TestAbortWithoutActiveRun(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	r.start()

	waitFor(t, 5*time.Second, "idle fetching state", func() bool {
		return r.orc.Snapshot().State == StateFetching
	})
	if err := r.orc.Abort("nothing running"); err == nil {
		t.Fatal("Abort succeeded with no active run")
	}
}

func TestReplayUnreportedAtStartup(t *testing.T) {
	r := newRig(t, "sleep 0.05")
	ctx := context.Background()
	if err := r.store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	rec := journal.Record{
		RunID:     "run-before-crash",
		TaskID:    99,
		Object:    "M 31",
		StartedAt: time.Now().Add(-time.Hour).UTC(),
	}
	if err := r.store.RecordStart(ctx, rec); err != nil {
		t.Fatalf("seed start: %v", err)
	}
	err := r.store.RecordSettle(ctx, rec.RunID, string(task.StatusCompleted),
		[]string{"/old/frames/a.fits"}, "", time.Now().Add(-50*time.Minute).UTC())
	if err != nil {
		t.Fatalf("seed settle: %v", err)
	}

	r.start()
	waitFor(t, 5*time.Second, "replayed outcome", func() bool {
		_, ok := findReport(r.src.reported(), 99, task.StatusCompleted)
		return ok
	})
	call, _ := findReport(r.src.reported(), 99, task.StatusCompleted)
	if len(call.Frames) != 1 || call.Frames[0] != "a.fits" {
		t.Fatalf("replayed frames = %v, want base name a.fits", call.Frames)
	}
	waitFor(t, 5*time.Second, "journal marked reported", func() bool {
		left, err := r.store.Unreported(ctx, 10)
		return err == nil && len(left) == 0
	})
}
