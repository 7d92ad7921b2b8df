// Package orchestrator drives the nightly observing loop: wait for
// astronomical night, fetch a task from the remote store, build its imaging
// sequence, supervise the imaging application, collect produced frames and
// report the outcome. One task runs at a time; failures degrade to retries
// or idle waits, never to a crash, because nobody is on site to restart us.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noctua-obs/noctua/internal/events"
	"github.com/noctua-obs/noctua/internal/hook"
	"github.com/noctua-obs/noctua/internal/journal"
	"github.com/noctua-obs/noctua/internal/metrics"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/task"
	"github.com/noctua-obs/noctua/internal/watcher"
)

// State names the phase of the observing loop.
type State string

const (
	StateInit           State = "init"
	StateAwaitingNight  State = "awaiting_night"
	StateFetching       State = "fetching"
	StateBuilding       State = "building"
	StateExecuting      State = "executing"
	StateAwaitingOutput State = "awaiting_output"
	StateReporting      State = "reporting"
	StateStopped        State = "stopped"
)

// Source is the remote task store as the orchestrator sees it.
type Source interface {
	Login(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	FetchNext(ctx context.Context) (*task.Task, error)
	Report(ctx context.Context, id int, st task.Status, frames []string, message string) error
	TaskStatus(ctx context.Context, id int) (*task.Task, error)
}

// Archiver pushes captured frames to long-term storage.
type Archiver interface {
	UploadFrames(ctx context.Context, frames []string) ([]string, error)
}

// Config tunes loop timing. Zero values get defaults.
type Config struct {
	ScopeID             int
	FetchInterval       time.Duration // pause after an empty night plan, default 60s
	FetchRetryMax       int           // transient fetch failures before idling, default 5
	IdleInterval        time.Duration // pause when the store is unreachable, default 5m
	ReportRetryMax      int           // retries after the first failed outcome report, default 8
	ReportRetryInterval time.Duration // default 10s
	OutputGrace         time.Duration // frame drain window after process exit, default 10s
	StallPoll           time.Duration // stall check cadence during a run, default 15s
	NightPoll           time.Duration // daytime re-check ceiling, default 1m
	Logger              *slog.Logger
}

// Deps are the composed components. Events and Archive may be nil.
type Deps struct {
	Source     Source
	Night      *nightsched.Scheduler
	Sequences  *sequence.Builder
	Supervisor *supervisor.Supervisor
	Watcher    *watcher.Watcher
	Hooks      *hook.Runner
	Journal    journal.Store
	Events     events.Sink
	Archive    Archiver
}

// Snapshot is a point-in-time view for the status API.
type Snapshot struct {
	State     State              `json:"state"`
	Night     bool               `json:"night"`
	Task      *task.Task         `json:"task,omitempty"`
	RunID     string             `json:"run_id,omitempty"`
	Frames    []string           `json:"frames,omitempty"`
	Run       *supervisor.Status `json:"run,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

type abortRequest struct {
	reason string
}

// Orchestrator owns the observing loop. Run drives it; Snapshot and Abort
// are safe from other goroutines.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	abortCh chan abortRequest

	mu      sync.Mutex
	state   State
	current *task.Task
	runID   string
	frames  []string
	handle  *supervisor.RunHandle
	lastErr string
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil {
		return nil, errors.New("orchestrator: source is required")
	}
	if deps.Night == nil {
		return nil, errors.New("orchestrator: night scheduler is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("orchestrator: sequence builder is required")
	}
	if deps.Supervisor == nil {
		return nil, errors.New("orchestrator: supervisor is required")
	}
	if deps.Watcher == nil {
		return nil, errors.New("orchestrator: watcher is required")
	}
	if deps.Hooks == nil {
		return nil, errors.New("orchestrator: hook runner is required")
	}
	if deps.Journal == nil {
		return nil, errors.New("orchestrator: journal is required")
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 60 * time.Second
	}
	if cfg.FetchRetryMax <= 0 {
		cfg.FetchRetryMax = 5
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Minute
	}
	if cfg.ReportRetryMax <= 0 {
		cfg.ReportRetryMax = 8
	}
	if cfg.ReportRetryInterval <= 0 {
		cfg.ReportRetryInterval = 10 * time.Second
	}
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = 10 * time.Second
	}
	if cfg.StallPoll <= 0 {
		cfg.StallPoll = 15 * time.Second
	}
	if cfg.NightPoll <= 0 {
		cfg.NightPoll = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		log:     logger,
		abortCh: make(chan abortRequest, 1),
		state:   StateInit,
	}, nil
}

// Run executes the observing loop until ctx is canceled. It returns an error
// only for conditions that make unattended operation pointless: a rejected
// login, a failed startup hook or an unusable journal.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(StateStopped)

	if err := o.startup(ctx); err != nil {
		return err
	}

	wasNight := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		night := o.deps.Night.IsNightNow()
		if night != wasNight {
			o.nightTransition(ctx, night)
			wasNight = night
		}

		if !night {
			o.setState(StateAwaitingNight)
			o.sleep(ctx, o.untilTransition())
			continue
		}

		t, err := o.fetchTask(ctx)
		if err != nil {
			return err
		}
		if t == nil {
			if ctx.Err() == nil {
				o.sleep(ctx, o.cfg.FetchInterval)
			}
			continue
		}
		o.executeTask(ctx, t)
	}
}

func (o *Orchestrator) startup(ctx context.Context) error {
	o.setState(StateInit)

	if err := o.deps.Journal.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("journal schema: %w", err)
	}

	if version, err := o.deps.Source.Version(ctx); err != nil {
		o.log.Warn("task store version probe failed", "error", err)
	} else {
		o.log.Info("task store reachable", "version", version)
	}

	if err := o.deps.Source.Login(ctx); err != nil {
		var fe *source.FatalError
		if errors.As(err, &fe) {
			return fmt.Errorf("task store login: %w", err)
		}
		// Transient outage at boot; authenticated calls re-login on demand.
		o.log.Warn("task store login failed, continuing", "error", err)
	}

	if o.deps.Hooks.Configured(hook.StageStartup) {
		if err := o.deps.Hooks.Run(ctx, hook.StageStartup, hook.Context{}); err != nil {
			metrics.IncHookFailure(string(hook.StageStartup))
			return fmt.Errorf("startup hook: %w", err)
		}
	}

	o.replayUnreported(ctx)
	return nil
}

// nightTransition runs the boundary hook and flips night telemetry. Hook
// failures here are logged, not fatal; a broken dome script must not strand
// an otherwise working runner.
func (o *Orchestrator) nightTransition(ctx context.Context, night bool) {
	stage := hook.StageNightEnd
	evType := events.TypeNightEnd
	if night {
		stage = hook.StageNightStart
		evType = events.TypeNightStart
	}
	o.log.Info("night transition", "night", night)
	metrics.SetNightActive(night)
	o.emit(events.Event{Type: evType})
	o.runHook(ctx, stage, hook.Context{})
	if night {
		o.replayUnreported(ctx)
	}
}

// fetchTask asks the store for the next pending task. Transient failures are
// retried FetchRetryMax times, then the loop idles and tries again later.
// The returned error is always fatal (authentication rejected).
func (o *Orchestrator) fetchTask(ctx context.Context) (*task.Task, error) {
	o.setState(StateFetching)

	for attempt := 0; attempt <= o.cfg.FetchRetryMax; attempt++ {
		if attempt > 0 && !o.sleep(ctx, o.cfg.ReportRetryInterval) {
			return nil, nil
		}
		t, err := o.deps.Source.FetchNext(ctx)
		if err == nil {
			o.setLastErr("")
			if t != nil {
				metrics.IncTaskFetched()
				o.emit(events.Event{Type: events.TypeTaskFetched, TaskID: t.ID, Object: t.Object})
				o.log.Info("task fetched", "task", t.ID, "object", t.Object, "filter", t.Filter)
			}
			return t, nil
		}
		var fe *source.FatalError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("fetch task: %w", err)
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		o.setLastErr(err.Error())
		o.log.Warn("task fetch failed", "attempt", attempt+1, "error", err)
	}

	o.log.Error("task store unreachable, idling", "idle", o.cfg.IdleInterval)
	o.sleep(ctx, o.cfg.IdleInterval)
	return nil, nil
}

// Abort requests termination of the active imaging run. It fails when no run
// is executing.
func (o *Orchestrator) Abort(reason string) error {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state != StateExecuting {
		return fmt.Errorf("no active run to abort (state %s)", state)
	}
	select {
	case o.abortCh <- abortRequest{reason: reason}:
	default:
		// an abort is already pending
	}
	return nil
}

// Snapshot returns the current loop state for the status API.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		State:     o.state,
		Night:     o.deps.Night.IsNightNow(),
		LastError: o.lastErr,
	}
	if o.current != nil {
		tc := *o.current
		s.Task = &tc
		s.RunID = o.runID
		s.Frames = append([]string(nil), o.frames...)
	}
	if o.handle != nil {
		st := o.deps.Supervisor.Snapshot(o.handle)
		s.Run = &st
	}
	return s
}

// CurrentPID reports the imaging process PID, or 0 when no run is active.
// The resource sampler polls this.
func (o *Orchestrator) CurrentPID() int {
	o.mu.Lock()
	h := o.handle
	o.mu.Unlock()
	if h == nil {
		return 0
	}
	return o.deps.Supervisor.Snapshot(h).PID
}

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(string(prev), string(next))
	metrics.SetCurrentState(string(prev), false)
	metrics.SetCurrentState(string(next), true)
	o.log.Debug("state transition", "from", prev, "to", next)
}

func (o *Orchestrator) setLastErr(msg string) {
	o.mu.Lock()
	o.lastErr = msg
	o.mu.Unlock()
}

// sleep waits for d or until ctx is done. Returns false when interrupted.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// untilTransition bounds the daytime wait to NightPoll so clock adjustments
// are noticed without busy looping.
func (o *Orchestrator) untilTransition() time.Duration {
	wait := time.Until(o.deps.Night.NextTransition(time.Now()))
	if wait <= 0 || wait > o.cfg.NightPoll {
		wait = o.cfg.NightPoll
	}
	return wait
}

// emit delivers a telemetry event without letting a slow sink stall the
// loop. Delivery failures are logged and dropped.
func (o *Orchestrator) emit(e events.Event) {
	if o.deps.Events == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	e.ScopeID = o.cfg.ScopeID
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.deps.Events.Send(ctx, e); err != nil {
		o.log.Warn("event delivery failed", "type", e.Type, "error", err)
	}
}

func (o *Orchestrator) runHook(ctx context.Context, stage hook.Stage, hctx hook.Context) {
	if err := o.deps.Hooks.Run(ctx, stage, hctx); err != nil {
		o.log.Error("hook failed", "stage", stage, "error", err)
		metrics.IncHookFailure(string(stage))
		o.emit(events.Event{Type: events.TypeHookFailed, Detail: fmt.Sprintf("%s: %v", stage, err)})
	}
}
