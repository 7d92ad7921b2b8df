package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/noctua-obs/noctua/internal/events"
	"github.com/noctua-obs/noctua/internal/hook"
	"github.com/noctua-obs/noctua/internal/journal"
	"github.com/noctua-obs/noctua/internal/metrics"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/task"
)

// executeTask runs one task from sequence build to reported outcome. All
// failures are absorbed into the task's outcome; the loop always continues.
func (o *Orchestrator) executeTask(ctx context.Context, t *task.Task) {
	runID := uuid.NewString()
	started := time.Now()
	o.beginTask(t, runID)
	defer o.endTask()

	rec := journal.Record{
		RunID:     runID,
		TaskID:    t.ID,
		Object:    t.Object,
		Status:    string(task.StatusRunning),
		StartedAt: started.UTC(),
	}
	if err := o.deps.Journal.RecordStart(ctx, rec); err != nil {
		o.log.Error("journal start failed", "run", runID, "error", err)
	}

	o.setState(StateBuilding)
	seq, err := o.deps.Sequences.Build(t)
	if err != nil {
		msg := fmt.Sprintf("sequence build failed: %v", err)
		var inv *sequence.InvalidTaskError
		if errors.As(err, &inv) {
			msg = fmt.Sprintf("invalid task: %v", inv.Err)
		}
		o.log.Error("sequence build failed", "task", t.ID, "error", err)
		o.settle(ctx, t, runID, "", task.StatusFailed, nil, msg, started)
		return
	}

	// Best effort; the store learns the real outcome at settle time anyway.
	if err := o.deps.Source.Report(ctx, t.ID, task.StatusRunning, nil, ""); err != nil {
		o.log.Warn("could not mark task running", "task", t.ID, "error", err)
	}

	o.setState(StateExecuting)
	h, err := o.deps.Supervisor.Launch(seq)
	if err != nil {
		o.settle(ctx, t, runID, seq.Path, task.StatusFailed, nil, fmt.Sprintf("launch failed: %v", err), started)
		_ = o.deps.Sequences.Discard(seq)
		return
	}
	o.setHandle(h)
	o.emit(events.Event{Type: events.TypeRunStarted, TaskID: t.ID, RunID: runID, Object: t.Object})
	o.log.Info("imaging run started", "task", t.ID, "run", runID, "sequence", seq.Path)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	framesCh := o.deps.Watcher.Watch(watchCtx, started)

	stallTick := time.NewTicker(o.cfg.StallPoll)
	defer stallTick.Stop()

	var frames []string
	aborting := false
	abortReason := ""
	done := o.deps.Supervisor.Done(h)

runLoop:
	for {
		select {
		case <-done:
			break runLoop
		case f, ok := <-framesCh:
			if !ok {
				framesCh = nil
				continue
			}
			frames = append(frames, f.Path)
			o.noteFrame(h, t, runID, f.Path, len(frames))
		case ab := <-o.abortCh:
			if !aborting {
				aborting = true
				abortReason = ab.reason
				o.log.Warn("aborting run", "task", t.ID, "reason", ab.reason)
				o.emit(events.Event{Type: events.TypeAbort, TaskID: t.ID, RunID: runID, Detail: ab.reason})
				o.deps.Supervisor.Terminate(h)
			}
		case <-ctx.Done():
			aborting = true
			abortReason = "runner shutting down"
			o.deps.Supervisor.Terminate(h)
			<-done
			break runLoop
		case <-stallTick.C:
			o.deps.Supervisor.Poll(h)
		}
	}

	// Frames can land a moment after the process exits; give the watcher one
	// grace window before closing the books.
	o.setState(StateAwaitingOutput)
	if ctx.Err() == nil && !aborting {
		grace := time.NewTimer(o.cfg.OutputGrace)
	drain:
		for framesCh != nil {
			select {
			case f, ok := <-framesCh:
				if !ok {
					break drain
				}
				frames = append(frames, f.Path)
				o.noteFrame(h, t, runID, f.Path, len(frames))
			case <-grace.C:
				break drain
			}
		}
		grace.Stop()
	}
	cancelWatch()

	st := o.deps.Supervisor.Snapshot(h)
	outcome, msg := classify(st, len(frames), abortReason)
	o.settle(ctx, t, runID, seq.Path, outcome, frames, msg, started)
	if err := o.deps.Sequences.Discard(seq); err != nil {
		o.log.Warn("sequence discard failed", "path", seq.Path, "error", err)
	}
}

// classify maps the final process state and frame count to the reported
// task status.
func classify(st supervisor.Status, frameCount int, abortReason string) (task.Status, string) {
	switch st.State {
	case supervisor.StateCompleted:
		if frameCount > 0 {
			return task.StatusCompleted, ""
		}
		return task.StatusFailed, "run finished without producing frames"
	case supervisor.StateTimedOut:
		return task.StatusFailed, "imaging run stalled and was killed"
	case supervisor.StateKilled:
		if abortReason == "" {
			abortReason = "run terminated"
		}
		return task.StatusAborted, abortReason
	default:
		return task.StatusFailed, fmt.Sprintf("imaging application exited with code %d", st.ExitCode)
	}
}

// settle records the terminal outcome locally, reports it to the store,
// archives frames and fires the post_task hook. Runs even during shutdown,
// on a short detached deadline, so outcomes are not lost.
func (o *Orchestrator) settle(ctx context.Context, t *task.Task, runID, seqPath string, outcome task.Status, frames []string, msg string, started time.Time) {
	o.setState(StateReporting)

	rctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
	}

	settledAt := time.Now()
	if err := o.deps.Journal.RecordSettle(rctx, runID, string(outcome), frames, msg, settledAt.UTC()); err != nil {
		o.log.Error("journal settle failed", "run", runID, "error", err)
	}

	metrics.IncTaskOutcome(string(outcome))
	metrics.ObserveRunDuration(settledAt.Sub(started).Seconds())
	o.emit(events.Event{
		Type:   events.TypeRunSettled,
		TaskID: t.ID,
		RunID:  runID,
		Object: t.Object,
		Status: string(outcome),
		Frames: len(frames),
		Detail: msg,
	})
	o.log.Info("run settled", "task", t.ID, "run", runID, "outcome", outcome, "frames", len(frames), "detail", msg)

	if o.reportWithRetry(rctx, t.ID, outcome, frameNames(frames), msg) {
		if err := o.deps.Journal.MarkReported(rctx, runID); err != nil {
			o.log.Error("journal mark reported failed", "run", runID, "error", err)
		}
		o.emit(events.Event{Type: events.TypeReportSent, TaskID: t.ID, RunID: runID, Status: string(outcome)})
		o.replayUnreported(rctx)
	}

	if o.deps.Archive != nil && len(frames) > 0 {
		keys, err := o.deps.Archive.UploadFrames(rctx, frames)
		if err != nil {
			o.log.Warn("frame archive incomplete", "uploaded", len(keys), "error", err)
		} else {
			o.log.Info("frames archived", "count", len(keys))
		}
	}

	o.runHook(rctx, hook.StagePostTask, hook.Context{
		TaskID:       t.ID,
		SequencePath: seqPath,
		Outcome:      string(outcome),
		Frames:       len(frames),
	})
}

// reportWithRetry delivers the outcome, retrying transient store failures.
// A false return means the outcome stayed in the journal for later replay.
func (o *Orchestrator) reportWithRetry(ctx context.Context, id int, st task.Status, frames []string, msg string) bool {
	for attempt := 0; attempt <= o.cfg.ReportRetryMax; attempt++ {
		if attempt > 0 {
			metrics.IncReportRetry()
			if !o.sleep(ctx, o.cfg.ReportRetryInterval) {
				return false
			}
		}
		err := o.deps.Source.Report(ctx, id, st, frames, msg)
		if err == nil {
			return true
		}
		var fe *source.FatalError
		if errors.As(err, &fe) {
			o.log.Error("task store rejected outcome", "task", id, "error", err)
			return false
		}
		o.setLastErr(err.Error())
		o.log.Warn("outcome report failed", "task", id, "attempt", attempt+1, "error", err)
	}
	o.log.Error("outcome undelivered, kept in journal", "task", id, "status", st)
	return false
}

// replayUnreported pushes settled-but-undelivered outcomes from the journal
// to the store, oldest first, stopping at the first failure. A crash between
// delivering a report and marking it locally leaves a record the store has
// already seen; those are detected via TaskStatus and only marked.
func (o *Orchestrator) replayUnreported(ctx context.Context) {
	recs, err := o.deps.Journal.Unreported(ctx, 50)
	if err != nil {
		o.log.Error("journal unreported query failed", "error", err)
		return
	}
	for _, r := range recs {
		if remote, err := o.deps.Source.TaskStatus(ctx, r.TaskID); err == nil &&
			remote != nil && remote.Status == task.Status(r.Status) {
			if err := o.deps.Journal.MarkReported(ctx, r.RunID); err != nil {
				o.log.Error("journal mark reported failed", "run", r.RunID, "error", err)
				return
			}
			o.log.Info("outcome already on store, marked local record",
				"task", r.TaskID, "run", r.RunID, "status", r.Status)
			continue
		}
		err := o.deps.Source.Report(ctx, r.TaskID, task.Status(r.Status), frameNames(r.Frames), r.Detail)
		if err != nil {
			o.log.Warn("outcome replay failed", "task", r.TaskID, "run", r.RunID, "error", err)
			return
		}
		if err := o.deps.Journal.MarkReported(ctx, r.RunID); err != nil {
			o.log.Error("journal mark reported failed", "run", r.RunID, "error", err)
			return
		}
		o.emit(events.Event{Type: events.TypeReportSent, TaskID: r.TaskID, RunID: r.RunID, Status: r.Status})
		o.log.Info("replayed undelivered outcome", "task", r.TaskID, "run", r.RunID, "status", r.Status)
	}
}

func (o *Orchestrator) beginTask(t *task.Task, runID string) {
	o.mu.Lock()
	tc := *t
	o.current = &tc
	o.runID = runID
	o.frames = nil
	o.handle = nil
	o.mu.Unlock()
}

func (o *Orchestrator) endTask() {
	o.mu.Lock()
	o.current = nil
	o.runID = ""
	o.frames = nil
	o.handle = nil
	o.mu.Unlock()
}

func (o *Orchestrator) setHandle(h *supervisor.RunHandle) {
	o.mu.Lock()
	o.handle = h
	o.mu.Unlock()
}

func (o *Orchestrator) noteFrame(h *supervisor.RunHandle, t *task.Task, runID, path string, count int) {
	o.deps.Supervisor.NoteProgress(h)
	metrics.IncFrameObserved()
	o.mu.Lock()
	o.frames = append(o.frames, path)
	o.mu.Unlock()
	o.emit(events.Event{Type: events.TypeFrameObserved, TaskID: t.ID, RunID: runID, Frames: count, Detail: filepath.Base(path)})
	o.log.Debug("frame observed", "task", t.ID, "frame", filepath.Base(path), "count", count)
}

// frameNames maps watcher paths to the file names the task store expects.
func frameNames(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.Base(p))
	}
	return out
}
