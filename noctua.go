package noctua

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/noctua-obs/noctua/internal/archive"
	cfg "github.com/noctua-obs/noctua/internal/config"
	"github.com/noctua-obs/noctua/internal/env"
	"github.com/noctua-obs/noctua/internal/events"
	eventsfactory "github.com/noctua-obs/noctua/internal/events/factory"
	"github.com/noctua-obs/noctua/internal/hook"
	"github.com/noctua-obs/noctua/internal/journal"
	journalfactory "github.com/noctua-obs/noctua/internal/journal/factory"
	"github.com/noctua-obs/noctua/internal/metrics"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/orchestrator"
	"github.com/noctua-obs/noctua/internal/sequence"
	iapi "github.com/noctua-obs/noctua/internal/server"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/task"
	"github.com/noctua-obs/noctua/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Task = task.Task

type TaskStatus = task.Status

type Snapshot = orchestrator.Snapshot

type State = orchestrator.State

type Config = cfg.Config

type ServerConfig = cfg.ServerConfig

type Journal = journal.Store

type JournalRecord = journal.Record

const (
	StateInit           = orchestrator.StateInit
	StateAwaitingNight  = orchestrator.StateAwaitingNight
	StateFetching       = orchestrator.StateFetching
	StateBuilding       = orchestrator.StateBuilding
	StateExecuting      = orchestrator.StateExecuting
	StateAwaitingOutput = orchestrator.StateAwaitingOutput
	StateReporting      = orchestrator.StateReporting
	StateStopped        = orchestrator.StateStopped
)

// Runner is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.

type Runner struct {
	orc   *orchestrator.Orchestrator
	store journal.Store
	night *nightsched.Scheduler
	sinks events.Multi
}

// NewRunner wires a Runner from a loaded config: journal store, night
// scheduler, sequence builder, frame watcher, imaging supervisor, hooks and
// the remote task source. Event sinks and the frame archive are attached
// only when the config enables them. The remote login happens inside Run,
// so NewRunner succeeds with the task store offline.
func NewRunner(c *Config) (*Runner, error) {
	for _, dir := range []string{c.Site.DataDir, c.Imaging.SequenceDir, c.Imaging.Frames.Dir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	store, err := journalfactory.NewFromDSN(c.Journal.DSN)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", c.Journal.DSN, err)
	}

	siteEnv := env.New()
	siteEnv.FromOS()
	for _, kv := range c.GlobalEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			siteEnv.Set(kv[:i], kv[i+1:])
		}
	}

	night := nightsched.New(c.NightConfig())

	frameWatcher, err := watcher.New(c.WatcherConfig())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	supCfg := c.SupervisorConfig()
	supCfg.Env = siteEnv.Merge(supCfg.Env)

	hooks, err := hook.NewRunner(c.HookSpecs(), siteEnv)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	deps := orchestrator.Deps{
		Source:     source.New(c.SourceConfig()),
		Night:      night,
		Sequences:  sequence.NewBuilder(c.SequenceConfig()),
		Supervisor: supervisor.New(supCfg),
		Watcher:    frameWatcher,
		Hooks:      hooks,
		Journal:    store,
	}

	r := &Runner{store: store, night: night}

	if len(c.Events.DSNs) > 0 {
		sinks, err := eventsfactory.NewMultiFromDSNs(c.Events.DSNs)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open event sinks: %w", err)
		}
		r.sinks = sinks
		deps.Events = sinks
	}

	if acfg, ok := c.ArchiveUploaderConfig(); ok {
		uploader, err := archive.New(context.Background(), acfg)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("init frame archive: %w", err)
		}
		deps.Archive = uploader
	}

	orc, err := orchestrator.New(orchestrator.Config{
		ScopeID:             c.Site.ScopeID,
		FetchInterval:       c.Orchestrator.FetchInterval,
		FetchRetryMax:       c.Orchestrator.FetchRetryMax,
		IdleInterval:        c.Orchestrator.IdleInterval,
		ReportRetryMax:      c.Orchestrator.ReportRetryMax,
		ReportRetryInterval: c.Orchestrator.ReportRetryInterval,
		OutputGrace:         c.Orchestrator.OutputGrace,
		NightPoll:           c.Orchestrator.NightPoll,
		Logger:              c.Log.NewSlogger(),
	}, deps)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.orc = orc
	return r, nil
}

func (r *Runner) Run(ctx context.Context) error { return r.orc.Run(ctx) }
func (r *Runner) Abort(reason string) error     { return r.orc.Abort(reason) }
func (r *Runner) Snapshot() Snapshot            { return r.orc.Snapshot() }
func (r *Runner) CurrentPID() int               { return r.orc.CurrentPID() }
func (r *Runner) IsNightNow() bool              { return r.night.IsNightNow() }

// Journal exposes the outcome ledger for read-side embedding.
func (r *Runner) Journal() Journal { return r.store }

// Close releases the journal store and any event sinks. Call it after Run
// has returned.
func (r *Runner) Close() error {
	var first error
	if r.sinks != nil {
		if err := r.sinks.Close(); err != nil {
			first = err
		}
	}
	if err := r.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.LoadConfig(path)
} // NewHTTPServer starts an HTTP server exposing the status API for the given runner.
func NewHTTPServer(addr, basePath string, r *Runner) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, iapi.Deps{Runner: r.orc, Journal: r.store, Night: r.night})
}

// NewTLSServer serves the same API over HTTPS using the [server] TLS settings.
func NewTLSServer(sc ServerConfig, r *Runner) (*http.Server, error) {
	return iapi.NewTLSServer(sc, iapi.Deps{Runner: r.orc, Journal: r.store, Night: r.night})
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
