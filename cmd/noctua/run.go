package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/noctua-obs/noctua/internal/archive"
	"github.com/noctua-obs/noctua/internal/config"
	"github.com/noctua-obs/noctua/internal/env"
	eventsfactory "github.com/noctua-obs/noctua/internal/events/factory"
	"github.com/noctua-obs/noctua/internal/hook"
	journalfactory "github.com/noctua-obs/noctua/internal/journal/factory"
	"github.com/noctua-obs/noctua/internal/maintenance"
	"github.com/noctua-obs/noctua/internal/metrics"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/orchestrator"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/server"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// runFailure marks errors from a started observing loop. main exits 2 for
// these and 1 for config or wiring failures.
type runFailure struct{ err error }

func (e *runFailure) Error() string { return e.err.Error() }
func (e *runFailure) Unwrap() error { return e.err }

func runRunCommand(flags *RunFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	if configPath == "" {
		return fmt.Errorf("config file required for run command. Use --config=config.toml or provide as argument")
	}

	// Load unified config once
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// If daemonize is requested, now that we have cfg.Server, use its pidfile/logfile
	if flags.Daemonize {
		pidfile := ""
		logfile := flags.LogFile
		if cfg.Server != nil {
			pidfile = cfg.Server.PidFile
			if logfile == "" {
				logfile = cfg.Server.LogFile
			}
		}
		return daemonize(pidfile, logfile)
	}

	logger := cfg.Log.NewSlogger()
	slog.SetDefault(logger)

	// Data directories must exist before the components touch them
	for _, dir := range []string{cfg.Site.DataDir, cfg.Imaging.SequenceDir, cfg.Imaging.Frames.Dir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create data dir %s: %w", dir, err)
		}
	}

	if cfg.Server != nil && cfg.Server.PidFile != "" {
		if err := writePidFile(cfg.Server.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(cfg.Server.PidFile) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Journal first: the outcome ledger is what makes crashes survivable
	journalStore, err := journalfactory.NewFromDSN(cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", cfg.Journal.DSN, err)
	}
	defer func() { _ = journalStore.Close() }()

	// Site environment: OS env layered with [env]/env_files from the config
	siteEnv := env.New()
	siteEnv.FromOS()
	for _, kv := range cfg.GlobalEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			siteEnv.Set(kv[:i], kv[i+1:])
		}
	}

	night := nightsched.New(cfg.NightConfig())
	seqBuilder := sequence.NewBuilder(cfg.SequenceConfig())

	frameWatcher, err := watcher.New(cfg.WatcherConfig())
	if err != nil {
		return fmt.Errorf("failed to create frame watcher: %w", err)
	}

	supCfg := cfg.SupervisorConfig()
	supCfg.Env = siteEnv.Merge(supCfg.Env)
	sup := supervisor.New(supCfg)

	hooks, err := hook.NewRunner(cfg.HookSpecs(), siteEnv)
	if err != nil {
		return fmt.Errorf("failed to configure hooks: %w", err)
	}

	src := source.New(cfg.SourceConfig())

	orcDeps := orchestrator.Deps{
		Source:     src,
		Night:      night,
		Sequences:  seqBuilder,
		Supervisor: sup,
		Watcher:    frameWatcher,
		Hooks:      hooks,
		Journal:    journalStore,
	}

	if len(cfg.Events.DSNs) > 0 {
		sinks, err := eventsfactory.NewMultiFromDSNs(cfg.Events.DSNs)
		if err != nil {
			return fmt.Errorf("failed to open event sinks: %w", err)
		}
		defer func() { _ = sinks.Close() }()
		orcDeps.Events = sinks
	}

	var uploader *archive.Uploader
	if acfg, ok := cfg.ArchiveUploaderConfig(); ok {
		uploader, err = archive.New(ctx, acfg)
		if err != nil {
			return fmt.Errorf("failed to init frame archive: %w", err)
		}
		orcDeps.Archive = uploader
	}

	orc, err := orchestrator.New(orchestrator.Config{
		ScopeID:             cfg.Site.ScopeID,
		FetchInterval:       cfg.Orchestrator.FetchInterval,
		FetchRetryMax:       cfg.Orchestrator.FetchRetryMax,
		IdleInterval:        cfg.Orchestrator.IdleInterval,
		ReportRetryMax:      cfg.Orchestrator.ReportRetryMax,
		ReportRetryInterval: cfg.Orchestrator.ReportRetryInterval,
		OutputGrace:         cfg.Orchestrator.OutputGrace,
		NightPoll:           cfg.Orchestrator.NightPoll,
		Logger:              logger,
	}, orcDeps)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// Setup metrics from config
	var sampler *metrics.RunSampler
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if rc := cfg.Metrics.RunSampler; rc != nil && rc.Enabled {
			sampler = metrics.NewRunSampler(metrics.RunSamplerConfig{
				Enabled:    true,
				Interval:   rc.Interval,
				MaxHistory: rc.MaxHistory,
			})
			if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				fmt.Printf("Warning: failed to register run sampler: %v\n", err)
			}
			sampler.Start(ctx, orc.CurrentPID)
			defer sampler.Stop()
		}
	}

	// Background housekeeping: journal purge, stale sequence sweep, archive GC
	maintCfg := maintenance.Config{
		JournalPurgeSchedule:  cfg.Maintenance.JournalPurgeSchedule,
		JournalRetention:      cfg.Journal.Retention,
		SequenceSweepSchedule: cfg.Maintenance.SequenceSweepSchedule,
		SequenceMaxAge:        cfg.Maintenance.SequenceMaxAge,
	}
	maintDeps := maintenance.Deps{
		Journal:   journalStore,
		Sequences: seqBuilder,
		Logger:    logger,
	}
	if uploader != nil && cfg.Archive != nil && cfg.Archive.Retention > 0 {
		maintCfg.ArchiveCleanupSchedule = cfg.Maintenance.ArchiveCleanupSchedule
		maintCfg.ArchiveRetention = cfg.Archive.Retention
		maintDeps.Archive = uploader
	}
	maint, err := maintenance.New(maintCfg, maintDeps)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	if err := maint.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer maint.Stop()

	// Create and start the HTTP/HTTPS status API when configured
	var srv *http.Server
	if cfg.Server != nil {
		serverDeps := server.Deps{
			Runner:  orc,
			Journal: journalStore,
			Night:   night,
			Sampler: sampler,
		}

		protocol := "HTTP"
		if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
			protocol = "HTTPS"
			srv, err = server.NewTLSServer(*cfg.Server, serverDeps)
			if err != nil {
				return fmt.Errorf("failed to create HTTPS server: %w", err)
			}
		} else {
			srv, err = server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, serverDeps)
			if err != nil {
				return fmt.Errorf("failed to create HTTP server: %w", err)
			}
		}
		fmt.Printf("Starting noctua %s server on %s%s\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)
		defer func() { _ = srv.Close() }()
	} else {
		logger.Info("no [server] section, running headless")
	}

	// Catch up on housekeeping missed while the daemon was stopped
	go maint.RunAll()

	logger.Info("noctua starting",
		"version", version,
		"site", cfg.Site.Name,
		"scope_id", cfg.Site.ScopeID,
		"journal", cfg.Journal.DSN)

	// Run the orchestrator loop and the signal handler as one group
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if err := orc.Run(gctx); err != nil {
			return &runFailure{err: err}
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, shutdownSignals()...)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				if isAbortSignal(sig) {
					if err := orc.Abort("operator signal"); err != nil {
						logger.Warn("abort on signal failed", "error", err)
					}
					continue
				}
				fmt.Println("Shutting down...")
				cancel()
				return nil
			}
		}
	})

	return g.Wait()
}
