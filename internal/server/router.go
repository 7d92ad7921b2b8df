package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noctua-obs/noctua/internal/config"
	"github.com/noctua-obs/noctua/internal/journal"
	"github.com/noctua-obs/noctua/internal/metrics"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/orchestrator"
	itls "github.com/noctua-obs/noctua/internal/tls"
)

// Runner is the orchestrator surface the status API exposes.
type Runner interface {
	Snapshot() orchestrator.Snapshot
	Abort(reason string) error
}

// Deps are the components the API reads from. Sampler may be nil.
type Deps struct {
	Runner  Runner
	Journal journal.Store
	Night   *nightsched.Scheduler
	Sampler *metrics.RunSampler
}

// Router provides embeddable HTTP handlers for observing and steering the
// runner.
// Endpoints:
//
//	GET  /healthz               liveness probe, always 200
//	GET  {basePath}/status      loop state, active task and process resources
//	GET  {basePath}/task        active task only; 404 when idle
//	GET  {basePath}/night       night flag, sun altitude, next transition
//	GET  {basePath}/journal     recent attempts, query: limit=N (default 20, max 200)
//	POST {basePath}/abort       body: {"reason": "..."}; 409 when no run is active
//	GET  {basePath}/metrics     Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/abort and so on.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealthz)
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/task", r.handleTask)
	group.GET("/night", r.handleNight)
	group.GET("/journal", r.handleJournal)
	group.POST("/abort", r.handleAbort)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The returned server can be shut down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, deps Deps) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer serves the same API over HTTPS using the [server] TLS
// settings. With TLS disabled in cfg it falls back to plain HTTP.
func NewTLSServer(cfg config.ServerConfig, deps Deps) (*http.Server, error) {
	tlsConf, err := itls.Setup(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		return NewServer(cfg.Listen, cfg.BasePath, deps)
	}
	r := NewRouter(deps, cfg.BasePath)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	orchestrator.Snapshot
	Resources *metrics.RunMetrics `json:"resources,omitempty"`
}

type nightResp struct {
	Night          bool               `json:"night"`
	SunAltitudeDeg float64            `json:"sun_altitude_deg"`
	NextTransition time.Time          `json:"next_transition"`
	Window         *nightsched.Window `json:"window,omitempty"`
}

type abortReq struct {
	Reason string `json:"reason"`
}

// journalEntry is the wire form of a journal record.
type journalEntry struct {
	RunID     string     `json:"run_id"`
	TaskID    int        `json:"task_id"`
	Object    string     `json:"object"`
	Status    string     `json:"status,omitempty"`
	Frames    []string   `json:"frames,omitempty"`
	Reported  bool       `json:"reported"`
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

func toJournalEntry(rec journal.Record) journalEntry {
	e := journalEntry{
		RunID:     rec.RunID,
		TaskID:    rec.TaskID,
		Object:    rec.Object,
		Status:    rec.Status,
		Frames:    rec.Frames,
		Reported:  rec.Reported,
		Detail:    rec.Detail,
		StartedAt: rec.StartedAt,
	}
	if rec.SettledAt.Valid {
		t := rec.SettledAt.Time
		e.SettledAt = &t
	}
	return e
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Snapshot: r.deps.Runner.Snapshot()}
	if r.deps.Sampler != nil {
		if m, ok := r.deps.Sampler.Current(); ok {
			resp.Resources = &m
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleTask(c *gin.Context) {
	snap := r.deps.Runner.Snapshot()
	if snap.Task == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no active task"})
		return
	}
	writeJSON(c, http.StatusOK, snap.Task)
}

func (r *Router) handleNight(c *gin.Context) {
	now := time.Now()
	resp := nightResp{
		Night:          r.deps.Night.IsNight(now),
		SunAltitudeDeg: r.deps.Night.SunAltitude(now),
		NextTransition: r.deps.Night.NextTransition(now),
	}
	if win, ok := r.deps.Night.Window(now); ok {
		resp.Window = &win
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleJournal(c *gin.Context) {
	limit := 20
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}
	recs, err := r.deps.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	entries := make([]journalEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, toJournalEntry(rec))
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleAbort(c *gin.Context) {
	var req abortReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "operator request"
	}
	if err := r.deps.Runner.Abort(req.Reason); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
