package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// RunMetrics holds CPU and memory metrics for the imaging application
// process sampled at one instant.
type RunMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// RunSamplerConfig configures resource sampling of the imaging application.
type RunSamplerConfig struct {
	Enabled    bool
	Interval   time.Duration // default 10s
	MaxHistory int           // samples kept, default 360
}

// RunSampler watches the resource usage of whatever imaging process is
// currently active. Only one imaging run exists at a time, so the sampler
// tracks a single PID supplied by a callback and clears its state when no
// run is active.
type RunSampler struct {
	enabled  bool
	interval time.Duration
	maxHist  int

	mu      sync.RWMutex
	current *RunMetrics
	history []RunMetrics

	stopCh   chan struct{}
	stopOnce sync.Once

	cpuGauge     prometheus.Gauge
	memoryGauge  prometheus.Gauge
	threadsGauge prometheus.Gauge
	fdsGauge     prometheus.Gauge
}

// NewRunSampler creates a sampler; it does nothing until Start.
func NewRunSampler(cfg RunSamplerConfig) *RunSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 360
	}
	return &RunSampler{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		maxHist:  cfg.MaxHistory,
		stopCh:   make(chan struct{}),
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noctua", Subsystem: "imager",
			Name: "cpu_percent",
			Help: "CPU usage of the imaging application process.",
		}),
		memoryGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noctua", Subsystem: "imager",
			Name: "memory_mb",
			Help: "Resident memory of the imaging application process in MB.",
		}),
		threadsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noctua", Subsystem: "imager",
			Name: "num_threads",
			Help: "Thread count of the imaging application process.",
		}),
		fdsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noctua", Subsystem: "imager",
			Name: "num_fds",
			Help: "Open file descriptors of the imaging application process (Unix only).",
		}),
	}
}

// RegisterMetrics registers the sampler gauges with r. Already-registered
// collectors are tolerated so tests can re-register freely.
func (c *RunSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, g := range []prometheus.Collector{c.cpuGauge, c.memoryGauge, c.threadsGauge, c.fdsGauge} {
		if err := r.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. getPID reports the PID of the active
// imaging run, or 0 when none is running. Start returns immediately; the
// loop stops on ctx cancellation or Stop.
func (c *RunSampler) Start(ctx context.Context, getPID func() int) {
	if !c.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sampleOnce(getPID())
			}
		}
	}()
}

// Stop halts the sampling loop. Safe to call more than once.
func (c *RunSampler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Current returns the latest sample, if a run is being tracked.
func (c *RunSampler) Current() (RunMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return RunMetrics{}, false
	}
	return *c.current, true
}

// History returns a copy of the retained samples, oldest first.
func (c *RunSampler) History() []RunMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RunMetrics, len(c.history))
	copy(out, c.history)
	return out
}

func (c *RunSampler) sampleOnce(pid int) {
	if pid <= 0 {
		c.clear()
		return
	}
	m, err := sampleProcess(int32(pid), time.Now())
	if err != nil {
		slog.Debug("failed to sample imaging process", "pid", pid, "error", err)
		c.clear()
		return
	}

	c.mu.Lock()
	c.current = m
	c.history = append(c.history, *m)
	if len(c.history) > c.maxHist {
		c.history = c.history[len(c.history)-c.maxHist:]
	}
	c.mu.Unlock()

	c.cpuGauge.Set(m.CPUPercent)
	c.memoryGauge.Set(m.MemoryMB)
	c.threadsGauge.Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" && m.NumFDs > 0 {
		c.fdsGauge.Set(float64(m.NumFDs))
	}
}

func (c *RunSampler) clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.cpuGauge.Set(0)
	c.memoryGauge.Set(0)
	c.threadsGauge.Set(0)
	c.fdsGauge.Set(0)
}

// sampleProcess retrieves CPU and memory metrics for a single process.
func sampleProcess(pid int32, timestamp time.Time) (*RunMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}

	// CPU percentage needs a previous call for an accurate window; the first
	// sample of a run reads as 0.
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("failed to get CPU percent", "pid", pid, "error", err)
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("failed to get thread count", "pid", pid, "error", err)
		numThreads = 0
	}

	m := &RunMetrics{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
		Timestamp:  timestamp,
	}

	// File descriptor count (Unix only)
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			m.NumFDs = numFDs
		}
	}

	return m, nil
}
