package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tasksFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "tasks",
			Name:      "fetched_total",
			Help:      "Number of tasks fetched from the task store.",
		},
	)
	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Number of settled task attempts by terminal status.",
		}, []string{"status"},
	)
	framesObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "run",
			Name:      "frames_observed_total",
			Help:      "Number of completed frames detected in the output directory.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "noctua",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of imaging runs from launch to settle.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400},
		},
	)
	reportRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "tasks",
			Name:      "report_retries_total",
			Help:      "Number of outcome deliveries retried after transient failures.",
		},
	)
	hookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "hooks",
			Name:      "failures_total",
			Help:      "Number of hook script failures by stage.",
		}, []string{"stage"},
	)
	nightActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "noctua",
			Subsystem: "night",
			Name:      "active",
			Help:      "Whether the site is currently inside the observing window (1) or not (0).",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noctua",
			Subsystem: "runner",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between orchestrator states.",
		}, []string{"from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "noctua",
			Subsystem: "runner",
			Name:      "current_state",
			Help:      "Current orchestrator state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{tasksFetched, taskOutcomes, framesObserved, runDuration, reportRetries, hookFailures, nightActive, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				// The collector survived an earlier Register call, keep it.
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTaskFetched() {
	if regOK.Load() {
		tasksFetched.Inc()
	}
}
func IncTaskOutcome(status string) {
	if regOK.Load() {
		taskOutcomes.WithLabelValues(status).Inc()
	}
}
func IncFrameObserved() {
	if regOK.Load() {
		framesObserved.Inc()
	}
}
func ObserveRunDuration(seconds float64) {
	if regOK.Load() {
		runDuration.Observe(seconds)
	}
}
func IncReportRetry() {
	if regOK.Load() {
		reportRetries.Inc()
	}
}
func IncHookFailure(stage string) {
	if regOK.Load() {
		hookFailures.WithLabelValues(stage).Inc()
	}
}
func SetNightActive(active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		nightActive.Set(value)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}
