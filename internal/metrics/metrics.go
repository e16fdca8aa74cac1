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

	companionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "starts_total",
			Help:      "Number of successful companion launches.",
		}, []string{"name"},
	)
	companionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "restart_sequences_total",
			Help:      "Number of restart sequences begun.",
		}, []string{"name"},
	)
	companionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the health endpoint confirmed readiness.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"name"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probes by result; cache hits are not probes.",
		}, []string{"name", "result"},
	)
	consecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minder",
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Current run of consecutive unhealthy probe results.",
		}, []string{"name"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minder",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Requests waiting in the serialization queue.",
		}, []string{"name"},
	)
	queueTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Queue tasks by outcome.",
		}, []string{"name", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minder",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between supervisor states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minder",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	companionCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "cpu_percent",
			Help:      "Sampled CPU usage of the companion process.",
		}, []string{"name"},
	)
	companionMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minder",
			Subsystem: "companion",
			Name:      "memory_rss_bytes",
			Help:      "Sampled resident memory of the companion process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		companionStarts, companionRestarts, companionStops, startupDuration,
		healthProbes, consecutiveFailures, queueDepth, queueTasks,
		stateTransitions, currentStates, companionCPU, companionMemory,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
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

func IncStart(name string) {
	if regOK.Load() {
		companionStarts.WithLabelValues(name).Inc()
	}
}

func IncRestartSequence(name string) {
	if regOK.Load() {
		companionRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		companionStops.WithLabelValues(name).Inc()
	}
}

func ObserveStartupDuration(name string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncHealthProbe(name string, healthy bool) {
	if regOK.Load() {
		result := "unhealthy"
		if healthy {
			result = "healthy"
		}
		healthProbes.WithLabelValues(name, result).Inc()
	}
}

func SetConsecutiveFailures(name string, n int) {
	if regOK.Load() {
		consecutiveFailures.WithLabelValues(name).Set(float64(n))
	}
}

func SetQueueDepth(name string, n int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(name).Set(float64(n))
	}
}

func IncQueueTask(name, result string) {
	if regOK.Load() {
		queueTasks.WithLabelValues(name, result).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetCompanionResources(name string, cpuPercent float64, memoryRSS uint64) {
	if regOK.Load() {
		companionCPU.WithLabelValues(name).Set(cpuPercent)
		companionMemory.WithLabelValues(name).Set(float64(memoryRSS))
	}
}
