package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsStarted counts kernels that completed the startup handshake.
	// Labels: engine
	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebook_mcp",
		Subsystem: "kernel",
		Name:      "sessions_started_total",
		Help:      "Kernels started and ready",
	}, []string{"engine"})

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notebook_mcp",
		Subsystem: "kernel",
		Name:      "live_sessions",
		Help:      "Kernels currently running",
	})

	// engineResolutions counts engine lookups by outcome.
	// Labels: resolution (found, fallback, not_available)
	engineResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebook_mcp",
		Subsystem: "kernel",
		Name:      "engine_resolutions_total",
		Help:      "Engine lookups by resolution",
	}, []string{"resolution"})

	// executions counts execute requests.
	// Labels: engine, outcome (ok, error, timeout, failed)
	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebook_mcp",
		Subsystem: "kernel",
		Name:      "executions_total",
		Help:      "Code executions by outcome",
	}, []string{"engine", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notebook_mcp",
		Subsystem: "kernel",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of code executions",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"engine"})
)

func observeExecution(engine, outcome string, d time.Duration) {
	executions.WithLabelValues(engine, outcome).Inc()
	executionDuration.WithLabelValues(engine).Observe(d.Seconds())
}
