package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asyncrdma_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asyncrdma_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	inFlightHandlers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asyncrdma_shutdown_in_flight_handlers",
		Help: "Number of connection handlers still running during shutdown",
	})

	connectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asyncrdma_shutdown_connections_closed_total",
		Help: "Total number of connections closed by shutdown",
	})

	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asyncrdma_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})

	shutdownStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asyncrdma_shutdown_start_timestamp_seconds",
		Help: "Unix timestamp when shutdown started",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseConnections,
	PhaseListener,
	PhaseAdmin,
	PhaseComplete,
	PhaseForcedShutdown,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase marks phase as the only active one.
func SetShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		shutdownPhase.WithLabelValues(string(p)).Set(0)
	}

	shutdownPhase.WithLabelValues(string(phase)).Set(1)
}

// SetInFlightHandlers sets the in-flight handlers metric.
func SetInFlightHandlers(count int64) {
	inFlightHandlers.Set(float64(count))
}

// AddConnectionsClosed counts connections closed by shutdown.
func AddConnectionsClosed(n int) {
	connectionsClosed.Add(float64(n))
}

// IncrementShutdownErrors increments the shutdown errors counter.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}

// SetShutdownStartTime sets the shutdown start timestamp.
func SetShutdownStartTime(t time.Time) {
	shutdownStartTime.Set(float64(t.Unix()))
}
