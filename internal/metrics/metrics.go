// Package metrics provides Prometheus metrics collection for asyncrdma.
//
// The package exposes metrics at /metrics on the admin listener:
//
// Operation Metrics:
//   - asyncrdma_operations_total: Work requests resolved by kind and status
//   - asyncrdma_operation_duration_seconds: Post-to-completion latency
//   - asyncrdma_bytes_total: Payload bytes moved by kind
//
// Completion Metrics:
//   - asyncrdma_pending_completions: Work requests awaiting a completion
//   - asyncrdma_completions_total: Completion entries drained by status
//   - asyncrdma_unmatched_completions_total: Completions with no waiter
//
// Memory Metrics:
//   - asyncrdma_arena_bytes: Registered arena bytes
//   - asyncrdma_arena_bytes_in_use: Bytes handed out by allocators
//   - asyncrdma_live_regions: Live sub-regions
//
// Connection Metrics:
//   - asyncrdma_active_connections: Established connections
//   - asyncrdma_connection_errors_total: Failed setups by stage
//   - asyncrdma_agent_messages_total: Control messages by kind and direction
//
// Use with Prometheus and Grafana for monitoring dashboards.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts resolved work requests
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_operations_total",
			Help: "Total number of resolved work requests",
		},
		[]string{"op", "status"},
	)

	// OperationDuration tracks the time from post to resolution
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asyncrdma_operation_duration_seconds",
			Help:    "Work request latency from post to completion in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"op"},
	)

	// BytesTotal counts payload bytes moved by successful operations
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_bytes_total",
			Help: "Total payload bytes moved by successful operations",
		},
		[]string{"op"},
	)

	// PendingCompletions tracks work requests awaiting a completion
	PendingCompletions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncrdma_pending_completions",
			Help: "Number of work requests awaiting a completion",
		},
	)

	// CompletionsTotal counts completion entries drained from completion queues
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_completions_total",
			Help: "Total completion entries drained by status",
		},
		[]string{"status"},
	)

	// UnmatchedCompletions counts completions that had no pending waiter
	UnmatchedCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_unmatched_completions_total",
			Help: "Completions whose request ID had no pending waiter",
		},
		[]string{"reason"},
	)

	// ArenaBytes tracks registered arena memory
	ArenaBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncrdma_arena_bytes",
			Help: "Registered arena bytes across all allocators",
		},
	)

	// ArenaBytesInUse tracks bytes handed out by allocators
	ArenaBytesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncrdma_arena_bytes_in_use",
			Help: "Arena bytes currently allocated",
		},
	)

	// LiveRegions tracks live sub-regions
	LiveRegions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncrdma_live_regions",
			Help: "Number of live allocated memory regions",
		},
	)

	// AllocationFailures counts allocations the arena could not satisfy
	AllocationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncrdma_allocation_failures_total",
			Help: "Total number of allocations that found no free block",
		},
	)

	// ActiveConnections tracks open connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncrdma_active_connections",
			Help: "Number of established connections",
		},
	)

	// ConnectionsTotal counts established connections by role
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_connections_total",
			Help: "Total number of established connections",
		},
		[]string{"role"},
	)

	// ConnectionErrors counts failed connection attempts by stage
	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_connection_errors_total",
			Help: "Total number of failed connection attempts",
		},
		[]string{"stage"},
	)

	// AgentMessagesTotal counts agent control messages
	AgentMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncrdma_agent_messages_total",
			Help: "Total number of agent messages by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	// BuildInfo exposes the running version
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asyncrdma_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

// Init records build information
func Init(version string) {
	BuildInfo.WithLabelValues(version).Set(1)
}

// RecordOperation records a resolved work request
func RecordOperation(op, status string, duration time.Duration, bytes int) {
	OperationsTotal.WithLabelValues(op, status).Inc()
	OperationDuration.WithLabelValues(op).Observe(duration.Seconds())

	if status == "success" && bytes > 0 {
		BytesTotal.WithLabelValues(op).Add(float64(bytes))
	}
}

// AddPending adjusts the pending completion gauge
func AddPending(delta int) {
	PendingCompletions.Add(float64(delta))
}

// RecordCompletion records a drained completion entry
func RecordCompletion(status string) {
	CompletionsTotal.WithLabelValues(status).Inc()
}

// RecordUnmatchedCompletion records a completion without a waiter
func RecordUnmatchedCompletion(reason string) {
	UnmatchedCompletions.WithLabelValues(reason).Inc()
}

// AddArenaBytes adjusts the registered arena gauge
func AddArenaBytes(delta int64) {
	ArenaBytes.Add(float64(delta))
}

// RecordAllocation records a successful allocation
func RecordAllocation(size uint64) {
	ArenaBytesInUse.Add(float64(size))
	LiveRegions.Inc()
}

// RecordRelease records a region returned to its allocator
func RecordRelease(size uint64) {
	ArenaBytesInUse.Sub(float64(size))
	LiveRegions.Dec()
}

// RecordAllocationFailure records an allocation the arena could not satisfy
func RecordAllocationFailure() {
	AllocationFailures.Inc()
}

// ConnectionOpened records an established connection
func ConnectionOpened(role string) {
	ConnectionsTotal.WithLabelValues(role).Inc()
	ActiveConnections.Inc()
}

// ConnectionClosed records a closed connection
func ConnectionClosed() {
	ActiveConnections.Dec()
}

// RecordConnectionError records a failed connection attempt
func RecordConnectionError(stage string) {
	ConnectionErrors.WithLabelValues(stage).Inc()
}

// RecordAgentMessage records an agent message
func RecordAgentMessage(kind, direction string) {
	AgentMessagesTotal.WithLabelValues(kind, direction).Inc()
}
