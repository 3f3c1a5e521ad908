// Package health provides health check endpoints for an asyncrdma node.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the listener accepting peers?)
//
// Each detailed check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "devices": {"status": "healthy", "message": "2 devices on sim"},
//	    "connections": {"status": "healthy"},
//	    "arena": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but connections still work.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Arena usage thresholds, in percent of a connection's arena.
const (
	arenaDegradedPercent  = 90
	arenaUnhealthyPercent = 95
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the node.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// DeviceLister enumerates RDMA devices, e.g. an rdma.VerbsBackend.
type DeviceLister interface {
	Name() string
	GetDeviceList() ([]rdma.VerbsDeviceInfo, error)
}

// ConnectionSource reports live connections, e.g. *rdma.ConnectionTracker.
type ConnectionSource interface {
	Snapshot() []rdma.ConnectionStats
}

// Checker performs health checks on the node.
type Checker struct {
	cacheExpiry  time.Time
	devices      DeviceLister
	connections  ConnectionSource
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	ready        atomic.Bool
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. Either source may be nil.
func NewChecker(devices DeviceLister, connections ConnectionSource) *Checker {
	return &Checker{
		devices:     devices,
		connections: connections,
		cacheTTL:    5 * time.Second,
	}
}

// SetReady marks whether the node is accepting peers.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	var snapshot []rdma.ConnectionStats
	if c.connections != nil {
		snapshot = c.connections.Snapshot()
	}

	checks := map[string]Check{
		"devices":     c.CheckDevices(ctx),
		"connections": CheckConnections(snapshot),
		"arena":       CheckArena(snapshot),
	}

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckDevices checks that the verbs backend still reports a device.
func (c *Checker) CheckDevices(_ context.Context) Check {
	if c.devices == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "verbs backend not initialized",
		}
	}

	devs, err := c.devices.GetDeviceList()
	if err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device query failed: " + err.Error(),
		}
	}

	if len(devs) == 0 {
		return Check{
			Status:  StatusUnhealthy,
			Message: "no RDMA devices on " + c.devices.Name(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d devices on %s", len(devs), c.devices.Name()),
	}
}

// CheckConnections reports degraded when a queue pair has left RTS or a
// peer has sent malformed control messages.
func CheckConnections(snapshot []rdma.ConnectionStats) Check {
	rts := rdma.StateRTS.String()

	for _, s := range snapshot {
		if s.State != rts {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("connection %s is in state %s", s.ID, s.State),
			}
		}

		if s.Agent.ProtocolErrors > 0 {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("connection %s saw %d protocol errors", s.ID, s.Agent.ProtocolErrors),
			}
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d connections established", len(snapshot)),
	}
}

// CheckArena reports the fullest registered arena across connections.
func CheckArena(snapshot []rdma.ConnectionStats) Check {
	var (
		worst float64
		id    string
	)

	for _, s := range snapshot {
		if s.Allocator.ArenaSize == 0 {
			continue
		}

		usage := float64(s.Allocator.InUse) / float64(s.Allocator.ArenaSize) * 100
		if usage > worst {
			worst, id = usage, s.ID
		}
	}

	switch {
	case worst > arenaUnhealthyPercent:
		return Check{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("arena of connection %s critically full (%.0f%%)", id, worst),
		}
	case worst > arenaDegradedPercent:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("arena of connection %s nearly full (%.0f%%)", id, worst),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "arenas have room",
	}
}

// IsReady reports whether the node is accepting peers.
func (c *Checker) IsReady(_ context.Context) bool {
	return c.ready.Load()
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// DetailedHandler handles detailed health check requests. Degraded still
// answers 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
