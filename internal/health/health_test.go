package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

var (
	_ DeviceLister     = (*rdma.SimulatedVerbsBackend)(nil)
	_ ConnectionSource = (*rdma.ConnectionTracker)(nil)
)

type mockDevices struct {
	err  error
	devs []rdma.VerbsDeviceInfo
}

func (m *mockDevices) Name() string { return "mock" }

func (m *mockDevices) GetDeviceList() ([]rdma.VerbsDeviceInfo, error) { return m.devs, m.err }

type mockConnections struct {
	stats []rdma.ConnectionStats
}

func (m *mockConnections) Snapshot() []rdma.ConnectionStats { return m.stats }

func oneDevice() *mockDevices {
	return &mockDevices{devs: []rdma.VerbsDeviceInfo{{Name: "mlx5_0"}}}
}

func established(id string, inUse uint64) rdma.ConnectionStats {
	return rdma.ConnectionStats{
		ID:        id,
		State:     rdma.StateRTS.String(),
		Allocator: rdma.AllocatorStats{ArenaSize: 1000, InUse: inUse},
	}
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(nil, nil)

	require.NotNil(t, checker)
	assert.Equal(t, 5*time.Second, checker.cacheTTL)
	assert.False(t, checker.IsReady(context.Background()))
}

func TestCheckHealthy(t *testing.T) {
	conns := &mockConnections{stats: []rdma.ConnectionStats{established("a", 100), established("b", 0)}}
	status := NewChecker(oneDevice(), conns).Check(context.Background())

	require.NotNil(t, status)
	assert.Equal(t, StatusHealthy, status.Status)

	for _, name := range []string{"devices", "connections", "arena"} {
		assert.Equal(t, StatusHealthy, status.Checks[name].Status, name)
	}

	assert.Equal(t, "2 connections established", status.Checks["connections"].Message)
}

func TestCheckSimulatedBackend(t *testing.T) {
	backend := rdma.NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())
	t.Cleanup(func() { _ = backend.Close() })

	check := NewChecker(backend, nil).CheckDevices(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Contains(t, check.Message, "on sim")
}

func TestCheckDevices(t *testing.T) {
	tests := []struct {
		name    string
		devices DeviceLister
		want    Status
		message string
	}{
		{"nil backend", nil, StatusUnhealthy, "not initialized"},
		{"query fails", &mockDevices{err: errors.New("ibv_get_device_list failed")}, StatusUnhealthy, "device query failed"},
		{"no devices", &mockDevices{}, StatusUnhealthy, "no RDMA devices on mock"},
		{"one device", oneDevice(), StatusHealthy, "1 devices on mock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewChecker(tt.devices, nil).CheckDevices(context.Background())
			assert.Equal(t, tt.want, check.Status)
			assert.Contains(t, check.Message, tt.message)
		})
	}
}

func TestCheckConnections(t *testing.T) {
	errored := established("c", 0)
	errored.Agent.ProtocolErrors = 3

	broken := established("d", 0)
	broken.State = rdma.StateError.String()

	tests := []struct {
		name    string
		stats   []rdma.ConnectionStats
		want    Status
		message string
	}{
		{"none", nil, StatusHealthy, "0 connections"},
		{"all rts", []rdma.ConnectionStats{established("a", 0)}, StatusHealthy, "1 connections"},
		{"protocol errors", []rdma.ConnectionStats{established("a", 0), errored}, StatusDegraded, "3 protocol errors"},
		{"left rts", []rdma.ConnectionStats{broken}, StatusDegraded, "connection d is in state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CheckConnections(tt.stats)
			assert.Equal(t, tt.want, check.Status)
			assert.Contains(t, check.Message, tt.message)
		})
	}
}

func TestCheckArena(t *testing.T) {
	tests := []struct {
		name  string
		stats []rdma.ConnectionStats
		want  Status
	}{
		{"empty", nil, StatusHealthy},
		{"half", []rdma.ConnectionStats{established("a", 500)}, StatusHealthy},
		{"nearly full", []rdma.ConnectionStats{established("a", 100), established("b", 920)}, StatusDegraded},
		{"critically full", []rdma.ConnectionStats{established("a", 960), established("b", 920)}, StatusUnhealthy},
		{"no arena", []rdma.ConnectionStats{{ID: "x"}}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckArena(tt.stats).Status)
		})
	}

	check := CheckArena([]rdma.ConnectionStats{established("a", 100), established("b", 920)})
	assert.Contains(t, check.Message, "connection b")
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"empty", map[string]Check{}, StatusHealthy},
		{"healthy", map[string]Check{"a": {Status: StatusHealthy}}, StatusHealthy},
		{"degraded", map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}}, StatusDegraded},
		{"unhealthy wins", map[string]Check{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}

func TestCaching(t *testing.T) {
	conns := &mockConnections{}
	checker := NewChecker(oneDevice(), conns)
	checker.cacheTTL = 100 * time.Millisecond
	ctx := context.Background()

	status1 := checker.Check(ctx)

	// A change inside the TTL is not seen.
	conns.stats = []rdma.ConnectionStats{established("a", 990)}
	status2 := checker.Check(ctx)
	assert.Equal(t, status1.Timestamp, status2.Timestamp)
	assert.Equal(t, StatusHealthy, status2.Status)

	time.Sleep(150 * time.Millisecond)

	status3 := checker.Check(ctx)
	assert.NotEqual(t, status1.Timestamp, status3.Timestamp)
	assert.Equal(t, StatusUnhealthy, status3.Status)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name         string
		devices      DeviceLister
		expectedCode int
	}{
		{"healthy", oneDevice(), http.StatusOK},
		{"unhealthy", nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(NewChecker(tt.devices, nil))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()

			handler.HealthHandler(w, req)

			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Contains(t, response, "status")
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker(nil, nil))

	w := httptest.NewRecorder()
	handler.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestReadinessHandler(t *testing.T) {
	checker := NewChecker(oneDevice(), nil)
	handler := NewHandler(checker)

	probe := func() int {
		w := httptest.NewRecorder()
		handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		return w.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, probe())

	checker.SetReady(true)
	assert.Equal(t, http.StatusOK, probe())

	checker.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, probe())
}

func TestDetailedHandler(t *testing.T) {
	errored := established("c", 0)
	errored.Agent.ProtocolErrors = 1

	handler := NewHandler(NewChecker(oneDevice(), &mockConnections{stats: []rdma.ConnectionStats{errored}}))

	w := httptest.NewRecorder()
	handler.DetailedHandler(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks["connections"].Status)
	assert.Contains(t, status.Checks, "devices")
	assert.Contains(t, status.Checks, "arena")
}
