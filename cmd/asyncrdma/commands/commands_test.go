package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/asyncrdma/internal/config"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

func simConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.RDMA.Backend = rdma.BackendSimulated
	cfg.RDMA.ListenAddress = "127.0.0.1:0"
	cfg.Admin.Enabled = false

	return cfg
}

func TestDemoRunsExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, simConfig(t), "ping pong", &out))

	got := out.String()
	assert.Contains(t, got, rdma.BackendSimulated)
	assert.Contains(t, got, `value:  "ping pong" seq=1`)
	assert.Contains(t, got, `data:   "ping pong"`)
	assert.Contains(t, got, `region: "PING PONG"`)
	assert.Contains(t, got, `remote: "ping pong"`)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := simConfig(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestHandlerGroupDrain(t *testing.T) {
	h := newHandlerGroup()
	release := make(chan struct{})

	h.Go(func() { <-release })
	assert.Equal(t, int64(1), h.InFlightCount())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.WaitForDrain(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.WaitForDrain(context.Background()))
	assert.Equal(t, int64(0), h.InFlightCount())
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asyncrdma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rdma:\n  backend: sim\n  listen_address: 127.0.0.1:7000\n"), 0o600))

	cmd := NewRootCmd("test", "none")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path, "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	var shown config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, rdma.BackendSimulated, shown.RDMA.Backend)
	assert.Equal(t, "127.0.0.1:7000", shown.RDMA.ListenAddress)
	assert.Equal(t, "error", shown.LogLevel)
}

func TestConfigValidateRejectsBadBackend(t *testing.T) {
	cmd := NewRootCmd("test", "none")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "validate", "--backend", "carrier-pigeon"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rdma.backend")
}

func TestDevicesListsSimulatedFabric(t *testing.T) {
	cmd := NewRootCmd("test", "none")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--backend", rdma.BackendSimulated, "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "sim0")
}

func TestDevicesFromSysfs(t *testing.T) {
	root := t.TempDir()
	port := filepath.Join(root, "mlx5_0", "ports", "1")
	require.NoError(t, os.MkdirAll(port, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mlx5_0", "node_type"), []byte("1: CA\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(port, "state"), []byte("4: ACTIVE\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(port, "rate"), []byte("100 Gb/sec (4X EDR)\n"), 0o644))

	cmd := NewRootCmd("test", "none")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--sysfs=" + root, "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "mlx5_0")
	assert.Contains(t, out.String(), "ACTIVE")
	assert.Contains(t, out.String(), "100 Gb/s")
}

func TestSetupLoggingJSON(t *testing.T) {
	saved, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(level)
	})

	var buf bytes.Buffer
	setupLogging(&buf, "warn", "json")

	log.Info().Msg("dropped")
	log.Warn().Str("conn_id", "c1").Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"conn_id":"c1"`)
}
