package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendAuto, cfg.BackendName)
	assert.Equal(t, 128, cfg.SendQueueDepth)
	assert.Equal(t, 4<<20, cfg.ArenaSize)
	assert.Equal(t, AccessAll, cfg.GrantAccess)
	assert.Equal(t, uint8(7), cfg.RTS.RnrRetry)
	assert.True(t, cfg.FallbackSimulated)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "port must be"},
		{"gid index", func(c *Config) { c.GIDIndex = -1 }, "gid_index"},
		{"sge", func(c *Config) { c.MaxSGE = 1 }, "max_sge"},
		{"cq size", func(c *Config) { c.CompletionQueueSize = 8 }, "completion queue size"},
		{"agent depth", func(c *Config) { c.AgentRecvDepth = c.RecvQueueDepth + 1 }, "agent receive depth"},
		{"message size", func(c *Config) { c.AgentMessageSize = agentHeaderSize }, "agent message size"},
		{"arena", func(c *Config) { c.ArenaSize = 1024 }, "arena size"},
		{"arena access", func(c *Config) { c.ArenaAccess = AccessRemoteRead }, "local write"},
		{"poll batch", func(c *Config) { c.PollBatch = 0 }, "poll batch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOpenBackendSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackendName = BackendSimulated

	b, err := cfg.openBackend()
	require.NoError(t, err)
	assert.Equal(t, BackendSimulated, b.Name())

	cfg.BackendName = "carrier-pigeon"
	_, err = cfg.openBackend()
	require.ErrorIs(t, err, ErrDevice)

	// Without hardware, auto falls back to the simulated fabric.
	cfg.BackendName = BackendAuto
	if b, err = cfg.openBackend(); err == nil && b.Name() != BackendSimulated {
		t.Skip("hardware verbs available")
	}

	require.NoError(t, err)
	assert.Equal(t, BackendSimulated, b.Name())

	cfg.FallbackSimulated = false
	_, err = cfg.openBackend()
	assert.ErrorIs(t, err, ErrDevice)
}

func TestInjectedBackendWins(t *testing.T) {
	private := newTestBackend(t)

	cfg := DefaultConfig()
	cfg.BackendName = "carrier-pigeon"
	cfg.Backend = private

	b, err := cfg.openBackend()
	require.NoError(t, err)
	assert.Same(t, private, b)
}
