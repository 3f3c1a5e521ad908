// Package rdma provides an asynchronous RDMA transport.
//
// Two peers bootstrap a reliable-connection queue pair over TCP and then
// exchange data with zero-copy SEND/RECEIVE and one-sided READ/WRITE against
// registered memory. Every work request is posted with a unique request ID;
// a per-connection EventListener goroutine turns completion-queue events
// into resolved futures, so callers simply block on a context.
//
// Supported backends:
// - sim: in-process fabric, always available
// - verbs: libibverbs (InfiniBand, RoCE v2), built with the rdma_hw tag
package rdma

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend selection constants.
const (
	BackendAuto  = "auto" // Prefer hardware, see Config.FallbackSimulated
	BackendVerbs = "verbs"
)

// RTRParams are the fixed protocol tunings applied on INIT->RTR.
type RTRParams struct {
	// PathMTU is an IBV_MTU_* value; zero uses the port's active MTU.
	PathMTU         int
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
}

// RTSParams are the local tunings applied on RTR->RTS.
type RTSParams struct {
	Timeout     uint8
	RetryCnt    uint8
	RnrRetry    uint8
	MaxRdAtomic uint8
}

// DefaultRTRParams returns the receive-side tuning used by both peers.
func DefaultRTRParams() RTRParams {
	return RTRParams{
		MaxDestRdAtomic: 1,
		MinRnrTimer:     0x12,
	}
}

// DefaultRTSParams returns the send-side tuning used by both peers.
func DefaultRTSParams() RTSParams {
	return RTSParams{
		Timeout:     0x12,
		RetryCnt:    6,
		RnrRetry:    7, // infinite: a peer may still be posting its agent receive ring
		MaxRdAtomic: 1,
	}
}

// Config holds RDMA transport configuration.
type Config struct {
	Logger              *zerolog.Logger
	Backend             VerbsBackend
	Tracker             *ConnectionTracker
	BackendName         string
	DeviceName          string
	RTR                 RTRParams
	RTS                 RTSParams
	Port                int
	GIDIndex            int
	CompletionQueueSize int
	SendQueueDepth      int
	RecvQueueDepth      int
	MaxSGE              int
	ArenaSize           int
	AgentRecvDepth      int
	AgentMessageSize    int
	CompressThreshold   int
	PollBatch           int
	ConnectionTimeout   time.Duration
	OperationTimeout    time.Duration
	ArenaAccess         Access
	GrantAccess         Access
	FallbackSimulated   bool
}

// DefaultConfig returns a default RDMA configuration.
func DefaultConfig() *Config {
	return &Config{
		BackendName:         BackendAuto,
		Port:                1,
		CompletionQueueSize: 256,
		SendQueueDepth:      128,
		RecvQueueDepth:      128,
		MaxSGE:              4,
		ArenaSize:           4 << 20, // 4MB
		ArenaAccess:         AccessAll,
		GrantAccess:         AccessAll,
		AgentRecvDepth:      8,
		AgentMessageSize:    4096,
		CompressThreshold:   1024,
		PollBatch:           16,
		ConnectionTimeout:   10 * time.Second,
		OperationTimeout:    30 * time.Second,
		FallbackSimulated:   true,
		RTR:                 DefaultRTRParams(),
		RTS:                 DefaultRTSParams(),
	}
}

// Validate checks the configuration for values the transport cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 {
		errs = append(errs, fmt.Errorf("port must be >= 1, got %d", c.Port))
	}

	if c.GIDIndex < 0 {
		errs = append(errs, fmt.Errorf("gid_index cannot be negative, got %d", c.GIDIndex))
	}

	if c.SendQueueDepth < 1 || c.RecvQueueDepth < 1 || c.MaxSGE < 2 {
		errs = append(errs, errors.New("queue depths must be positive and max_sge at least 2"))
	}

	if c.CompletionQueueSize < c.SendQueueDepth+c.RecvQueueDepth {
		errs = append(errs, fmt.Errorf("completion queue size %d cannot hold %d outstanding requests",
			c.CompletionQueueSize, c.SendQueueDepth+c.RecvQueueDepth))
	}

	if c.AgentRecvDepth < 1 || c.AgentRecvDepth > c.RecvQueueDepth {
		errs = append(errs, fmt.Errorf("agent receive depth must be in [1, %d], got %d", c.RecvQueueDepth, c.AgentRecvDepth))
	}

	if c.AgentMessageSize <= agentHeaderSize+objectHeaderSize {
		errs = append(errs, fmt.Errorf("agent message size must exceed %d bytes", agentHeaderSize+objectHeaderSize))
	}

	if c.ArenaSize < c.AgentRecvDepth*c.AgentMessageSize*2 {
		errs = append(errs, fmt.Errorf("arena size %d is too small for %d agent buffers of %d bytes",
			c.ArenaSize, c.AgentRecvDepth, c.AgentMessageSize))
	}

	if c.ArenaAccess&AccessLocalWrite == 0 {
		errs = append(errs, errors.New("arena access must include local write"))
	}

	if c.PollBatch < 1 {
		errs = append(errs, fmt.Errorf("poll batch must be positive, got %d", c.PollBatch))
	}

	return errors.Join(errs...)
}

func (c *Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}

	return log.Logger
}

// openBackend resolves the configured verbs backend.
func (c *Config) openBackend() (VerbsBackend, error) {
	if c.Backend != nil {
		if err := c.Backend.Init(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}

		return c.Backend, nil
	}

	name := c.BackendName
	if name == "" || name == BackendAuto {
		backend, err := OpenBackend(BackendVerbs)
		if err == nil {
			return backend, nil
		}

		if !c.FallbackSimulated {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}

		l := c.logger()
		l.Debug().Err(err).Msg("Hardware verbs unavailable, using simulated fabric")

		name = BackendSimulated
	}

	backend, err := OpenBackend(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	return backend, nil
}

// resolveConfig returns cfg or the defaults, validated.
func resolveConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RDMA config: %w", err)
	}

	return cfg, nil
}
