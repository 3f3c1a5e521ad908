// Package config provides configuration management for asyncrdma.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (ASYNCRDMA_* prefix)
//  3. Configuration file (asyncrdma.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/asyncrdma/asyncrdma.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rdmaCfg, err := cfg.RDMA.ToTransportConfig()
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

// Config holds all configuration for asyncrdma.
type Config struct {
	// RDMA transport configuration
	RDMA RDMAConfig `mapstructure:"rdma" yaml:"rdma"`

	// Admin HTTP server configuration
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// Shutdown timeouts
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`

	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// RDMAConfig holds the transport settings.
type RDMAConfig struct {
	// Backend is "auto", "sim" or "verbs"
	Backend string `mapstructure:"backend" yaml:"backend"`

	// ListenAddress is the TCP address the bootstrap listener binds
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0"); empty picks the first
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// Port is the device port number
	Port int `mapstructure:"port" yaml:"port"`

	// GIDIndex is the GID index for RoCE
	GIDIndex int `mapstructure:"gid_index" yaml:"gid_index"`

	// CompletionQueueSize is the number of CQ entries per connection
	CompletionQueueSize int `mapstructure:"completion_queue_size" yaml:"completion_queue_size"`

	// MaxSendWR is max send work requests per QP
	MaxSendWR int `mapstructure:"max_send_wr" yaml:"max_send_wr"`

	// MaxRecvWR is max receive work requests per QP
	MaxRecvWR int `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`

	// MaxSGE is max scatter/gather elements per work request
	MaxSGE int `mapstructure:"max_sge" yaml:"max_sge"`

	// ArenaSize is the registered memory arena size per connection
	ArenaSize int `mapstructure:"arena_size" yaml:"arena_size"`

	// ArenaAccess lists the rights the arena is registered with
	ArenaAccess string `mapstructure:"arena_access" yaml:"arena_access"`

	// GrantAccess caps the rights handed to peers for remote allocations
	GrantAccess string `mapstructure:"grant_access" yaml:"grant_access"`

	AgentRecvDepth    int `mapstructure:"agent_recv_depth" yaml:"agent_recv_depth"`
	AgentMessageSize  int `mapstructure:"agent_message_size" yaml:"agent_message_size"`
	CompressThreshold int `mapstructure:"compress_threshold" yaml:"compress_threshold"`
	PollBatch         int `mapstructure:"poll_batch" yaml:"poll_batch"`

	// ConnectionTimeout bounds connect/accept when the caller sets no deadline
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// OperationTimeout bounds a single work request when the caller sets no deadline
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`

	// FallbackSimulated uses the simulated fabric when "auto" finds no hardware
	FallbackSimulated bool `mapstructure:"fallback_simulated" yaml:"fallback_simulated"`

	// Queue pair tuning
	PathMTU     int   `mapstructure:"path_mtu" yaml:"path_mtu"`
	MinRnrTimer uint8 `mapstructure:"min_rnr_timer" yaml:"min_rnr_timer"`
	AckTimeout  uint8 `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	RetryCount  uint8 `mapstructure:"retry_count" yaml:"retry_count"`
	RnrRetry    uint8 `mapstructure:"rnr_retry" yaml:"rnr_retry"`
}

// AdminConfig holds the admin HTTP server configuration.
type AdminConfig struct {
	// Enabled starts the admin server alongside serve
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the admin listen address
	Address string `mapstructure:"address" yaml:"address"`

	// CORSAllowedOrigins are the origins allowed to call the admin API
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins" yaml:"cors_allowed_origins"`
}

// ShutdownConfig holds the graceful shutdown timeouts.
type ShutdownConfig struct {
	TotalTimeout      time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// Options are command line overrides.
type Options struct {
	ListenAddress string
	AdminAddress  string
	Backend       string
	DeviceName    string
	LogLevel      string
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("asyncrdma")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/asyncrdma")
		v.AddConfigPath("$HOME/.asyncrdma")

		// A missing file is fine, a broken one is not.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ASYNCRDMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ListenAddress != "" {
		v.Set("rdma.listen_address", opts.ListenAddress)
	}
	if opts.AdminAddress != "" {
		v.Set("admin.address", opts.AdminAddress)
	}
	if opts.Backend != "" {
		v.Set("rdma.backend", opts.Backend)
	}
	if opts.DeviceName != "" {
		v.Set("rdma.device_name", opts.DeviceName)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file, environment or options.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

func setDefaults(v *viper.Viper) {
	d := rdma.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// RDMA defaults
	v.SetDefault("rdma.backend", d.BackendName)
	v.SetDefault("rdma.listen_address", ":7471")
	v.SetDefault("rdma.device_name", "")
	v.SetDefault("rdma.port", d.Port)
	v.SetDefault("rdma.gid_index", d.GIDIndex)
	v.SetDefault("rdma.completion_queue_size", d.CompletionQueueSize)
	v.SetDefault("rdma.max_send_wr", d.SendQueueDepth)
	v.SetDefault("rdma.max_recv_wr", d.RecvQueueDepth)
	v.SetDefault("rdma.max_sge", d.MaxSGE)
	v.SetDefault("rdma.arena_size", d.ArenaSize)
	v.SetDefault("rdma.arena_access", d.ArenaAccess.String())
	v.SetDefault("rdma.grant_access", d.GrantAccess.String())
	v.SetDefault("rdma.agent_recv_depth", d.AgentRecvDepth)
	v.SetDefault("rdma.agent_message_size", d.AgentMessageSize)
	v.SetDefault("rdma.compress_threshold", d.CompressThreshold)
	v.SetDefault("rdma.poll_batch", d.PollBatch)
	v.SetDefault("rdma.connection_timeout", d.ConnectionTimeout)
	v.SetDefault("rdma.operation_timeout", d.OperationTimeout)
	v.SetDefault("rdma.fallback_simulated", d.FallbackSimulated)
	v.SetDefault("rdma.path_mtu", d.RTR.PathMTU)
	v.SetDefault("rdma.min_rnr_timer", d.RTR.MinRnrTimer)
	v.SetDefault("rdma.ack_timeout", d.RTS.Timeout)
	v.SetDefault("rdma.retry_count", d.RTS.RetryCnt)
	v.SetDefault("rdma.rnr_retry", d.RTS.RnrRetry)

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", "127.0.0.1:7472")
	v.SetDefault("admin.cors_allowed_origins", []string{})

	// Shutdown defaults
	v.SetDefault("shutdown.total_timeout", 30*time.Second)
	v.SetDefault("shutdown.drain_timeout", 10*time.Second)
	v.SetDefault("shutdown.connection_timeout", 10*time.Second)
	v.SetDefault("shutdown.http_timeout", 5*time.Second)
}

var (
	validLogLevels  = []string{"trace", "debug", "info", "warn", "error"}
	validLogFormats = []string{"console", "json"}
	validBackends   = []string{rdma.BackendAuto, rdma.BackendSimulated, rdma.BackendVerbs}
)

func (c *Config) validate() error {
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("log_level must be one of %v, got %q", validLogLevels, c.LogLevel)
	}

	if !slices.Contains(validLogFormats, c.LogFormat) {
		return fmt.Errorf("log_format must be one of %v, got %q", validLogFormats, c.LogFormat)
	}

	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when the admin server is enabled")
	}

	if c.Shutdown.TotalTimeout <= 0 {
		return fmt.Errorf("shutdown.total_timeout must be positive")
	}

	return c.RDMA.Validate()
}

// Validate checks the RDMA settings, including everything the transport
// itself rejects.
func (c *RDMAConfig) Validate() error {
	if !slices.Contains(validBackends, c.Backend) {
		return fmt.Errorf("rdma.backend must be one of %v, got %q", validBackends, c.Backend)
	}

	if c.ListenAddress == "" {
		return fmt.Errorf("rdma.listen_address cannot be empty")
	}

	if c.PathMTU < 0 || c.PathMTU > rdma.MTU4096 {
		return fmt.Errorf("rdma.path_mtu must be 0 (port default) or an IBV_MTU value 1-5, got %d", c.PathMTU)
	}

	if c.RetryCount > 7 || c.RnrRetry > 7 {
		return fmt.Errorf("rdma.retry_count and rdma.rnr_retry are 3-bit values")
	}

	if _, err := c.ToTransportConfig(); err != nil {
		return err
	}

	return nil
}

// ToTransportConfig converts the settings into an rdma.Config.
func (c *RDMAConfig) ToTransportConfig() (*rdma.Config, error) {
	arenaAccess, err := rdma.ParseAccess(c.ArenaAccess)
	if err != nil {
		return nil, fmt.Errorf("rdma.arena_access: %w", err)
	}

	grantAccess, err := rdma.ParseAccess(c.GrantAccess)
	if err != nil {
		return nil, fmt.Errorf("rdma.grant_access: %w", err)
	}

	cfg := rdma.DefaultConfig()
	cfg.BackendName = c.Backend
	cfg.DeviceName = c.DeviceName
	cfg.Port = c.Port
	cfg.GIDIndex = c.GIDIndex
	cfg.CompletionQueueSize = c.CompletionQueueSize
	cfg.SendQueueDepth = c.MaxSendWR
	cfg.RecvQueueDepth = c.MaxRecvWR
	cfg.MaxSGE = c.MaxSGE
	cfg.ArenaSize = c.ArenaSize
	cfg.ArenaAccess = arenaAccess
	cfg.GrantAccess = grantAccess
	cfg.AgentRecvDepth = c.AgentRecvDepth
	cfg.AgentMessageSize = c.AgentMessageSize
	cfg.CompressThreshold = c.CompressThreshold
	cfg.PollBatch = c.PollBatch
	cfg.ConnectionTimeout = c.ConnectionTimeout
	cfg.OperationTimeout = c.OperationTimeout
	cfg.FallbackSimulated = c.FallbackSimulated
	cfg.RTR.PathMTU = c.PathMTU
	cfg.RTR.MinRnrTimer = c.MinRnrTimer
	cfg.RTS.Timeout = c.AckTimeout
	cfg.RTS.RetryCnt = c.RetryCount
	cfg.RTS.RnrRetry = c.RnrRetry

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rdma config: %w", err)
	}

	return cfg, nil
}
