// Package commands implements the asyncrdma command line.
package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/asyncrdma/internal/config"
)

// globalFlags are the persistent flags every command shares.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	backend    string
	device     string
}

// NewRootCmd builds the asyncrdma command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "asyncrdma",
		Short: "asyncrdma - asynchronous RDMA transport",
		Long: `asyncrdma connects peers over RDMA queue pairs bootstrapped through TCP,
and moves data with SEND/RECEIVE, one-sided READ/WRITE and memory region
capabilities exchanged by a control agent.

Without RDMA hardware, use the in-process simulated fabric:
  asyncrdma demo --backend sim

Configuration is read from asyncrdma.yaml (., /etc/asyncrdma, $HOME/.asyncrdma)
and ASYNCRDMA_* environment variables, e.g.
  ASYNCRDMA_RDMA_BACKEND=verbs
  ASYNCRDMA_RDMA_DEVICE_NAME=mlx5_0`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format (console, json)")
	flags.StringVar(&g.backend, "backend", "", "Verbs backend (auto, sim, verbs)")
	flags.StringVar(&g.device, "device", "", "RDMA device name")

	rootCmd.AddCommand(newServeCmd(g))
	rootCmd.AddCommand(newConnectCmd(g))
	rootCmd.AddCommand(newDemoCmd(g))
	rootCmd.AddCommand(newDevicesCmd(g))
	rootCmd.AddCommand(newConfigCmd(g))

	return rootCmd
}

// load reads the configuration with the persistent flags and opts applied,
// then configures logging from it.
func (g *globalFlags) load(opts config.Options) (*config.Config, error) {
	opts.Backend = g.backend
	opts.DeviceName = g.device
	opts.LogLevel = g.logLevel

	cfg, err := config.Load(g.configPath, opts)
	if err != nil {
		return nil, err
	}

	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}

	setupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	return cfg, nil
}

// setupLogging configures the global zerolog logger.
func setupLogging(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"})
}
