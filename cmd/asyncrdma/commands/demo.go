package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/asyncrdma/internal/config"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

func newDemoCmd(g *globalFlags) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a server and a client in one process",
		Long: `Demo starts the echo service on a loopback address, connects to it and
runs the exchange. With --backend sim it needs no RDMA hardware.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(config.Options{ListenAddress: "127.0.0.1:0"})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDemo(ctx, cfg, message, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "hello, rdma", "Payload to exchange")

	return cmd
}

// runDemo serves exactly one connection and drives the exchange against it.
func runDemo(ctx context.Context, cfg *config.Config, message string, out io.Writer) error {
	tc, err := cfg.RDMA.ToTransportConfig()
	if err != nil {
		return err
	}

	serverCfg := *tc
	serverCfg.Tracker = rdma.NewConnectionTracker()

	ln, err := rdma.Listen(ctx, cfg.RDMA.ListenAddress, &serverCfg)
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck // closed on every path below

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		conn, err := ln.Accept(gctx)
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		serveConnection(gctx, conn)

		return nil
	})

	g.Go(func() error {
		conn, res, err := dialAndExchange(gctx, ln.Addr().String(), tc, message)
		if err != nil {
			return err
		}

		printExchange(out, conn, res)

		// Closing the client ends the server handler through the bootstrap stream.
		return conn.Close()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return serverCfg.Tracker.CloseAll()
}
