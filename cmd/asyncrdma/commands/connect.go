package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/asyncrdma/internal/config"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

func newConnectCmd(g *globalFlags) *cobra.Command {
	var (
		message string
		count   int
	)

	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a serving peer and run the exchange",
		Long: `Connect bootstraps a queue pair with a peer running "asyncrdma serve" and
exercises every transfer: a value, a data message, a lent memory region and
one-sided WRITE/READ against memory allocated on the peer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}

			tc, err := cfg.RDMA.ToTransportConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := rdma.Connect(ctx, args[0], tc)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", args[0], err)
			}
			defer conn.Close() //nolint:errcheck // best effort on exit

			for i := range count {
				res, err := runExchange(ctx, conn, message)
				if err != nil {
					return fmt.Errorf("exchange %d: %w", i+1, err)
				}

				printExchange(cmd.OutOrStdout(), conn, res)
			}

			log.Debug().Interface("stats", conn.Stats()).Msg("Exchange finished")

			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "hello, rdma", "Payload to exchange")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of exchanges")

	return cmd
}

// dialAndExchange is connect without the command plumbing.
func dialAndExchange(ctx context.Context, addr string, tc *rdma.Config, message string) (*rdma.Connection, exchangeResult, error) {
	conn, err := rdma.Connect(ctx, addr, tc)
	if err != nil {
		return nil, exchangeResult{}, err
	}

	res, err := runExchange(ctx, conn, message)
	if err != nil {
		_ = conn.Close()
		return nil, res, err
	}

	return conn, res, nil
}
