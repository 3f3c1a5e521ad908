package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/asyncrdma/internal/admin"
	"github.com/piwi3910/asyncrdma/internal/config"
	"github.com/piwi3910/asyncrdma/internal/health"
	"github.com/piwi3910/asyncrdma/internal/shutdown"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen, adminAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept RDMA connections and run the echo service",
		Long: `Serve listens for bootstrap connections and serves every peer:
  values are echoed back unchanged,
  data messages are echoed back,
  lent memory regions are read, upper-cased in place and handed back.

The admin server exposes /metrics, /healthz, /health/* and /debug/* while serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(config.Options{ListenAddress: listen, AdminAddress: adminAddr})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Bootstrap listen address")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Admin HTTP listen address")

	return cmd
}

// runServe serves until ctx is cancelled, then shuts down in phases.
func runServe(ctx context.Context, cfg *config.Config) error {
	tc, err := cfg.RDMA.ToTransportConfig()
	if err != nil {
		return err
	}

	tracker := rdma.NewConnectionTracker()
	tc.Tracker = tracker

	ln, err := rdma.Listen(ctx, cfg.RDMA.ListenAddress, tc)
	if err != nil {
		return err
	}

	handlers := newHandlerGroup()
	components := shutdown.ShutdownComponents{
		InFlightTracker: handlers,
		Connections:     tracker,
		Listener:        ln,
	}

	g, gctx := errgroup.WithContext(ctx)

	checker := health.NewChecker(ln.Backend(), tracker)
	checker.SetReady(true)

	if cfg.Admin.Enabled {
		srv := admin.NewServer(admin.Options{
			Address:            cfg.Admin.Address,
			CORSAllowedOrigins: cfg.Admin.CORSAllowedOrigins,
			Connections:        tracker,
			Backend:            ln.Backend(),
			Health:             checker,
		})
		components.AdminServer = srv

		g.Go(srv.ListenAndServe)
	}

	g.Go(func() error {
		return acceptLoop(gctx, ln, handlers)
	})

	<-gctx.Done()

	coord := shutdown.NewCoordinator(shutdown.Config{
		TotalTimeout:      cfg.Shutdown.TotalTimeout,
		DrainTimeout:      cfg.Shutdown.DrainTimeout,
		ConnectionTimeout: cfg.Shutdown.ConnectionTimeout,
		HTTPTimeout:       cfg.Shutdown.HTTPTimeout,
		ForceTimeout:      shutdown.DefaultConfig().ForceTimeout,
	})
	coord.RegisterHook(shutdown.PhaseDraining, func(context.Context) error {
		checker.SetReady(false)
		return nil
	})

	if err := coord.Shutdown(context.WithoutCancel(ctx), components); err != nil {
		return err
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if errs := coord.Errors(); len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}

	return nil
}

// acceptLoop accepts until ctx is cancelled and hands every connection to
// its own handler.
func acceptLoop(ctx context.Context, ln *rdma.Listener, handlers *handlerGroup) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rdma.ErrClosed) {
				return nil
			}

			// A failed handshake only loses that peer.
			log.Warn().Err(err).Msg("Failed to accept connection")

			continue
		}

		handlers.Go(func() {
			serveConnection(ctx, conn)
		})
	}
}

// serveConnection runs the echo service for one peer. When ctx is cancelled
// the connection is left open for the shutdown coordinator to close.
func serveConnection(ctx context.Context, conn *rdma.Connection) {
	logger := log.With().Str("conn_id", conn.ID().String()).Logger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return echoObjects(gctx, conn) })
	g.Go(func() error { return echoData(gctx, conn) })

	err := g.Wait()

	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, rdma.ErrDisconnected) {
		logger.Debug().Msg("Peer disconnected")
	} else if err != nil {
		logger.Warn().Err(err).Msg("Connection handler failed")
	}

	_ = conn.Close()
}

func echoObjects(ctx context.Context, conn *rdma.Connection) error {
	for {
		obj, err := conn.ReceiveObject(ctx)
		if err != nil {
			return err
		}

		switch o := obj.(type) {
		case rdma.ValueObject:
			err = conn.SendObject(ctx, o)
		case rdma.RemoteObject:
			err = upperRemote(ctx, conn, o.Region)
		case rdma.LocalObject:
			// A region we lent has come back.
			o.Region.Release()
		}

		if err != nil {
			return err
		}
	}
}

// upperRemote reads the peer region, upper-cases it, writes it back and
// returns the capability to its owner.
func upperRemote(ctx context.Context, conn *rdma.Connection, rmr rdma.RemoteMemoryRegion) error {
	if rmr.Length > conn.Allocator().Stats().ArenaSize {
		return fmt.Errorf("%w: peer region of %d bytes exceeds the arena", rdma.ErrResourceExhausted, rmr.Length)
	}

	lmr, err := conn.AllocLocal(int(rmr.Length)) //nolint:gosec // G115: bounded above
	if err != nil {
		return err
	}
	defer lmr.Release()

	if err := conn.Read(ctx, lmr, rmr); err != nil {
		return err
	}

	copy(lmr.Bytes(), bytes.ToUpper(lmr.Bytes()))

	if err := conn.Write(ctx, lmr, rmr); err != nil {
		return err
	}

	if err := conn.SendRemoteMR(ctx, rmr); err != nil {
		return err
	}

	return conn.ReleaseRemote(ctx, rmr)
}

func echoData(ctx context.Context, conn *rdma.Connection) error {
	buf, err := conn.AllocLocal(conn.Agent().MaxDataSize())
	if err != nil {
		return err
	}
	defer buf.Release()

	for {
		n, err := conn.Receive(ctx, buf)
		if err != nil {
			return err
		}

		msg, err := buf.Slice(0, n)
		if err != nil {
			return err
		}

		err = conn.Send(ctx, msg)
		msg.Release()

		if err != nil {
			return err
		}
	}
}

// handlerGroup counts running connection handlers so shutdown can drain them.
type handlerGroup struct {
	wg    sync.WaitGroup
	count atomic.Int64
}

func newHandlerGroup() *handlerGroup {
	return &handlerGroup{}
}

// Go runs fn as a tracked handler.
func (h *handlerGroup) Go(fn func()) {
	h.count.Add(1)
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		defer h.count.Add(-1)

		fn()
	}()
}

// InFlightCount implements shutdown.InFlightTracker.
func (h *handlerGroup) InFlightCount() int64 {
	return h.count.Load()
}

// WaitForDrain implements shutdown.InFlightTracker.
func (h *handlerGroup) WaitForDrain(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		h.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			log.Debug().Int64("in_flight", h.InFlightCount()).Msg("Waiting for connection handlers")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
