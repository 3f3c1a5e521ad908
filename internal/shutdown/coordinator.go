// Package shutdown provides graceful shutdown coordination for asyncrdma
// services.
//
// The coordinator runs a phased sequence:
//
//  1. Draining - Wait for in-flight handlers to finish
//  2. Connections - Close every tracked RDMA connection
//  3. Listener - Close the bootstrap listener
//  4. Admin - Shutdown the admin HTTP server
//
// Each phase has its own timeout and the whole sequence is bounded by
// TotalTimeout.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseConnections    Phase = "connections"
	PhaseListener       Phase = "listener"
	PhaseAdmin          Phase = "admin"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight handlers to complete.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// ConnectionTimeout is the time to wait for connections to close.
	// Default: 10 seconds
	ConnectionTimeout time.Duration

	// HTTPTimeout is the time to wait for the admin server to shutdown.
	// Default: 5 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is reported as forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:      30 * time.Second,
		DrainTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		HTTPTimeout:       5 * time.Second,
		ForceTimeout:      5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// ConnectionCloser closes every live connection, e.g. *rdma.ConnectionTracker.
type ConnectionCloser interface {
	Len() int
	CloseAll() error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// InFlightTracker tracks in-flight handlers.
type InFlightTracker interface {
	// InFlightCount returns the number of in-flight handlers
	InFlightCount() int64
	// WaitForDrain waits for all in-flight handlers to complete
	WaitForDrain(ctx context.Context) error
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// InFlightTracker tracks connection handlers for draining
	InFlightTracker InFlightTracker

	// Connections are the live RDMA connections
	Connections ConnectionCloser

	// Listener is the bootstrap listener
	Listener io.Closer

	// AdminServer is the admin HTTP server
	AdminServer HTTPServerShutdown
}

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase. Hooks run at
// the start of their phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components. Only the first call
// does any work.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeConnectionsPhase(shutdownCtx, components)
	c.executeListenerPhase(shutdownCtx, components)
	c.executeAdminPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.InFlightTracker == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.InFlightTracker.InFlightCount()
	SetInFlightHandlers(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight_handlers", inFlight).Msg("Waiting for in-flight handlers to complete")

		if err := components.InFlightTracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.InFlightTracker.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightHandlers(0)
}

func (c *Coordinator) executeConnectionsPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseConnections)
	c.runHooks(ctx, PhaseConnections)

	if components.Connections == nil {
		return
	}

	connCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	n := components.Connections.Len()
	c.run(connCtx, "connections", components.Connections.CloseAll)
	AddConnectionsClosed(n)
}

func (c *Coordinator) executeListenerPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseListener)
	c.runHooks(ctx, PhaseListener)

	if components.Listener == nil {
		return
	}

	c.run(ctx, "listener", components.Listener.Close)
}

func (c *Coordinator) executeAdminPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseAdmin)
	c.runHooks(ctx, PhaseAdmin)

	if components.AdminServer == nil {
		return
	}

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	srv := components.AdminServer
	c.run(httpCtx, srv.Name(), func() error { return srv.Shutdown(httpCtx) })
}

// run calls fn and waits for it or ctx, whichever ends first.
func (c *Coordinator) run(ctx context.Context, name string, fn func() error) {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error shutting down component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component shut down")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout shutting down component")
		c.addError(ctx.Err())
	}
}
