package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/asyncrdma/internal/metrics"
)

// Connection roles.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// ConnectionStats is a snapshot of one connection.
type ConnectionStats struct {
	Created   time.Time         `json:"created"`
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Peer      string            `json:"peer"`
	Device    string            `json:"device"`
	Backend   string            `json:"backend"`
	State     string            `json:"state"`
	Local     QueuePairEndpoint `json:"-"`
	Remote    QueuePairEndpoint `json:"-"`
	LocalQPN  uint32            `json:"local_qpn"`
	RemoteQPN uint32            `json:"remote_qpn"`
	Allocator AllocatorStats    `json:"allocator"`
	Listener  ListenerStats     `json:"listener"`
	Agent     AgentStats        `json:"agent"`
}

// Connection is an established RDMA connection: one queue pair, its
// completion queue and listener, a registered arena and the control agent.
type Connection struct {
	created  time.Time
	stream   net.Conn
	cfg      *Config
	dev      *DeviceContext
	alloc    *MRAllocator
	cq       *CompletionQueue
	listener *EventListener
	qp       *QueuePair
	agent    *Agent
	tracker  *ConnectionTracker
	closed   chan struct{}
	closeErr error
	logger   zerolog.Logger
	role     string
	id       uuid.UUID
	closing  atomic.Bool
	once     sync.Once
}

// Connect dials a listening peer and establishes a connection.
func Connect(ctx context.Context, addr string, cfg *Config) (*Connection, error) {
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withConnectionTimeout(ctx, cfg)
	defer cancel()

	backend, err := cfg.openBackend()
	if err != nil {
		metrics.RecordConnectionError("device")
		return nil, err
	}

	dev, err := OpenDeviceContext(backend, cfg.DeviceName, cfg.Port, cfg.GIDIndex)
	if err != nil {
		metrics.RecordConnectionError("device")
		return nil, err
	}
	defer dev.Release() //nolint:errcheck // the connection holds its own reference

	var dialer net.Dialer

	stream, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.RecordConnectionError("dial")
		return nil, fmt.Errorf("%w: dial %s: %w", ErrDisconnected, addr, err)
	}

	return establish(ctx, stream, cfg, dev, RoleClient)
}

func withConnectionTimeout(ctx context.Context, cfg *Config) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || cfg.ConnectionTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cfg.ConnectionTimeout)
}

// establish builds a connection over an open bootstrap stream. On failure
// everything built so far is torn down and stream is closed.
func establish(ctx context.Context, stream net.Conn, cfg *Config, dev *DeviceContext, role string) (conn *Connection, err error) {
	c := &Connection{
		id:      uuid.New(),
		created: time.Now(),
		stream:  stream,
		cfg:     cfg,
		role:    role,
		tracker: cfg.Tracker,
		closed:  make(chan struct{}),
	}

	base := cfg.logger()
	c.logger = base.With().
		Str("conn_id", c.id.String()).
		Str("role", role).
		Str("peer", stream.RemoteAddr().String()).
		Logger()

	var undo []func()

	stage := "setup"

	defer func() {
		if err == nil {
			return
		}

		for _, fn := range slices.Backward(undo) {
			fn()
		}

		_ = stream.Close()

		metrics.RecordConnectionError(stage)
		c.logger.Warn().Err(err).Str("stage", stage).Msg("Connection setup failed")
	}()

	c.dev = dev.Retain()
	undo = append(undo, func() { _ = c.dev.Release() })

	if c.alloc, err = NewMRAllocator(dev, cfg.ArenaSize, cfg.ArenaAccess, c.logger); err != nil {
		return nil, err
	}

	undo = append(undo, func() { _ = c.alloc.ForceClose() })

	if c.cq, err = NewCompletionQueue(dev, cfg.CompletionQueueSize, true); err != nil {
		return nil, err
	}

	undo = append(undo, func() { _ = c.cq.Close() })

	c.listener = NewEventListener(c.cq, cfg.PollBatch, cfg.OperationTimeout, c.logger)
	undo = append(undo, c.listener.Close)

	c.qp, err = NewQueuePair(dev, c.cq, c.listener, VerbsQPCap{
		MaxSendWR:  uint32(cfg.SendQueueDepth), //nolint:gosec // G115: validated positive
		MaxRecvWR:  uint32(cfg.RecvQueueDepth), //nolint:gosec // G115: validated positive
		MaxSendSge: uint32(cfg.MaxSGE),         //nolint:gosec // G115: validated positive
		MaxRecvSge: uint32(cfg.MaxSGE),         //nolint:gosec // G115: validated positive
	}, c.logger)
	if err != nil {
		return nil, err
	}

	undo = append(undo, func() { _ = c.qp.Close() })
	c.logger = c.logger.With().Uint32("qpn", c.qp.Endpoint().QPN).Logger()

	if err = c.qp.ModifyToInit(cfg.ArenaAccess); err != nil {
		return nil, err
	}

	stage = "exchange"

	remote, err := exchangeEndpoint(ctx, stream, c.qp.Endpoint())
	if err != nil {
		return nil, err
	}

	stage = "handshake"

	if err = c.qp.ModifyToRTR(remote, cfg.RTR); err != nil {
		return nil, err
	}

	if err = c.qp.ModifyToRTS(cfg.RTS); err != nil {
		return nil, err
	}

	stage = "agent"

	c.agent, err = NewAgent(c.qp, c.alloc, AgentConfig{
		RecvDepth:         cfg.AgentRecvDepth,
		MessageSize:       cfg.AgentMessageSize,
		CompressThreshold: cfg.CompressThreshold,
		GrantAccess:       cfg.GrantAccess,
		Timeout:           cfg.OperationTimeout,
	}, c.logger)
	if err != nil {
		return nil, err
	}

	if c.tracker != nil {
		c.tracker.add(c)
	}

	go c.watchStream()

	metrics.ConnectionOpened(role)
	c.logger.Info().
		Stringer("local", c.qp.Endpoint()).
		Stringer("remote", remote).
		Msg("Connection established")

	return c, nil
}

// watchStream treats the bootstrap stream as a liveness signal: the peer
// never writes to it after the exchange, so any read result means it is gone.
func (c *Connection) watchStream() {
	var b [1]byte

	_, err := c.stream.Read(b[:])

	if c.closing.Load() {
		return
	}

	c.logger.Info().Err(err).Msg("Peer closed the bootstrap stream")
	_ = c.Close()
}

// ID returns the connection's unique ID.
func (c *Connection) ID() uuid.UUID { return c.id }

// Role returns RoleClient or RoleServer.
func (c *Connection) Role() string { return c.role }

// LocalEndpoint returns this side's queue pair addressing.
func (c *Connection) LocalEndpoint() QueuePairEndpoint { return c.qp.Endpoint() }

// RemoteEndpoint returns the peer's queue pair addressing.
func (c *Connection) RemoteEndpoint() QueuePairEndpoint { return c.qp.RemoteEndpoint() }

// QueuePair returns the connection's queue pair.
func (c *Connection) QueuePair() *QueuePair { return c.qp }

// Allocator returns the connection's registered-memory allocator.
func (c *Connection) Allocator() *MRAllocator { return c.alloc }

// Agent returns the control agent.
func (c *Connection) Agent() *Agent { return c.agent }

// Done is closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// AllocLocal allocates size bytes of registered memory.
func (c *Connection) AllocLocal(size int) (*LocalMemoryRegion, error) {
	return c.alloc.AllocDefault(size)
}

// AllocLocalAligned allocates size bytes aligned to align.
func (c *Connection) AllocLocalAligned(size, align int) (*LocalMemoryRegion, error) {
	return c.alloc.Alloc(size, align)
}

// AllocLocalWithAccess allocates memory restricted to access.
func (c *Connection) AllocLocalWithAccess(size, align int, access Access) (*LocalMemoryRegion, error) {
	return c.alloc.AllocWithAccess(size, align, access)
}

// AllocRemote asks the peer for size bytes with the configured grant rights.
func (c *Connection) AllocRemote(ctx context.Context, size int) (RemoteMemoryRegion, error) {
	return c.agent.AllocMR(ctx, size, DefaultAlignment, c.cfg.GrantAccess)
}

// AllocRemoteWithAccess asks the peer for memory with specific rights.
func (c *Connection) AllocRemoteWithAccess(ctx context.Context, size, align int, access Access) (RemoteMemoryRegion, error) {
	return c.agent.AllocMR(ctx, size, align, access)
}

// Send sends lmr's bytes as one message.
func (c *Connection) Send(ctx context.Context, lmr *LocalMemoryRegion) error {
	return c.agent.SendData(ctx, lmr)
}

// Receive copies the next message into lmr and returns its length.
func (c *Connection) Receive(ctx context.Context, lmr *LocalMemoryRegion) (int, error) {
	return c.agent.ReceiveData(ctx, lmr)
}

// Write pushes lmr into the peer memory rmr names.
func (c *Connection) Write(ctx context.Context, lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) error {
	return c.qp.Write(ctx, lmr, rmr)
}

// Read pulls the peer memory rmr names into lmr.
func (c *Connection) Read(ctx context.Context, lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) error {
	return c.qp.Read(ctx, lmr, rmr)
}

// PostWrite starts a WRITE and returns its completion.
func (c *Connection) PostWrite(lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) (*Completion, error) {
	return c.qp.PostWrite(lmr, rmr)
}

// PostRead starts a READ and returns its completion.
func (c *Connection) PostRead(lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) (*Completion, error) {
	return c.qp.PostRead(lmr, rmr)
}

// SendObject transfers obj to the peer.
func (c *Connection) SendObject(ctx context.Context, obj Object) error {
	return c.agent.SendMR(ctx, obj)
}

// ReceiveObject returns the next object the peer sent.
func (c *Connection) ReceiveObject(ctx context.Context) (Object, error) {
	return c.agent.ReceiveMR(ctx)
}

// SendMR hands the peer a capability for lmr.
func (c *Connection) SendMR(ctx context.Context, lmr *LocalMemoryRegion) error {
	return c.agent.SendMR(ctx, LocalObject{Region: lmr})
}

// SendRemoteMR hands a capability back to the peer that owns it.
func (c *Connection) SendRemoteMR(ctx context.Context, rmr RemoteMemoryRegion) error {
	return c.agent.SendMR(ctx, RemoteObject{Region: rmr})
}

// ReceiveLocalMR receives one of our own regions back from the peer.
func (c *Connection) ReceiveLocalMR(ctx context.Context) (*LocalMemoryRegion, error) {
	return c.agent.ReceiveLocalMR(ctx)
}

// ReceiveRemoteMR receives a capability for peer memory.
func (c *Connection) ReceiveRemoteMR(ctx context.Context) (RemoteMemoryRegion, error) {
	return c.agent.ReceiveRemoteMR(ctx)
}

// SendValue encodes v and sends it.
func (c *Connection) SendValue(ctx context.Context, v any) error {
	obj, err := NewValue(v)
	if err != nil {
		return err
	}

	return c.agent.SendMR(ctx, obj)
}

// ReceiveValue receives the next object and decodes it into v.
func (c *Connection) ReceiveValue(ctx context.Context, v any) error {
	return c.agent.ReceiveValue(ctx, v)
}

// ReleaseRemote tells the peer rmr is no longer used.
func (c *Connection) ReleaseRemote(ctx context.Context, rmr RemoteMemoryRegion) error {
	return c.agent.ReleaseRemote(ctx, rmr)
}

// Stats returns a snapshot of the connection.
func (c *Connection) Stats() ConnectionStats {
	local, remote := c.qp.Endpoint(), c.qp.RemoteEndpoint()

	return ConnectionStats{
		Created:   c.created,
		ID:        c.id.String(),
		Role:      c.role,
		Peer:      c.stream.RemoteAddr().String(),
		Device:    c.dev.Info().Name,
		Backend:   c.dev.Backend().Name(),
		State:     c.qp.State().String(),
		Local:     local,
		Remote:    remote,
		LocalQPN:  local.QPN,
		RemoteQPN: remote.QPN,
		Allocator: c.alloc.Stats(),
		Listener:  c.listener.Stats(),
		Agent:     c.agent.Stats(),
	}
}

// Close tears the connection down. Operations still in flight are resolved
// with ErrDisconnected. Regions the caller still holds stay readable but can
// no longer be used for I/O.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.closing.Store(true)

		c.agent.Close()
		c.listener.Close()

		c.closeErr = errors.Join(
			c.qp.Close(),
			c.cq.Close(),
			c.alloc.ForceClose(),
			c.dev.Release(),
			c.stream.Close(),
		)

		if c.tracker != nil {
			c.tracker.remove(c)
		}

		metrics.ConnectionClosed()
		close(c.closed)
		c.logger.Info().Msg("Connection closed")
	})

	return c.closeErr
}

// Listener accepts connections on a TCP bootstrap address.
type Listener struct {
	ln     net.Listener
	cfg    *Config
	dev    *DeviceContext
	logger zerolog.Logger
	once   sync.Once
	err    error
}

// Listen opens the device and starts listening for bootstrap connections.
func Listen(ctx context.Context, addr string, cfg *Config) (*Listener, error) {
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := cfg.openBackend()
	if err != nil {
		return nil, err
	}

	dev, err := OpenDeviceContext(backend, cfg.DeviceName, cfg.Port, cfg.GIDIndex)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		_ = dev.Release()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	base := cfg.logger()
	l := &Listener{
		ln:  ln,
		cfg: cfg,
		dev: dev,
		logger: base.With().
			Str("component", "rdma-listener").
			Str("addr", ln.Addr().String()).
			Logger(),
	}

	l.logger.Info().
		Str("backend", backend.Name()).
		Str("device", dev.Info().Name).
		Msg("Listening for RDMA connections")

	return l, nil
}

// Addr returns the bootstrap address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Backend returns the verbs backend the listener's device was opened on.
func (l *Listener) Backend() VerbsBackend { return l.dev.Backend() }

// Accept waits for a peer and establishes a connection with it. The
// handshake is bounded by Config.ConnectionTimeout.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	stop := context.AfterFunc(ctx, func() {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Unix(1, 0))
		}
	})

	stream, err := l.ln.Accept()

	if !stop() {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Time{})
		}
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			if stream != nil {
				_ = stream.Close()
			}

			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("%w: accept: %w", ErrCancelled, ctx.Err())
			}

			return nil, fmt.Errorf("%w: accept: %w", ErrTimedOut, ctx.Err())
		case errors.Is(err, net.ErrClosed):
			return nil, fmt.Errorf("listener: %w", ErrClosed)
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}

	hctx, cancel := withConnectionTimeout(ctx, l.cfg)
	defer cancel()

	return establish(hctx, stream, l.cfg, l.dev, RoleServer)
}

// Close stops listening. Established connections are unaffected.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.err = errors.Join(l.ln.Close(), l.dev.Release())
	})

	return l.err
}

// ConnectionTracker keeps the set of live connections for inspection.
type ConnectionTracker struct {
	conns map[uuid.UUID]*Connection
	mu    sync.RWMutex
}

// NewConnectionTracker returns an empty tracker.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{conns: make(map[uuid.UUID]*Connection)}
}

func (t *ConnectionTracker) add(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[c.id] = c
}

func (t *ConnectionTracker) remove(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, c.id)
}

// Len returns the number of live connections.
func (t *ConnectionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.conns)
}

// Connections returns the live connections ordered by creation time.
func (t *ConnectionTracker) Connections() []*Connection {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))

	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int { return a.created.Compare(b.created) })

	return conns
}

// Snapshot returns stats for every live connection.
func (t *ConnectionTracker) Snapshot() []ConnectionStats {
	conns := t.Connections()

	stats := make([]ConnectionStats, len(conns))
	for i, c := range conns {
		stats[i] = c.Stats()
	}

	return stats
}

// CloseAll closes every live connection.
func (t *ConnectionTracker) CloseAll() error {
	var errs []error

	for _, c := range t.Connections() {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}
