package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestBackend returns a private simulated fabric so tests never share
// queue pairs or keys through the process-wide one.
func newTestBackend(t *testing.T) *SimulatedVerbsBackend {
	t.Helper()

	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func newTestDevice(t *testing.T) (*SimulatedVerbsBackend, *DeviceContext) {
	t.Helper()

	b := newTestBackend(t)

	dev, err := OpenDeviceContext(b, "", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Release() })

	return b, dev
}

func newTestAllocator(t *testing.T, dev *DeviceContext, size int, access Access) *MRAllocator {
	t.Helper()

	a, err := NewMRAllocator(dev, size, access, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.ForceClose() })

	return a
}

// newTestListener creates a channel-backed completion queue and its listener.
func newTestListener(t *testing.T, dev *DeviceContext, opTimeout time.Duration) (*CompletionQueue, *EventListener) {
	t.Helper()

	cq, err := NewCompletionQueue(dev, 64, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cq.Close() })

	l := NewEventListener(cq, 4, opTimeout, zerolog.Nop())
	t.Cleanup(l.Close)

	return cq, l
}

// testQP is a queue pair with its own completion plumbing and arena.
type testQP struct {
	qp       *QueuePair
	cq       *CompletionQueue
	listener *EventListener
	alloc    *MRAllocator
}

func newTestQP(t *testing.T, dev *DeviceContext) *testQP {
	t.Helper()

	cq, l := newTestListener(t, dev, 5*time.Second)

	qp, err := NewQueuePair(dev, cq, l, VerbsQPCap{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSge: 2, MaxRecvSge: 2}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = qp.Close() })

	return &testQP{
		qp:       qp,
		cq:       cq,
		listener: l,
		alloc:    newTestAllocator(t, dev, 64<<10, AccessAll),
	}
}

// connectQPs drives two queue pairs through INIT, RTR and RTS against each other.
func connectQPs(t *testing.T, a, b *QueuePair) {
	t.Helper()

	require.NoError(t, a.ModifyToInit(AccessAll))
	require.NoError(t, b.ModifyToInit(AccessAll))
	require.NoError(t, a.ModifyToRTR(b.Endpoint(), DefaultRTRParams()))
	require.NoError(t, b.ModifyToRTR(a.Endpoint(), DefaultRTRParams()))
	require.NoError(t, a.ModifyToRTS(DefaultRTSParams()))
	require.NoError(t, b.ModifyToRTS(DefaultRTSParams()))
}

func testConfig(backend VerbsBackend) *Config {
	nop := zerolog.Nop()

	cfg := DefaultConfig()
	cfg.Backend = backend
	cfg.Logger = &nop
	cfg.ArenaSize = 1 << 20
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.OperationTimeout = 5 * time.Second

	return cfg
}

// connectedPair establishes a client and a server connection over one
// private fabric. mutate, when given, adjusts the client and server configs.
func connectedPair(t *testing.T, mutate ...func(client, server *Config)) (*Connection, *Connection) {
	t.Helper()

	backend := newTestBackend(t)
	clientCfg, serverCfg := testConfig(backend), testConfig(backend)

	for _, fn := range mutate {
		fn(clientCfg, serverCfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0", serverCfg)
	require.NoError(t, err)

	defer ln.Close()

	type accepted struct {
		conn *Connection
		err  error
	}

	ch := make(chan accepted, 1)

	go func() {
		conn, err := ln.Accept(ctx)
		ch <- accepted{conn, err}
	}()

	client, err := Connect(ctx, ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	res := <-ch
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.conn.Close() })

	return client, res.conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// fill allocates a region holding data.
func fill(t *testing.T, c *Connection, data []byte) *LocalMemoryRegion {
	t.Helper()

	lmr, err := c.AllocLocal(len(data))
	require.NoError(t, err)
	copy(lmr.Bytes(), data)

	return lmr
}
