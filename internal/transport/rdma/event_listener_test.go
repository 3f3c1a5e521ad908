package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inject delivers a work completion to cq as if the device produced it.
func inject(b *SimulatedVerbsBackend, cq *CompletionQueue, wc VerbsWorkCompletion) {
	b.mu.RLock()
	scq := b.cqs[cq.cq]
	b.mu.RUnlock()

	b.complete(scq, wc)
}

func TestEventListenerMatchesByRequestID(t *testing.T) {
	b, dev := newTestDevice(t)
	cq, l := newTestListener(t, dev, time.Second)

	first, err := l.Register(OpSend)
	require.NoError(t, err)

	second, err := l.Register(OpWrite)
	require.NoError(t, err)

	assert.Greater(t, second.ID(), first.ID())
	assert.Equal(t, 2, l.Pending())

	inject(b, cq, VerbsWorkCompletion{WRID: second.ID(), Status: WCSuccess, ByteLen: 7})
	inject(b, cq, VerbsWorkCompletion{WRID: first.ID(), Status: WCRemoteAccessErr})

	ctx := testContext(t)

	n, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = first.Wait(ctx)
	require.ErrorIs(t, err, ErrCompletion)
	assert.True(t, IsCompletionStatus(err, WCRemoteAccessErr))

	st := l.Stats()
	assert.Zero(t, st.Pending)
	assert.Equal(t, uint64(2), st.Resolved)
}

func TestEventListenerCountsUnknownCompletions(t *testing.T) {
	b, dev := newTestDevice(t)
	cq, l := newTestListener(t, dev, time.Second)

	inject(b, cq, VerbsWorkCompletion{WRID: 999, Status: WCSuccess})

	assert.Eventually(t, func() bool { return l.Stats().Unmatched == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventListenerAbandonedRequest(t *testing.T) {
	b, dev := newTestDevice(t)
	cq, l := newTestListener(t, dev, time.Second)

	a := newTestAllocator(t, dev, 4096, AccessAll)
	region, err := a.AllocDefault(64)
	require.NoError(t, err)

	c, err := l.Register(OpRead, region)
	require.NoError(t, err)

	region.Release()
	assert.Equal(t, 1, a.Stats().LiveRegions, "the pending request holds the region")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.Wait(ctx)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, 1, l.Stats().Abandoned)

	// The late completion is dropped and frees what the request held.
	inject(b, cq, VerbsWorkCompletion{WRID: c.ID(), Status: WCSuccess, ByteLen: 64})

	assert.Eventually(t, func() bool {
		st := l.Stats()
		return st.Abandoned == 0 && st.Unmatched == 1
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, a.Stats().LiveRegions)

	_, err = c.Result()
	assert.ErrorIs(t, err, ErrTimedOut, "a completion resolves once")
}

func TestEventListenerCanceledWait(t *testing.T) {
	_, dev := newTestDevice(t)
	_, l := newTestListener(t, dev, time.Second)

	c, err := l.Register(OpWrite)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestEventListenerOperationTimeout(t *testing.T) {
	_, dev := newTestDevice(t)
	_, l := newTestListener(t, dev, 10*time.Millisecond)

	c, err := l.Register(OpSend)
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestEventListenerReceiveWaitsForPeer(t *testing.T) {
	b, dev := newTestDevice(t)
	cq, l := newTestListener(t, dev, 10*time.Millisecond)

	c, err := l.Register(OpReceive)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := c.Wait(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("receive resolved before any message: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	inject(b, cq, VerbsWorkCompletion{WRID: c.ID(), Status: WCSuccess, ByteLen: 3})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive not resolved by its completion")
	}
}

func TestEventListenerForget(t *testing.T) {
	_, dev := newTestDevice(t)
	_, l := newTestListener(t, dev, time.Second)

	c, err := l.Register(OpSend)
	require.NoError(t, err)

	l.Forget(c.ID())

	_, err = c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, l.Pending())
}

func TestEventListenerCloseFailsOutstanding(t *testing.T) {
	_, dev := newTestDevice(t)
	_, l := newTestListener(t, dev, time.Second)

	a := newTestAllocator(t, dev, 4096, AccessAll)
	region, err := a.AllocDefault(32)
	require.NoError(t, err)

	pending := make([]*Completion, 0, 4)

	for range 4 {
		c, err := l.Register(OpReceive, region)
		require.NoError(t, err)

		pending = append(pending, c)
	}

	region.Release()
	l.Close()

	for _, c := range pending {
		_, err := c.Wait(context.Background())
		assert.ErrorIs(t, err, ErrDisconnected)
	}

	select {
	case <-l.Done():
	default:
		t.Fatal("listener loop still running")
	}

	assert.Zero(t, a.Stats().LiveRegions)

	_, err = l.Register(OpSend)
	assert.ErrorIs(t, err, ErrDisconnected)
}
