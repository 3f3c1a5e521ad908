package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePairTransitionsInOrder(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestQP(t, dev)

	assert.Equal(t, StateReset, a.qp.State())

	err := a.qp.ModifyToRTS(DefaultRTSParams())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateReset, a.qp.State(), "a refused transition leaves the state alone")

	require.NoError(t, a.qp.ModifyToInit(AccessAll))
	require.ErrorIs(t, a.qp.ModifyToInit(AccessAll), ErrInvalidTransition)

	assert.Equal(t, StateInit, a.qp.State())
}

func TestQueuePairEndpoint(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)

	ea, eb := a.qp.Endpoint(), b.qp.Endpoint()
	assert.NotEqual(t, ea.QPN, eb.QPN)
	assert.LessOrEqual(t, ea.PSN, uint32(psnMask))
	assert.Equal(t, dev.GID(), ea.GID)
	assert.Equal(t, dev.PortAttr().LID, ea.LID)

	connectQPs(t, a.qp, b.qp)
	assert.Equal(t, eb, a.qp.RemoteEndpoint())
	assert.Equal(t, StateRTS, a.qp.State())
}

func TestQueuePairRefusesWorkBeforeRTS(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestQP(t, dev)

	buf, err := a.alloc.AllocDefault(16)
	require.NoError(t, err)

	defer buf.Release()

	_, err = a.qp.PostSend(buf)
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = a.qp.PostReceive(buf)
	require.ErrorIs(t, err, ErrNotConnected, "receives need INIT")

	require.NoError(t, a.qp.ModifyToInit(AccessAll))

	// Receives may be posted ahead of the handshake.
	c, err := a.qp.PostReceive(buf)
	require.NoError(t, err)

	_, err = a.qp.PostWrite(buf, buf.Remote())
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, a.qp.Close())

	_, err = c.Wait(testContext(t))
	assert.Error(t, err, "destroying the queue pair flushes the receive")
}

func TestQueuePairSendReceive(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	ctx := testContext(t)

	dst, err := b.alloc.AllocDefault(64)
	require.NoError(t, err)

	defer dst.Release()

	recv, err := b.qp.PostReceive(dst)
	require.NoError(t, err)

	hdr, err := a.alloc.AllocDefault(4)
	require.NoError(t, err)
	copy(hdr.Bytes(), "head")

	body, err := a.alloc.AllocDefault(4)
	require.NoError(t, err)
	copy(body.Bytes(), "body")

	send, err := a.qp.PostSendv(hdr, body)
	require.NoError(t, err)

	hdr.Release()
	body.Release()

	_, err = send.Wait(ctx)
	require.NoError(t, err)

	n, err := recv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "headbody", string(dst.Bytes()[:n]))
	assert.Equal(t, OpReceive, recv.Op())

	_, err = a.qp.PostSendv()
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestQueuePairReceiveTooSmall(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	ctx := testContext(t)

	small, err := b.alloc.AllocDefault(2)
	require.NoError(t, err)

	defer small.Release()

	recv, err := b.qp.PostReceive(small)
	require.NoError(t, err)

	big, err := a.alloc.AllocDefault(32)
	require.NoError(t, err)

	defer big.Release()

	err = a.qp.Send(ctx, big)
	assert.True(t, IsCompletionStatus(err, WCRemoteInvalidReqErr), "got %v", err)

	_, err = recv.Wait(ctx)
	assert.True(t, IsCompletionStatus(err, WCLocalLenErr), "got %v", err)
}

func TestQueuePairOneSided(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	ctx := testContext(t)

	target, err := b.alloc.AllocDefault(16)
	require.NoError(t, err)

	defer target.Release()

	src, err := a.alloc.AllocDefault(5)
	require.NoError(t, err)

	defer src.Release()

	copy(src.Bytes(), "write")
	require.NoError(t, a.qp.Write(ctx, src, target.Remote()))
	assert.Equal(t, "write", string(target.Bytes()[:5]))

	copy(target.Bytes()[8:], "readback")

	at, err := target.Remote().Slice(8, 8)
	require.NoError(t, err)

	dst, err := a.alloc.AllocDefault(8)
	require.NoError(t, err)

	defer dst.Release()

	read, err := a.qp.PostRead(dst, at)
	require.NoError(t, err)

	n, err := read.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "a read completion reports the bytes landed")
	assert.Equal(t, "readback", string(dst.Bytes()))
}

func TestQueuePairChecksCapabilities(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	target, err := b.alloc.AllocWithAccess(16, 8, AccessLocalWrite)
	require.NoError(t, err)

	defer target.Release()

	src, err := a.alloc.AllocDefault(32)
	require.NoError(t, err)

	defer src.Release()

	_, err = a.qp.PostWrite(src, target.Remote())
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = a.qp.PostRead(src, target.Remote())
	require.ErrorIs(t, err, ErrAccessDenied)

	open, err := b.alloc.AllocDefault(16)
	require.NoError(t, err)

	defer open.Release()

	_, err = a.qp.PostWrite(src, open.Remote())
	require.ErrorIs(t, err, ErrOutOfBounds)

	readOnly, err := a.alloc.AllocWithAccess(8, 8, AccessRemoteRead)
	require.NoError(t, err)

	defer readOnly.Release()

	_, err = a.qp.PostRead(readOnly, open.Remote())
	require.ErrorIs(t, err, ErrAccessDenied, "read target needs local write")

	_, err = a.qp.PostWrite(readOnly, open.Remote())
	require.ErrorIs(t, err, ErrAccessDenied, "write source needs local write")

	_, err = a.qp.PostReceive(readOnly)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestQueuePairSendQueueFull(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	buf, err := a.alloc.AllocDefault(8)
	require.NoError(t, err)

	defer buf.Release()

	// The peer posts no receives, so every send stays outstanding.
	for i := 0; i < 16; i++ {
		_, err := a.qp.PostSend(buf)
		require.NoError(t, err, "send %d", i)
	}

	_, err = a.qp.PostSend(buf)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 16, a.listener.Pending(), "a refused post leaves no pending entry")
}

func TestQueuePairListenerCloseFailsInFlight(t *testing.T) {
	_, dev := newTestDevice(t)
	a, b := newTestQP(t, dev), newTestQP(t, dev)
	connectQPs(t, a.qp, b.qp)

	const n = 8

	pending := make([]*Completion, 0, n)

	for range n {
		buf, err := b.alloc.AllocDefault(32)
		require.NoError(t, err)

		c, err := b.qp.PostReceive(buf)
		require.NoError(t, err)

		buf.Release()

		pending = append(pending, c)
	}

	b.listener.Close()

	for _, c := range pending {
		_, err := c.Wait(context.Background())
		assert.ErrorIs(t, err, ErrDisconnected)
	}

	assert.Zero(t, b.alloc.Stats().LiveRegions, "resolved requests drop their buffers")

	select {
	case <-b.listener.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	buf, err := b.alloc.AllocDefault(32)
	require.NoError(t, err)

	defer buf.Release()

	_, err = b.qp.PostReceive(buf)
	assert.ErrorIs(t, err, ErrDisconnected)
}
