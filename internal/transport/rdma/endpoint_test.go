package rdma

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePairEndpointBinary(t *testing.T) {
	e := QueuePairEndpoint{LID: 3, QPN: 0x1234, PSN: 0xabcdef}
	e.GID[0], e.GID[1], e.GID[15] = 0xfe, 0x80, 0x01

	b, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, endpointSize)

	var got QueuePairEndpoint
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, e, got)
	assert.Contains(t, got.String(), "fe80::1")

	require.ErrorIs(t, got.UnmarshalBinary(b[:endpointSize-1]), ErrProtocol)

	e.PSN = psnMask + 1
	b, _ = e.MarshalBinary()
	assert.ErrorIs(t, got.UnmarshalBinary(b), ErrProtocol)
}

func TestExchangeEndpoint(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	a := QueuePairEndpoint{LID: 1, QPN: 10, PSN: 100}
	b := QueuePairEndpoint{LID: 2, QPN: 20, PSN: 200}

	ctx := testContext(t)
	got := make(chan QueuePairEndpoint, 1)

	go func() {
		e, err := exchangeEndpoint(ctx, right, b)
		assert.NoError(t, err)
		got <- e
	}()

	e, err := exchangeEndpoint(ctx, left, a)
	require.NoError(t, err)
	assert.Equal(t, b, e)
	assert.Equal(t, a, <-got)
}

func TestExchangeEndpointPeerGone(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()

	require.NoError(t, right.Close())

	_, err := exchangeEndpoint(testContext(t), left, QueuePairEndpoint{})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestExchangeEndpointTimeout(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	// Drain the write so only the read is left waiting.
	go func() {
		var buf [endpointSize]byte
		_, _ = right.Read(buf[:])
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := exchangeEndpoint(ctx, left, QueuePairEndpoint{})
	assert.ErrorIs(t, err, ErrTimedOut)
}
