package rdma

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

const (
	// endpointSize is the encoded size of a QueuePairEndpoint.
	endpointSize = 26
	psnMask      = 0xffffff
)

// QueuePairEndpoint is the addressing one side of a connection sends the
// other during bootstrap.
type QueuePairEndpoint struct {
	LID uint16
	QPN uint32
	PSN uint32
	GID [16]byte
}

func (e QueuePairEndpoint) String() string {
	return fmt.Sprintf("lid=%d qpn=%d psn=%d gid=%s", e.LID, e.QPN, e.PSN, netip.AddrFrom16(e.GID))
}

// MarshalBinary encodes e as lid u16 | qpn u32 | psn u32 | gid [16], big-endian.
func (e QueuePairEndpoint) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, endpointSize)
	b = binary.BigEndian.AppendUint16(b, e.LID)
	b = binary.BigEndian.AppendUint32(b, e.QPN)
	b = binary.BigEndian.AppendUint32(b, e.PSN)

	return append(b, e.GID[:]...), nil
}

// UnmarshalBinary decodes the MarshalBinary layout.
func (e *QueuePairEndpoint) UnmarshalBinary(data []byte) error {
	if len(data) != endpointSize {
		return fmt.Errorf("%w: endpoint is %d bytes, want %d", ErrProtocol, len(data), endpointSize)
	}

	e.LID = binary.BigEndian.Uint16(data[0:2])
	e.QPN = binary.BigEndian.Uint32(data[2:6])
	e.PSN = binary.BigEndian.Uint32(data[6:10])
	copy(e.GID[:], data[10:26])

	if e.PSN > psnMask {
		return fmt.Errorf("%w: psn %#x exceeds 24 bits", ErrProtocol, e.PSN)
	}

	return nil
}

// exchangeEndpoint writes local to conn and reads exactly one peer endpoint.
// Ending ctx aborts the exchange by expiring the connection deadline.
func exchangeEndpoint(ctx context.Context, conn net.Conn, local QueuePairEndpoint) (QueuePairEndpoint, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	out, _ := local.MarshalBinary()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Write(out)
		errc <- err
	}()

	var (
		in     [endpointSize]byte
		remote QueuePairEndpoint
	)

	if _, err := io.ReadFull(conn, in[:]); err != nil {
		return remote, endpointErr(ctx, "read", err)
	}

	if err := <-errc; err != nil {
		return remote, endpointErr(ctx, "write", err)
	}

	if err := remote.UnmarshalBinary(in[:]); err != nil {
		return remote, err
	}

	return remote, nil
}

func endpointErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: endpoint %s: %w", ErrTimedOut, op, ctxErr)
	}

	return fmt.Errorf("%w: endpoint %s: %v", ErrDisconnected, op, err)
}
