package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

// greeting is the value the exchange round-trips through the echo service.
type greeting struct {
	Text string
	Sent time.Time
	Seq  int
}

// exchangeResult is what one run of the exchange observed.
type exchangeResult struct {
	Value     greeting
	Echo      string
	Upper     string
	Remote    string
	ValueRTT  time.Duration
	DataRTT   time.Duration
	RegionRTT time.Duration
}

// runExchange drives every transfer the echo service answers: a value
// round trip, a data round trip, a lent region and one-sided access to a
// region allocated on the peer.
func runExchange(ctx context.Context, conn *rdma.Connection, message string) (exchangeResult, error) {
	var res exchangeResult

	payload := []byte(message)

	// Value.
	start := time.Now()
	if err := conn.SendValue(ctx, greeting{Text: message, Sent: start.UTC(), Seq: 1}); err != nil {
		return res, fmt.Errorf("send value: %w", err)
	}

	if err := conn.ReceiveValue(ctx, &res.Value); err != nil {
		return res, fmt.Errorf("receive value: %w", err)
	}

	res.ValueRTT = time.Since(start)

	// Data.
	lmr, err := conn.AllocLocal(len(payload))
	if err != nil {
		return res, err
	}
	defer lmr.Release()

	copy(lmr.Bytes(), payload)

	echo, err := conn.AllocLocal(conn.Agent().MaxDataSize())
	if err != nil {
		return res, err
	}
	defer echo.Release()

	start = time.Now()
	if err := conn.Send(ctx, lmr); err != nil {
		return res, fmt.Errorf("send data: %w", err)
	}

	n, err := conn.Receive(ctx, echo)
	if err != nil {
		return res, fmt.Errorf("receive data: %w", err)
	}

	res.DataRTT = time.Since(start)
	res.Echo = string(echo.Bytes()[:n])

	// Lent region: the peer reads it, writes it back upper-cased and returns it.
	start = time.Now()
	if err := conn.SendMR(ctx, lmr); err != nil {
		return res, fmt.Errorf("lend region: %w", err)
	}

	back, err := conn.ReceiveLocalMR(ctx)
	if err != nil {
		return res, fmt.Errorf("region returned: %w", err)
	}

	res.RegionRTT = time.Since(start)
	res.Upper = string(back.Bytes())
	back.Release()

	// Peer memory: WRITE into a remote allocation, READ it back.
	rmr, err := conn.AllocRemote(ctx, len(payload))
	if err != nil {
		return res, fmt.Errorf("allocate on peer: %w", err)
	}

	copy(lmr.Bytes(), payload)

	if err := conn.Write(ctx, lmr, rmr); err != nil {
		return res, fmt.Errorf("write: %w", err)
	}

	readBack, err := conn.AllocLocal(len(payload))
	if err != nil {
		return res, err
	}
	defer readBack.Release()

	if err := conn.Read(ctx, readBack, rmr); err != nil {
		return res, fmt.Errorf("read: %w", err)
	}

	res.Remote = string(readBack.Bytes())

	if err := conn.ReleaseRemote(ctx, rmr); err != nil {
		return res, fmt.Errorf("release peer region: %w", err)
	}

	if !bytes.Equal(readBack.Bytes(), payload) {
		return res, fmt.Errorf("read back %q from peer, wrote %q", res.Remote, message)
	}

	return res, nil
}

func printExchange(w io.Writer, conn *rdma.Connection, res exchangeResult) {
	stats := conn.Stats()

	fmt.Fprintf(w, "Connection %s (%s, local QPN %d, remote QPN %d)\n",
		stats.ID, stats.Backend, stats.LocalQPN, stats.RemoteQPN)
	fmt.Fprintf(w, "  value:  %q seq=%d  (%s)\n", res.Value.Text, res.Value.Seq, res.ValueRTT)
	fmt.Fprintf(w, "  data:   %q  (%s)\n", res.Echo, res.DataRTT)
	fmt.Fprintf(w, "  region: %q  (%s)\n", res.Upper, res.RegionRTT)
	fmt.Fprintf(w, "  remote: %q\n", res.Remote)
}
