package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSimulatedVerbsBackend(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NotNil(t, backend)

	require.NoError(t, backend.Init())
	assert.Equal(t, BackendSimulated, backend.Name())

	require.NoError(t, backend.Close())
}

func TestSimulatedVerbsBackendDoubleInit(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	require.NoError(t, backend.Init())
	// Double init should be ok
	require.NoError(t, backend.Init())
	require.NoError(t, backend.Close())
}

func TestSimulatedVerbsBackendGetDeviceList(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "sim0", devices[0].Name)
	assert.Equal(t, "sim1", devices[1].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID)
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	_, err := backend.GetDeviceList()
	require.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("sim0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendOpenDeviceNotFound(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	_, err := backend.OpenDevice("mlx5_9")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedVerbsBackendPortAndGID(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	defer backend.Close()

	ctx, err := backend.OpenDevice("sim0")
	require.NoError(t, err)

	attr, err := backend.QueryPort(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PortStateActive, attr.State)
	assert.Equal(t, MTU4096, attr.ActiveMTU)
	assert.NotZero(t, attr.LID)

	_, err = backend.QueryPort(ctx, 2)
	require.ErrorIs(t, err, ErrDeviceNotFound)

	gid, err := backend.QueryGID(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0xfe, 0x80}, [2]byte{gid[0], gid[1]})

	_, err = backend.QueryGID(ctx, 1, 99)
	assert.Error(t, err)
}

// rawQP is a queue pair driven straight through the backend.
type rawQP struct {
	qp  VerbsQP
	cq  VerbsCQ
	pd  VerbsPD
	qpn uint32
}

func newRawQP(t *testing.T, b *SimulatedVerbsBackend, access int) rawQP {
	t.Helper()

	ctx, err := b.OpenDevice("sim0")
	require.NoError(t, err)

	pd, err := b.AllocPD(ctx)
	require.NoError(t, err)

	cq, err := b.CreateCQ(ctx, 64, 0)
	require.NoError(t, err)

	qp, err := b.CreateQP(pd, cq, cq, QPTypeRC, VerbsQPCap{MaxSendWR: 4, MaxRecvWR: 4, MaxSendSge: 2, MaxRecvSge: 2})
	require.NoError(t, err)

	attr, err := b.QueryQP(qp)
	require.NoError(t, err)
	require.NoError(t, b.ModifyQPToInit(qp, 1, access))

	return rawQP{qp: qp, cq: cq, pd: pd, qpn: attr.QPN}
}

func connectRaw(t *testing.T, b *SimulatedVerbsBackend, a, c rawQP) {
	t.Helper()

	require.NoError(t, b.ModifyQPToRTR(a.qp, VerbsRTRAttr{DestQPN: c.qpn}))
	require.NoError(t, b.ModifyQPToRTS(a.qp, VerbsRTSAttr{RnrRetry: 7}))
	require.NoError(t, b.ModifyQPToRTR(c.qp, VerbsRTRAttr{DestQPN: a.qpn}))
	require.NoError(t, b.ModifyQPToRTS(c.qp, VerbsRTSAttr{RnrRetry: 7}))
}

func regRaw(t *testing.T, b *SimulatedVerbsBackend, pd VerbsPD, size, access int) ([]byte, VerbsMRKeys) {
	t.Helper()

	buf := make([]byte, size)
	_, keys, err := b.RegMR(pd, buf, access)
	require.NoError(t, err)

	return buf, keys
}

func pollOne(t *testing.T, b *SimulatedVerbsBackend, cq VerbsCQ) VerbsWorkCompletion {
	t.Helper()

	var wc []VerbsWorkCompletion

	require.Eventually(t, func() bool {
		var err error
		wc, err = b.PollCQ(cq, 1)
		require.NoError(t, err)

		return len(wc) == 1
	}, time.Second, time.Millisecond)

	return wc[0]
}

const allAccess = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead

func TestSimulatedVerbsBackendQPTransitions(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	ctx, err := b.OpenDevice("sim0")
	require.NoError(t, err)
	pd, err := b.AllocPD(ctx)
	require.NoError(t, err)
	cq, err := b.CreateCQ(ctx, 16, 0)
	require.NoError(t, err)

	_, err = b.CreateQP(pd, cq, cq, QPTypeUD, VerbsQPCap{MaxSendWR: 1, MaxRecvWR: 1, MaxSendSge: 1, MaxRecvSge: 1})
	require.ErrorIs(t, err, ErrQPCreation)

	qp, err := b.CreateQP(pd, cq, cq, QPTypeRC, VerbsQPCap{MaxSendWR: 1, MaxRecvWR: 1, MaxSendSge: 1, MaxRecvSge: 1})
	require.NoError(t, err)

	require.ErrorIs(t, b.ModifyQPToRTR(qp, VerbsRTRAttr{DestQPN: 1}), ErrModifyQP, "RTR before INIT")
	require.NoError(t, b.ModifyQPToInit(qp, 1, allAccess))
	require.ErrorIs(t, b.ModifyQPToRTS(qp, VerbsRTSAttr{}), ErrModifyQP, "RTS before RTR")
	require.ErrorIs(t, b.ModifyQPToRTR(qp, VerbsRTRAttr{}), ErrModifyQP, "RTR without a destination")

	err = b.PostSend(qp, &VerbsSendWR{Opcode: WROpSend})
	require.ErrorIs(t, err, ErrPostSend, "send before RTS")

	require.NoError(t, b.ModifyQPToRTR(qp, VerbsRTRAttr{DestQPN: 0xabc, RQPsn: 42}))
	require.NoError(t, b.ModifyQPToRTS(qp, VerbsRTSAttr{SQPsn: 7, RnrRetry: 7}))

	attr, err := b.QueryQP(qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, uint32(0xabc), attr.DestQPN)
	assert.Equal(t, uint32(42), attr.RQPsn)
	assert.Equal(t, uint32(7), attr.SQPsn)
	assert.Equal(t, uint8(7), attr.RnrRetry)
}

func TestSimulatedVerbsBackendRegMRAccessRule(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	ctx, err := b.OpenDevice("sim0")
	require.NoError(t, err)
	pd, err := b.AllocPD(ctx)
	require.NoError(t, err)

	_, _, err = b.RegMR(pd, make([]byte, 64), MRAccessRemoteWrite)
	require.ErrorIs(t, err, ErrMRCreation)

	_, _, err = b.RegMR(pd, nil, MRAccessLocalWrite)
	require.ErrorIs(t, err, ErrMRCreation)

	mr, keys, err := b.RegMR(pd, make([]byte, 64), allAccess)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), keys.Length)
	assert.NotEqual(t, keys.LKey, keys.RKey)

	require.NoError(t, b.DeregMR(mr))
	assert.ErrorIs(t, b.DeregMR(mr), ErrMRCreation)
}

func TestSimulatedVerbsBackendSendRecv(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	a, c := newRawQP(t, b, allAccess), newRawQP(t, b, allAccess)
	connectRaw(t, b, a, c)

	src, skeys := regRaw(t, b, a.pd, 16, allAccess)
	dst, dkeys := regRaw(t, b, c.pd, 32, allAccess)

	copy(src, "hello, fabric!!!")

	require.NoError(t, b.PostRecv(c.qp, &VerbsRecvWR{
		WRID:   11,
		SGList: []VerbsSGE{{Addr: dkeys.Addr, Length: 32, LKey: dkeys.LKey}},
	}))
	require.NoError(t, b.PostSend(a.qp, &VerbsSendWR{
		WRID:      10,
		Opcode:    WROpSend,
		SendFlags: SendFlagSignaled,
		SGList:    []VerbsSGE{{Addr: skeys.Addr, Length: 16, LKey: skeys.LKey}},
	}))

	send := pollOne(t, b, a.cq)
	assert.Equal(t, uint64(10), send.WRID)
	assert.Equal(t, WCSuccess, send.Status)
	assert.Equal(t, WCOpSend, send.Opcode)

	recv := pollOne(t, b, c.cq)
	assert.Equal(t, uint64(11), recv.WRID)
	assert.Equal(t, WCOpRecv, recv.Opcode)
	assert.Equal(t, uint32(16), recv.ByteLen)
	assert.Equal(t, "hello, fabric!!!", string(dst[:16]))
}

func TestSimulatedVerbsBackendSendTooLargeForReceive(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	a, c := newRawQP(t, b, allAccess), newRawQP(t, b, allAccess)
	connectRaw(t, b, a, c)

	_, skeys := regRaw(t, b, a.pd, 64, allAccess)
	_, dkeys := regRaw(t, b, c.pd, 8, allAccess)

	require.NoError(t, b.PostRecv(c.qp, &VerbsRecvWR{WRID: 2, SGList: []VerbsSGE{{Addr: dkeys.Addr, Length: 8, LKey: dkeys.LKey}}}))
	require.NoError(t, b.PostSend(a.qp, &VerbsSendWR{WRID: 1, Opcode: WROpSend, SGList: []VerbsSGE{{Addr: skeys.Addr, Length: 64, LKey: skeys.LKey}}}))

	assert.Equal(t, WCRemoteInvalidReqErr, pollOne(t, b, a.cq).Status)
	assert.Equal(t, WCLocalLenErr, pollOne(t, b, c.cq).Status)
}

func TestSimulatedVerbsBackendRDMAWriteRead(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	a, c := newRawQP(t, b, allAccess), newRawQP(t, b, allAccess)
	connectRaw(t, b, a, c)

	local, lkeys := regRaw(t, b, a.pd, 8, allAccess)
	remote, rkeys := regRaw(t, b, c.pd, 8, allAccess)

	copy(local, "written!")
	require.NoError(t, b.PostSend(a.qp, &VerbsSendWR{
		WRID: 1, Opcode: WROpRDMAWrite, RemoteAddr: rkeys.Addr, RKey: rkeys.RKey,
		SGList: []VerbsSGE{{Addr: lkeys.Addr, Length: 8, LKey: lkeys.LKey}},
	}))

	wc := pollOne(t, b, a.cq)
	require.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRDMAWrite, wc.Opcode)
	assert.Equal(t, "written!", string(remote))

	copy(remote, "readback")
	require.NoError(t, b.PostSend(a.qp, &VerbsSendWR{
		WRID: 2, Opcode: WROpRDMARead, RemoteAddr: rkeys.Addr, RKey: rkeys.RKey,
		SGList: []VerbsSGE{{Addr: lkeys.Addr, Length: 8, LKey: lkeys.LKey}},
	}))

	wc = pollOne(t, b, a.cq)
	require.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRDMARead, wc.Opcode)
	assert.Equal(t, "readback", string(local))
}

func TestSimulatedVerbsBackendRemoteAccessChecks(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	a, c := newRawQP(t, b, allAccess), newRawQP(t, b, allAccess)
	connectRaw(t, b, a, c)

	_, lkeys := regRaw(t, b, a.pd, 16, allAccess)
	_, readOnly := regRaw(t, b, c.pd, 16, MRAccessLocalWrite|MRAccessRemoteRead)

	sgl := []VerbsSGE{{Addr: lkeys.Addr, Length: 16, LKey: lkeys.LKey}}

	tests := []struct {
		name string
		wr   VerbsSendWR
	}{
		{"write to read-only region", VerbsSendWR{Opcode: WROpRDMAWrite, RemoteAddr: readOnly.Addr, RKey: readOnly.RKey}},
		{"wrong rkey", VerbsSendWR{Opcode: WROpRDMARead, RemoteAddr: readOnly.Addr, RKey: readOnly.RKey ^ 0x10}},
		{"past the end", VerbsSendWR{Opcode: WROpRDMARead, RemoteAddr: readOnly.Addr + 8, RKey: readOnly.RKey}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := tt.wr
			wr.WRID = uint64(i + 1) //nolint:gosec // G115: small test index
			wr.SGList = sgl

			require.NoError(t, b.PostSend(a.qp, &wr))
			assert.Equal(t, WCRemoteAccessErr, pollOne(t, b, a.cq).Status)
		})
	}
}

func TestSimulatedVerbsBackendDestroyFlushesReceives(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	a := newRawQP(t, b, allAccess)
	_, keys := regRaw(t, b, a.pd, 8, allAccess)

	require.NoError(t, b.PostRecv(a.qp, &VerbsRecvWR{WRID: 99, SGList: []VerbsSGE{{Addr: keys.Addr, Length: 8, LKey: keys.LKey}}}))
	require.NoError(t, b.DestroyQP(a.qp))

	wc := pollOne(t, b, a.cq)
	assert.Equal(t, uint64(99), wc.WRID)
	assert.Equal(t, WCWRFlushErr, wc.Status)
}

func TestSimulatedVerbsBackendCompletionChannel(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	ctx, err := b.OpenDevice("sim0")
	require.NoError(t, err)

	ch, err := b.CreateCompChannel(ctx)
	require.NoError(t, err)

	cq, err := b.CreateCQ(ctx, 4, ch)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = b.GetCQEvent(waitCtx, ch)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.ReqNotifyCQ(cq))
	b.complete(b.cqs[cq], VerbsWorkCompletion{WRID: 5})

	got, err := b.GetCQEvent(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, cq, got)

	require.NoError(t, b.DestroyCompChannel(ch))
	_, err = b.GetCQEvent(context.Background(), ch)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestSimulatedVerbsBackendGetMetrics(t *testing.T) {
	b := NewSimulatedVerbsBackend()
	require.NoError(t, b.Init())

	defer b.Close()

	_, err := b.OpenDevice("sim0")
	require.NoError(t, err)

	m := b.GetMetrics()
	assert.Equal(t, true, m["simulated"])
	assert.Equal(t, int64(1), m["devices_opened"])
	assert.Contains(t, m, "rdma_reads")
}

func TestBackendRegistry(t *testing.T) {
	assert.Contains(t, Backends(), BackendSimulated)

	_, err := OpenBackend("carrier-pigeon")
	require.ErrorIs(t, err, ErrUnknownBackend)

	b1, err := OpenBackend(BackendSimulated)
	require.NoError(t, err)

	b2, err := OpenBackend(BackendSimulated)
	require.NoError(t, err)

	assert.Same(t, b1, b2, "every sim user shares one fabric")
}

func TestWCStatusString(t *testing.T) {
	assert.Equal(t, "success", WCSuccess.String())
	assert.Equal(t, "remote access error", WCRemoteAccessErr.String())
	assert.Equal(t, "status(99)", WCStatus(99).String())
}
