package rdma

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog"
)

// OpKind identifies a queue pair operation.
type OpKind uint8

// Operation kinds.
const (
	OpSend OpKind = iota + 1
	OpReceive
	OpWrite
	OpRead
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// QPState is the connection state of a queue pair.
type QPState int

// Queue pair states. Transitions only move forward; a failed transition
// leaves the queue pair in StateError.
const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
	StateError
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// QueuePair is a reliable-connection queue pair whose completions are
// delivered by an EventListener.
type QueuePair struct {
	dev      *DeviceContext
	listener *EventListener
	logger   zerolog.Logger
	local    QueuePairEndpoint
	remote   QueuePairEndpoint
	qpCap    VerbsQPCap
	qp       VerbsQP
	state    QPState
	mu       sync.RWMutex
	once     sync.Once
}

// NewQueuePair creates a queue pair in RESET whose send and receive
// completions both land on cq.
func NewQueuePair(dev *DeviceContext, cq *CompletionQueue, listener *EventListener, qpCap VerbsQPCap, logger zerolog.Logger) (*QueuePair, error) {
	backend := dev.backend

	qp, err := backend.CreateQP(dev.pd, cq.cq, cq.cq, QPTypeRC, qpCap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	attr, err := backend.QueryQP(qp)
	if err != nil {
		_ = backend.DestroyQP(qp)
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	q := &QueuePair{
		dev:      dev.Retain(),
		listener: listener,
		qp:       qp,
		qpCap:    qpCap,
		state:    StateReset,
		local: QueuePairEndpoint{
			LID: dev.portAttr.LID,
			QPN: attr.QPN,
			PSN: rand.Uint32() & psnMask, //nolint:gosec // G404: PSNs need not be unpredictable
			GID: dev.gid,
		},
	}
	q.logger = logger.With().Uint32("qpn", attr.QPN).Logger()

	return q, nil
}

// Endpoint returns the addressing a peer needs to connect to this queue pair.
func (q *QueuePair) Endpoint() QueuePairEndpoint { return q.local }

// RemoteEndpoint returns the peer endpoint set on RTR.
func (q *QueuePair) RemoteEndpoint() QueuePairEndpoint {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.remote
}

// State returns the current state.
func (q *QueuePair) State() QPState {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.state
}

// ModifyToInit moves RESET -> INIT, granting access to incoming one-sided operations.
func (q *QueuePair) ModifyToInit(access Access) error {
	return q.transition(StateReset, StateInit, func() error {
		return q.dev.backend.ModifyQPToInit(q.qp, q.dev.port, int(access))
	})
}

// ModifyToRTR moves INIT -> RTR using the peer's endpoint.
func (q *QueuePair) ModifyToRTR(remote QueuePairEndpoint, p RTRParams) error {
	mtu := p.PathMTU
	if mtu == 0 {
		mtu = q.dev.portAttr.ActiveMTU
	}

	return q.transition(StateInit, StateRTR, func() error {
		err := q.dev.backend.ModifyQPToRTR(q.qp, VerbsRTRAttr{
			DestGID:         remote.GID,
			DestQPN:         remote.QPN,
			RQPsn:           remote.PSN,
			PathMTU:         mtu,
			Port:            q.dev.port,
			SGIDIndex:       q.dev.gidIndex,
			DestLID:         remote.LID,
			MaxDestRdAtomic: p.MaxDestRdAtomic,
			MinRnrTimer:     p.MinRnrTimer,
			IsGlobal:        q.dev.portAttr.LinkLayer == LinkLayerEthernet || remote.LID == 0,
		})
		if err == nil {
			q.remote = remote
		}

		return err
	})
}

// ModifyToRTS moves RTR -> RTS; the send queue starts at the local PSN.
func (q *QueuePair) ModifyToRTS(p RTSParams) error {
	return q.transition(StateRTR, StateRTS, func() error {
		return q.dev.backend.ModifyQPToRTS(q.qp, VerbsRTSAttr{
			SQPsn:       q.local.PSN,
			Timeout:     p.Timeout,
			RetryCnt:    p.RetryCnt,
			RnrRetry:    p.RnrRetry,
			MaxRdAtomic: p.MaxRdAtomic,
		})
	})
}

func (q *QueuePair) transition(from, to QPState, apply func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != from {
		return fmt.Errorf("%w: %s -> %s while in %s", ErrInvalidTransition, from, to, q.state)
	}

	if err := apply(); err != nil {
		q.state = StateError
		return fmt.Errorf("%w: %s -> %s: %v", ErrDevice, from, to, err)
	}

	q.state = to
	q.logger.Debug().Stringer("state", to).Msg("Queue pair transitioned")

	return nil
}

func (q *QueuePair) ready(op OpKind) error {
	state := q.State()

	if op == OpReceive {
		if state == StateReset || state == StateError {
			return fmt.Errorf("%w: %s while in %s", ErrNotConnected, op, state)
		}

		return nil
	}

	if state != StateRTS {
		return fmt.Errorf("%w: %s while in %s", ErrNotConnected, op, state)
	}

	return nil
}

// PostSend posts a SEND of lmr's bytes.
func (q *QueuePair) PostSend(lmr *LocalMemoryRegion) (*Completion, error) {
	return q.PostSendv(lmr)
}

// PostSendv posts one SEND gathering the regions in order.
func (q *QueuePair) PostSendv(regions ...*LocalMemoryRegion) (*Completion, error) {
	if err := q.ready(OpSend); err != nil {
		return nil, err
	}

	if len(regions) == 0 || len(regions) > int(q.qpCap.MaxSendSge) {
		return nil, fmt.Errorf("%w: send of %d segments, at most %d", ErrInvalidLayout, len(regions), q.qpCap.MaxSendSge)
	}

	sgl := make([]VerbsSGE, len(regions))
	for i, r := range regions {
		sgl[i] = r.sge()
	}

	return q.post(OpSend, regions, func(id uint64) error {
		return q.dev.backend.PostSend(q.qp, &VerbsSendWR{
			WRID:      id,
			Opcode:    WROpSend,
			SendFlags: SendFlagSignaled,
			SGList:    sgl,
		})
	})
}

// PostReceive posts a receive buffer for the peer's next SEND.
func (q *QueuePair) PostReceive(lmr *LocalMemoryRegion) (*Completion, error) {
	if err := q.ready(OpReceive); err != nil {
		return nil, err
	}

	if !lmr.access.Has(AccessLocalWrite) {
		return nil, fmt.Errorf("%w: receive into %s", ErrAccessDenied, lmr)
	}

	return q.post(OpReceive, []*LocalMemoryRegion{lmr}, func(id uint64) error {
		return q.dev.backend.PostRecv(q.qp, &VerbsRecvWR{
			WRID:   id,
			SGList: []VerbsSGE{lmr.sge()},
		})
	})
}

// PostWrite posts a one-sided WRITE of lmr into the peer memory rmr names.
func (q *QueuePair) PostWrite(lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) (*Completion, error) {
	if err := q.ready(OpWrite); err != nil {
		return nil, err
	}

	if !rmr.Access.Has(AccessRemoteWrite) {
		return nil, fmt.Errorf("%w: write to %s", ErrAccessDenied, rmr)
	}

	if !lmr.access.Has(AccessLocalWrite) {
		return nil, fmt.Errorf("%w: write from %s", ErrAccessDenied, lmr)
	}

	if uint64(lmr.Len()) > rmr.Length {
		return nil, fmt.Errorf("%w: write of %d bytes to %s", ErrOutOfBounds, lmr.Len(), rmr)
	}

	return q.post(OpWrite, []*LocalMemoryRegion{lmr}, func(id uint64) error {
		return q.dev.backend.PostSend(q.qp, &VerbsSendWR{
			WRID:       id,
			Opcode:     WROpRDMAWrite,
			SendFlags:  SendFlagSignaled,
			SGList:     []VerbsSGE{lmr.sge()},
			RemoteAddr: rmr.Addr,
			RKey:       rmr.RKey,
		})
	})
}

// PostRead posts a one-sided READ of the peer memory rmr names into lmr.
// lmr.Len() bytes are read from the start of rmr.
func (q *QueuePair) PostRead(lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) (*Completion, error) {
	if err := q.ready(OpRead); err != nil {
		return nil, err
	}

	if !rmr.Access.Has(AccessRemoteRead) {
		return nil, fmt.Errorf("%w: read from %s", ErrAccessDenied, rmr)
	}

	if !lmr.access.Has(AccessLocalWrite) {
		return nil, fmt.Errorf("%w: read into %s", ErrAccessDenied, lmr)
	}

	if uint64(lmr.Len()) > rmr.Length {
		return nil, fmt.Errorf("%w: read of %d bytes from %s", ErrOutOfBounds, lmr.Len(), rmr)
	}

	return q.post(OpRead, []*LocalMemoryRegion{lmr}, func(id uint64) error {
		return q.dev.backend.PostSend(q.qp, &VerbsSendWR{
			WRID:       id,
			Opcode:     WROpRDMARead,
			SendFlags:  SendFlagSignaled,
			SGList:     []VerbsSGE{lmr.sge()},
			RemoteAddr: rmr.Addr,
			RKey:       rmr.RKey,
		})
	})
}

// post registers the pending entry before handing the request to the device,
// so the completion can never arrive ahead of its entry.
func (q *QueuePair) post(op OpKind, regions []*LocalMemoryRegion, submit func(id uint64) error) (*Completion, error) {
	c, err := q.listener.Register(op, regions...)
	if err != nil {
		return nil, err
	}

	if err := submit(c.id); err != nil {
		q.listener.Forget(c.id)

		if errors.Is(err, ErrQueueFull) {
			return nil, fmt.Errorf("%s: %w", op, ErrQueueFull)
		}

		return nil, fmt.Errorf("%w: post %s: %v", ErrDevice, op, err)
	}

	q.logger.Trace().Stringer("op", op).Uint64("wr_id", c.id).Msg("Posted work request")

	return c, nil
}

// Send posts a SEND and waits for it to complete.
func (q *QueuePair) Send(ctx context.Context, lmr *LocalMemoryRegion) error {
	c, err := q.PostSend(lmr)
	if err != nil {
		return err
	}

	_, err = c.Wait(ctx)

	return err
}

// Receive posts a receive buffer and waits for a message, returning its length.
func (q *QueuePair) Receive(ctx context.Context, lmr *LocalMemoryRegion) (int, error) {
	c, err := q.PostReceive(lmr)
	if err != nil {
		return 0, err
	}

	return c.Wait(ctx)
}

// Write performs a one-sided WRITE and waits for it to complete.
func (q *QueuePair) Write(ctx context.Context, lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) error {
	c, err := q.PostWrite(lmr, rmr)
	if err != nil {
		return err
	}

	_, err = c.Wait(ctx)

	return err
}

// Read performs a one-sided READ and waits for it to complete.
func (q *QueuePair) Read(ctx context.Context, lmr *LocalMemoryRegion, rmr RemoteMemoryRegion) error {
	c, err := q.PostRead(lmr, rmr)
	if err != nil {
		return err
	}

	_, err = c.Wait(ctx)

	return err
}

// Close destroys the queue pair. Work still queued on the device is flushed.
func (q *QueuePair) Close() error {
	var err error

	q.once.Do(func() {
		q.mu.Lock()
		q.state = StateError
		q.mu.Unlock()

		err = errors.Join(q.dev.backend.DestroyQP(q.qp), q.dev.Release())
	})

	return err
}
