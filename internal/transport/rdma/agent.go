package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolthub/swiss"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"

	"github.com/piwi3910/asyncrdma/internal/metrics"
)

// AgentConfig tunes the control-plane protocol.
type AgentConfig struct {
	// RecvDepth is the number of control buffers kept posted.
	RecvDepth int
	// MessageSize bounds one message including its header.
	MessageSize int
	// CompressThreshold is the value size above which payloads are s2
	// compressed; zero disables compression.
	CompressThreshold int
	// GrantAccess bounds the rights remote allocations are granted.
	GrantAccess Access
	// Timeout applies to requests whose context has no deadline.
	Timeout time.Duration
}

// AgentStats counts agent activity.
type AgentStats struct {
	Exported        int    `json:"exported"`
	QueuedObjects   int    `json:"queued_objects"`
	QueuedData      int    `json:"queued_data"`
	MessagesIn      uint64 `json:"messages_in"`
	MessagesOut     uint64 `json:"messages_out"`
	ProtocolErrors  uint64 `json:"protocol_errors"`
	InflightRequest int    `json:"inflight_requests"`
}

type agentReply struct {
	payload []byte
	kind    msgKind
}

type receivedObject struct {
	obj Object
	err error
}

// exportEntry is a region a peer holds a capability for. Each export holds
// one reference on the region.
type exportEntry struct {
	region *LocalMemoryRegion
	count  int
}

// Agent runs the control-plane protocol over a queue pair: remote
// allocation, object exchange and data messages. It owns the queue pair's
// receive queue.
type Agent struct {
	qp       *QueuePair
	alloc    *MRAllocator
	calls    *swiss.Map[uint32, chan agentReply]
	exported *swiss.Map[RemoteMemoryRegion, *exportEntry]
	objects  *mailbox[receivedObject]
	data     *mailbox[[]byte]
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	logger   zerolog.Logger
	ring     []*LocalMemoryRegion
	cfg      AgentConfig
	handlers sync.WaitGroup
	nextReq  atomic.Uint32
	in       atomic.Uint64
	out      atomic.Uint64
	protoErr atomic.Uint64
	mu       sync.Mutex
	once     sync.Once
}

// NewAgent posts the control receive ring on qp and starts serving it.
func NewAgent(qp *QueuePair, alloc *MRAllocator, cfg AgentConfig, logger zerolog.Logger) (*Agent, error) {
	if cfg.RecvDepth < 1 || cfg.MessageSize <= agentHeaderSize+objectHeaderSize {
		return nil, fmt.Errorf("%w: agent depth %d message size %d", ErrInvalidLayout, cfg.RecvDepth, cfg.MessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		qp:       qp,
		alloc:    alloc,
		cfg:      cfg,
		calls:    swiss.NewMap[uint32, chan agentReply](16),
		exported: swiss.NewMap[RemoteMemoryRegion, *exportEntry](16),
		objects:  newMailbox[receivedObject](),
		data:     newMailbox[[]byte](),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		logger:   logger.With().Str("component", "agent").Logger(),
	}

	pending := make([]*Completion, 0, cfg.RecvDepth)

	for range cfg.RecvDepth {
		buf, err := alloc.AllocDefault(cfg.MessageSize)
		if err != nil {
			a.abortStart()
			return nil, fmt.Errorf("agent receive ring: %w", err)
		}

		a.ring = append(a.ring, buf)

		c, err := qp.PostReceive(buf)
		if err != nil {
			a.abortStart()
			return nil, fmt.Errorf("agent receive ring: %w", err)
		}

		pending = append(pending, c)
	}

	go a.serve(pending)

	return a, nil
}

func (a *Agent) abortStart() {
	a.cancel()

	for _, buf := range a.ring {
		buf.Release()
	}

	a.ring = nil
	close(a.stopped)
}

// serve waits on the receive ring in posting order, which is the order the
// peer's messages land in.
func (a *Agent) serve(pending []*Completion) {
	defer a.shutdown()

	for i := 0; ; i = (i + 1) % len(pending) {
		c := pending[i]

		select {
		case <-c.Done():
		case <-a.ctx.Done():
			return
		}

		n, err := c.Result()
		if err != nil {
			if errors.Is(err, ErrDisconnected) || IsCompletionStatus(err, WCWRFlushErr) {
				return
			}

			a.protoErr.Add(1)
			a.logger.Warn().Err(err).Msg("Control receive failed")
		} else {
			a.handle(a.ring[i].Bytes()[:n])
		}

		next, err := a.qp.PostReceive(a.ring[i])
		if err != nil {
			if a.ctx.Err() == nil {
				a.logger.Error().Err(err).Msg("Failed to repost control buffer")
			}

			return
		}

		pending[i] = next
	}
}

// handle dispatches one received message. msg aliases a ring buffer and is
// only valid until handle returns.
func (a *Agent) handle(msg []byte) {
	h, err := parseHeader(msg)
	if err != nil {
		a.protoErr.Add(1)
		a.logger.Warn().Err(err).Msg("Dropped malformed control message")

		return
	}

	a.in.Add(1)
	metrics.RecordAgentMessage(h.kind.String(), "in")

	payload := append([]byte(nil), msg[agentHeaderSize:]...)

	switch h.kind {
	case kindAllocRequest:
		a.goHandle(func() { a.serveAlloc(h.reqID, payload) })
	case kindRelease:
		a.goHandle(func() { a.serveRelease(h.reqID, payload) })
	case kindAllocReply, kindReleaseAck, kindError:
		a.deliver(h, payload)
	case kindObject:
		obj, err := a.decodeObject(h, payload)
		if err != nil {
			a.protoErr.Add(1)
			a.logger.Warn().Err(err).Msg("Received undecodable object")
		}

		if !a.objects.push(receivedObject{obj: obj, err: err}) {
			releaseObject(obj)
		}
	case kindData:
		a.data.push(payload)
	}
}

func (a *Agent) goHandle(fn func()) {
	a.handlers.Add(1)

	go func() {
		defer a.handlers.Done()
		fn()
	}()
}

func (a *Agent) deliver(h agentHeader, payload []byte) {
	a.mu.Lock()
	ch, ok := a.calls.Get(h.reqID)
	if ok {
		a.calls.Delete(h.reqID)
	}
	a.mu.Unlock()

	if !ok {
		a.protoErr.Add(1)
		a.logger.Warn().Uint32("req_id", h.reqID).Stringer("kind", h.kind).Msg("Reply matches no request")

		return
	}

	ch <- agentReply{kind: h.kind, payload: payload}
}

// send emits one message from a scratch buffer.
func (a *Agent) send(ctx context.Context, h agentHeader, payload []byte) error {
	total := agentHeaderSize + len(payload)
	if total > a.cfg.MessageSize {
		return fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrMessageTooLarge, h.kind, total, a.cfg.MessageSize)
	}

	buf, err := a.alloc.AllocDefault(total)
	if err != nil {
		return err
	}
	defer buf.Release()

	h.length = uint32(len(payload)) //nolint:gosec // G115: bounded by MessageSize
	h.put(buf.Bytes())
	copy(buf.Bytes()[agentHeaderSize:], payload)

	if err := a.qp.Send(ctx, buf); err != nil {
		return err
	}

	a.out.Add(1)
	metrics.RecordAgentMessage(h.kind.String(), "out")

	return nil
}

// call sends a request and waits for the reply carrying its ID.
func (a *Agent) call(ctx context.Context, kind msgKind, payload []byte) (agentReply, error) {
	if _, ok := ctx.Deadline(); !ok && a.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	id := a.nextReq.Add(1)
	ch := make(chan agentReply, 1)

	a.mu.Lock()
	a.calls.Put(id, ch)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.calls.Delete(id)
		a.mu.Unlock()
	}()

	if err := a.send(ctx, agentHeader{kind: kind, reqID: id}, payload); err != nil {
		return agentReply{}, err
	}

	select {
	case r := <-ch:
		if r.kind == kindError {
			return r, parseError(r.payload)
		}

		return r, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return agentReply{}, fmt.Errorf("%w: %s: %w", ErrCancelled, kind, ctx.Err())
		}

		return agentReply{}, fmt.Errorf("%w: %s: %w", ErrTimedOut, kind, ctx.Err())
	case <-a.stopped:
		return agentReply{}, fmt.Errorf("%s: %w", kind, ErrDisconnected)
	}
}

func (a *Agent) reply(reqID uint32, kind msgKind, payload []byte) error {
	return a.send(a.ctx, agentHeader{kind: kind, reqID: reqID}, payload)
}

func (a *Agent) replyError(reqID uint32, cause error) {
	if err := a.reply(reqID, kindError, marshalError(cause, a.cfg.MessageSize-agentHeaderSize)); err != nil && a.ctx.Err() == nil {
		a.logger.Warn().Err(err).Msg("Failed to send error reply")
	}
}

// AllocMR asks the peer to allocate size bytes and returns the capability
// it granted. The granted rights are access restricted by the peer's policy.
func (a *Agent) AllocMR(ctx context.Context, size, align int, access Access) (RemoteMemoryRegion, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return RemoteMemoryRegion{}, fmt.Errorf("%w: size %d align %d", ErrInvalidLayout, size, align)
	}

	req := allocRequest{size: uint64(size), align: uint64(align), access: access}

	r, err := a.call(ctx, kindAllocRequest, req.marshal())
	if err != nil {
		return RemoteMemoryRegion{}, fmt.Errorf("alloc remote %d bytes: %w", size, err)
	}

	var rmr RemoteMemoryRegion
	if r.kind != kindAllocReply {
		return rmr, fmt.Errorf("%w: %s in reply to alloc request", ErrProtocol, r.kind)
	}

	if err := rmr.UnmarshalBinary(r.payload); err != nil {
		return rmr, err
	}

	return rmr, nil
}

func (a *Agent) serveAlloc(reqID uint32, payload []byte) {
	req, err := parseAllocRequest(payload)
	if err != nil {
		a.replyError(reqID, err)
		return
	}

	size, align, err := req.layout()
	if err != nil {
		a.replyError(reqID, err)
		return
	}

	region, err := a.alloc.AllocWithAccess(size, align, req.access&a.cfg.GrantAccess)
	if err != nil {
		a.replyError(reqID, err)
		return
	}

	// The allocation's own reference becomes the export reference.
	a.export(region)

	desc := region.Remote()
	if err := a.reply(reqID, kindAllocReply, desc.appendTo(nil)); err != nil {
		_ = a.unexport(desc)

		if a.ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Failed to send alloc reply")
		}

		return
	}

	a.logger.Debug().Stringer("region", desc).Msg("Granted remote allocation")
}

// export records a reference the peer now holds on region.
func (a *Agent) export(region *LocalMemoryRegion) {
	a.mu.Lock()
	defer a.mu.Unlock()

	desc := region.Remote()

	if e, ok := a.exported.Get(desc); ok {
		e.count++
		return
	}

	a.exported.Put(desc, &exportEntry{region: region, count: 1})
}

// unexport drops one peer reference on the region desc names exactly.
func (a *Agent) unexport(desc RemoteMemoryRegion) error {
	a.mu.Lock()

	e, ok := a.exported.Get(desc)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s is not exported", ErrNotFound, desc)
	}

	e.count--
	if e.count == 0 {
		a.exported.Delete(desc)
	}
	a.mu.Unlock()

	e.region.Release()

	return nil
}

// resolveExported maps a capability for our own memory back to a local
// region. The result holds its own reference.
func (a *Agent) resolveExported(desc RemoteMemoryRegion) (*LocalMemoryRegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var found *LocalMemoryRegion

	a.exported.Iter(func(_ RemoteMemoryRegion, e *exportEntry) bool {
		r := e.region
		if r.RKey() == desc.RKey && desc.Addr >= r.Addr() && desc.Addr+desc.Length <= r.Addr()+uint64(r.Len()) {
			found = r
			return true
		}

		return false
	})

	if found == nil {
		return nil, fmt.Errorf("%w: peer returned unknown capability %s", ErrProtocol, desc)
	}

	return found.Slice(int(desc.Addr-found.Addr()), int(desc.Length)) //nolint:gosec // G115: bounded by region length
}

// ReleaseRemote tells the peer that a capability it exported is no longer used.
func (a *Agent) ReleaseRemote(ctx context.Context, rmr RemoteMemoryRegion) error {
	r, err := a.call(ctx, kindRelease, rmr.appendTo(nil))
	if err != nil {
		return fmt.Errorf("release %s: %w", rmr, err)
	}

	if r.kind != kindReleaseAck {
		return fmt.Errorf("%w: %s in reply to release", ErrProtocol, r.kind)
	}

	return nil
}

func (a *Agent) serveRelease(reqID uint32, payload []byte) {
	var desc RemoteMemoryRegion
	if err := desc.UnmarshalBinary(payload); err != nil {
		a.replyError(reqID, err)
		return
	}

	if err := a.unexport(desc); err != nil {
		a.replyError(reqID, err)
		return
	}

	if err := a.reply(reqID, kindReleaseAck, nil); err != nil && a.ctx.Err() == nil {
		a.logger.Warn().Err(err).Msg("Failed to acknowledge release")
	}
}

// SendMR transfers obj to the peer. A LocalObject is exported for as long as
// the peer holds it; see Object for how variants map across the wire.
func (a *Agent) SendMR(ctx context.Context, obj Object) error {
	var (
		payload []byte
		flags   uint8
		err     error
	)

	switch o := obj.(type) {
	case LocalObject:
		if o.Region == nil {
			return fmt.Errorf("%w: nil region", ErrTypeMismatch)
		}

		a.export(o.Region.Retain())

		payload, err = marshalObjectPayload(ObjectRemote, "", o.Region.Remote().appendTo(nil))
		if err == nil {
			err = a.send(ctx, agentHeader{kind: kindObject}, payload)
		}

		if err != nil {
			_ = a.unexport(o.Region.Remote())
		}

		return err
	case RemoteObject:
		payload, err = marshalObjectPayload(ObjectLocal, "", o.Region.appendTo(nil))
	case ValueObject:
		body := o.Payload

		if a.cfg.CompressThreshold > 0 && len(body) > a.cfg.CompressThreshold {
			if enc := s2.Encode(nil, body); len(enc) < len(body) {
				body, flags = enc, flagCompressed
			}
		}

		payload, err = marshalObjectPayload(ObjectValue, o.TypeName, body)
	default:
		return fmt.Errorf("%w: unsupported object %T", ErrTypeMismatch, obj)
	}

	if err != nil {
		return err
	}

	return a.send(ctx, agentHeader{kind: kindObject, flags: flags}, payload)
}

// maxDecodedValue bounds the expansion of a compressed value.
func (a *Agent) maxDecodedValue() int {
	return 64 * a.cfg.MessageSize
}

func (a *Agent) decodeObject(h agentHeader, payload []byte) (Object, error) {
	tag, name, body, err := parseObjectPayload(payload)
	if err != nil {
		return nil, err
	}

	switch tag {
	case ObjectRemote:
		var rmr RemoteMemoryRegion
		if err := rmr.UnmarshalBinary(body); err != nil {
			return nil, err
		}

		return RemoteObject{Region: rmr}, nil
	case ObjectLocal:
		var rmr RemoteMemoryRegion
		if err := rmr.UnmarshalBinary(body); err != nil {
			return nil, err
		}

		region, err := a.resolveExported(rmr)
		if err != nil {
			return nil, err
		}

		return LocalObject{Region: region}, nil
	case ObjectValue:
		if h.flags&flagCompressed != 0 {
			n, err := s2.DecodedLen(body)
			if err != nil || n > a.maxDecodedValue() {
				return nil, fmt.Errorf("%w: bad compressed value (%d bytes): %v", ErrProtocol, n, err)
			}

			if body, err = s2.Decode(nil, body); err != nil {
				return nil, fmt.Errorf("%w: decompress value: %v", ErrProtocol, err)
			}
		}

		return ValueObject{TypeName: name, Payload: body}, nil
	default:
		return nil, fmt.Errorf("%w: unknown object tag %d", ErrProtocol, tag)
	}
}

func releaseObject(obj Object) {
	if o, ok := obj.(LocalObject); ok && o.Region != nil {
		o.Region.Release()
	}
}

// ReceiveMR returns the next object in arrival order.
func (a *Agent) ReceiveMR(ctx context.Context) (Object, error) {
	r, err := a.objects.pop(ctx)
	if err != nil {
		return nil, err
	}

	return r.obj, r.err
}

// ReceiveLocalMR receives the next object, which must be a LocalObject.
// Any other variant is consumed and ErrTypeMismatch returned.
func (a *Agent) ReceiveLocalMR(ctx context.Context) (*LocalMemoryRegion, error) {
	obj, err := a.ReceiveMR(ctx)
	if err != nil {
		return nil, err
	}

	o, ok := obj.(LocalObject)
	if !ok {
		releaseObject(obj)
		return nil, fmt.Errorf("%w: received %s object, want local", ErrTypeMismatch, obj.Kind())
	}

	return o.Region, nil
}

// ReceiveRemoteMR receives the next object, which must be a RemoteObject.
func (a *Agent) ReceiveRemoteMR(ctx context.Context) (RemoteMemoryRegion, error) {
	obj, err := a.ReceiveMR(ctx)
	if err != nil {
		return RemoteMemoryRegion{}, err
	}

	o, ok := obj.(RemoteObject)
	if !ok {
		releaseObject(obj)
		return RemoteMemoryRegion{}, fmt.Errorf("%w: received %s object, want remote", ErrTypeMismatch, obj.Kind())
	}

	return o.Region, nil
}

// ReceiveValue receives the next object and decodes it into v.
func (a *Agent) ReceiveValue(ctx context.Context, v any) error {
	obj, err := a.ReceiveMR(ctx)
	if err != nil {
		return err
	}

	o, ok := obj.(ValueObject)
	if !ok {
		releaseObject(obj)
		return fmt.Errorf("%w: received %s object, want value", ErrTypeMismatch, obj.Kind())
	}

	return o.Decode(v)
}

// MaxDataSize is the largest payload SendData accepts.
func (a *Agent) MaxDataSize() int {
	return a.cfg.MessageSize - agentHeaderSize
}

// SendData sends lmr's bytes as one data message. The payload is gathered
// straight from lmr behind a separate header buffer.
func (a *Agent) SendData(ctx context.Context, lmr *LocalMemoryRegion) error {
	if lmr.Len() > a.MaxDataSize() {
		return fmt.Errorf("%w: %d bytes, at most %d", ErrMessageTooLarge, lmr.Len(), a.MaxDataSize())
	}

	hdr, err := a.alloc.AllocDefault(agentHeaderSize)
	if err != nil {
		return err
	}
	defer hdr.Release()

	agentHeader{kind: kindData, length: uint32(lmr.Len())}.put(hdr.Bytes()) //nolint:gosec // G115: bounded by MessageSize

	c, err := a.qp.PostSendv(hdr, lmr)
	if err != nil {
		return err
	}

	if _, err := c.Wait(ctx); err != nil {
		return err
	}

	a.out.Add(1)
	metrics.RecordAgentMessage(kindData.String(), "out")

	return nil
}

// ReceiveData copies the next data message into lmr and returns its length.
// A message longer than lmr is consumed and ErrMessageTooLarge returned.
func (a *Agent) ReceiveData(ctx context.Context, lmr *LocalMemoryRegion) (int, error) {
	msg, err := a.data.pop(ctx)
	if err != nil {
		return 0, err
	}

	if len(msg) > lmr.Len() {
		return 0, fmt.Errorf("%w: %d-byte message for a %d-byte region", ErrMessageTooLarge, len(msg), lmr.Len())
	}

	return copy(lmr.Bytes(), msg), nil
}

// Stats returns agent counters.
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	exported, inflight := a.exported.Count(), a.calls.Count()
	a.mu.Unlock()

	return AgentStats{
		Exported:        exported,
		QueuedObjects:   a.objects.len(),
		QueuedData:      a.data.len(),
		MessagesIn:      a.in.Load(),
		MessagesOut:     a.out.Load(),
		ProtocolErrors:  a.protoErr.Load(),
		InflightRequest: inflight,
	}
}

// Done is closed once the agent has stopped serving its receive ring.
func (a *Agent) Done() <-chan struct{} { return a.stopped }

// shutdown runs when the serve loop exits for any reason.
func (a *Agent) shutdown() {
	a.cancel()
	a.handlers.Wait()

	for _, r := range a.objects.close() {
		releaseObject(r.obj)
	}

	a.data.close()

	a.mu.Lock()

	var exported []*exportEntry

	a.exported.Iter(func(_ RemoteMemoryRegion, e *exportEntry) bool {
		exported = append(exported, e)
		return false
	})
	a.exported.Clear()
	a.mu.Unlock()

	for _, e := range exported {
		for range e.count {
			e.region.Release()
		}
	}

	for _, buf := range a.ring {
		buf.Release()
	}

	a.ring = nil
	close(a.stopped)
}

// Close stops the agent and fails its waiters with ErrDisconnected. Exported
// regions are released; control buffers still posted on the queue pair stay
// referenced until their completions are flushed.
func (a *Agent) Close() {
	a.once.Do(a.cancel)
	<-a.stopped
}

// mailbox is an unbounded FIFO with context-aware pop.
type mailbox[T any] struct {
	notify chan struct{}
	done   chan struct{}
	items  []T
	mu     sync.Mutex
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends v; it reports false once the mailbox is closed.
func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.items = append(m.items, v)
	m.signal()

	return true
}

func (m *mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pop(ctx context.Context) (T, error) {
	var zero T

	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]

			if len(m.items) > 0 {
				m.signal()
			}
			m.mu.Unlock()

			return v, nil
		}

		closed := m.closed
		m.mu.Unlock()

		if closed {
			return zero, ErrDisconnected
		}

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return zero, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}

			return zero, fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err())
		}
	}
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

// close wakes every waiter and returns whatever was still queued.
func (m *mailbox[T]) close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.done)

	left := m.items
	m.items = nil

	return left
}
