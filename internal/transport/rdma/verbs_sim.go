package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// BackendSimulated is the registry name of the in-process fabric.
const BackendSimulated = "sim"

func init() {
	RegisterBackend(BackendSimulated, func() (VerbsBackend, error) {
		return sharedSimulatedBackend(), nil
	})
}

// Every connection in a process that asks for the "sim" backend lands on the
// same fabric, so two peers in one process can reach each other by QPN.
var sharedSimulatedBackend = sync.OnceValue(NewSimulatedVerbsBackend)

// SimulatedVerbsBackend provides an in-memory RDMA fabric.
//
// Queue pairs on the same backend instance can be connected to each other.
// Each queue pair runs one worker goroutine that executes its send queue in
// post order, so completions for one queue pair are generated in the order
// the requests were posted. SEND waits for the peer to post a RECV, READ and
// WRITE are validated against the peer's memory registrations (rkey, access
// rights and bounds) exactly like an RC responder would.
type SimulatedVerbsBackend struct {
	contexts    map[VerbsContext]*simulatedContext
	pds         map[VerbsPD]*simulatedPD
	channels    map[VerbsCompChannel]*simulatedChannel
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	qpsByNum    map[uint32]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	lkeys       map[uint32]*simulatedMR
	rkeys       map[uint32]*simulatedMR
	metrics     *verbsMetrics
	devices     []VerbsDeviceInfo
	nextHandle  uintptr
	mu          sync.RWMutex
	initialized bool
}

type simulatedContext struct {
	device *VerbsDeviceInfo
	gid    [16]byte
	lid    uint16
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedChannel struct {
	events chan VerbsCQ
	closed chan struct{}
	once   sync.Once
}

func (ch *simulatedChannel) signal(cq VerbsCQ) {
	select {
	case ch.events <- cq:
	case <-ch.closed:
	}
}

func (ch *simulatedChannel) close() {
	ch.once.Do(func() { close(ch.closed) })
}

type simulatedCQ struct {
	channel     *simulatedChannel
	completions []VerbsWorkCompletion
	handle      VerbsCQ
	ctx         VerbsContext
	size        int
	mu          sync.Mutex
	armed       bool
	destroyed   bool
}

type simulatedQP struct {
	sendCQ      *simulatedCQ
	recvCQ      *simulatedCQ
	sendQueue   chan *VerbsSendWR
	recvQueue   chan *VerbsRecvWR
	done        chan struct{}
	attr        VerbsQPAttr
	handle      VerbsQP
	pd          VerbsPD
	qpType      QPType
	outstanding atomic.Int64
	wg          sync.WaitGroup
	mu          sync.Mutex
	qpNum       uint32
	running     bool
}

func (q *simulatedQP) state() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.attr.State
}

type simulatedMR struct {
	buf    []byte
	pd     VerbsPD
	addr   uint64
	access int
	lkey   uint32
	rkey   uint32
}

// slice returns the registered bytes backing [addr, addr+length).
func (m *simulatedMR) slice(addr uint64, length uint64) ([]byte, bool) {
	if addr < m.addr {
		return nil, false
	}

	off := addr - m.addr
	if off > uint64(len(m.buf)) || length > uint64(len(m.buf))-off {
		return nil, false
	}

	return m.buf[off : off+length], true
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	RDMAReads     int64
	RDMAWrites    int64
	Completions   int64
	CQEvents      int64
	CQOverflows   int64
	Errors        int64
}

// NewSimulatedVerbsBackend creates a new, empty simulated fabric.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	return &SimulatedVerbsBackend{
		contexts: make(map[VerbsContext]*simulatedContext),
		pds:      make(map[VerbsPD]*simulatedPD),
		channels: make(map[VerbsCompChannel]*simulatedChannel),
		cqs:      make(map[VerbsCQ]*simulatedCQ),
		qps:      make(map[VerbsQP]*simulatedQP),
		qpsByNum: make(map[uint32]*simulatedQP),
		mrs:      make(map[VerbsMR]*simulatedMR),
		lkeys:    make(map[uint32]*simulatedMR),
		rkeys:    make(map[uint32]*simulatedMR),
		metrics:  &verbsMetrics{},
	}
}

func (b *SimulatedVerbsBackend) Name() string {
	return BackendSimulated
}

func (b *SimulatedVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	b.devices = []VerbsDeviceInfo{
		{
			Name:         "sim0",
			GUID:         0x0001020304050607,
			NodeType:     1, // CA
			Transport:    0, // InfiniBand
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
		{
			Name:         "sim1",
			GUID:         0x0001020304050608,
			NodeType:     1,
			Transport:    0,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "20.35.1012",
			PhysPortCnt:  1,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.mu.Lock()
	qps := make([]VerbsQP, 0, len(b.qps))
	for h := range b.qps {
		qps = append(qps, h)
	}
	b.mu.Unlock()

	for _, h := range qps {
		_ = b.DestroyQP(h)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.channels {
		ch.close()
	}

	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.channels = make(map[VerbsCompChannel]*simulatedChannel)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.lkeys = make(map[uint32]*simulatedMR)
	b.rkeys = make(map[uint32]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	var (
		device *VerbsDeviceInfo
		index  int
	)

	for i := range b.devices {
		if b.devices[i].Name == name {
			device = &b.devices[i]
			index = i

			break
		}
	}

	if device == nil {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	// Link-local GID derived from the node GUID: fe80::<guid>.
	var gid [16]byte

	gid[0], gid[1] = 0xfe, 0x80
	for i := range 8 {
		gid[8+i] = byte(device.GUID >> (56 - 8*i))
	}

	b.nextHandle++
	ctx := VerbsContext(b.nextHandle)
	b.contexts[ctx] = &simulatedContext{
		device: device,
		gid:    gid,
		lid:    uint16(index + 1), //nolint:gosec // G115: device count is tiny
	}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedVerbsBackend) QueryPort(ctx VerbsContext, port int) (VerbsPortAttr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCtx, ok := b.contexts[ctx]
	if !ok {
		return VerbsPortAttr{}, ErrContextCreation
	}

	if port < 1 || port > simCtx.device.PhysPortCnt {
		return VerbsPortAttr{}, fmt.Errorf("%w: %s has no port %d", ErrDeviceNotFound, simCtx.device.Name, port)
	}

	return VerbsPortAttr{
		State:       PortStateActive,
		MaxMTU:      MTU4096,
		ActiveMTU:   MTU4096,
		GIDTableLen: 16,
		LinkLayer:   LinkLayerInfiniBand,
		LID:         simCtx.lid,
	}, nil
}

func (b *SimulatedVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	attr, err := b.QueryPort(ctx, port)
	if err != nil {
		return [16]byte{}, err
	}

	if index < 0 || index >= attr.GIDTableLen {
		return [16]byte{}, fmt.Errorf("%w: gid index %d out of range", ErrDeviceNotFound, index)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.contexts[ctx].gid, nil
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	b.nextHandle++
	pd := VerbsPD(b.nextHandle)
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	b.nextHandle++
	ch := VerbsCompChannel(b.nextHandle)
	b.channels[ch] = &simulatedChannel{
		events: make(chan VerbsCQ, 64),
		closed: make(chan struct{}),
	}

	return ch, nil
}

func (b *SimulatedVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if simCh, ok := b.channels[ch]; ok {
		simCh.close()
		delete(b.channels, ch)
	}

	return nil
}

func (b *SimulatedVerbsBackend) GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.RLock()
	simCh, ok := b.channels[ch]
	b.mu.RUnlock()

	if !ok {
		return 0, ErrChannelClosed
	}

	select {
	case cq := <-simCh.events:
		atomic.AddInt64(&b.metrics.CQEvents, 1)
		return cq, nil
	case <-simCh.closed:
		return 0, ErrChannelClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *SimulatedVerbsBackend) AckCQEvents(cq VerbsCQ, n int) {}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	if cqe <= 0 {
		return 0, fmt.Errorf("%w: invalid size %d", ErrCQCreation, cqe)
	}

	var simCh *simulatedChannel

	if ch != 0 {
		var ok bool
		if simCh, ok = b.channels[ch]; !ok {
			return 0, fmt.Errorf("%w: unknown completion channel", ErrCQCreation)
		}
	}

	b.nextHandle++
	cq := VerbsCQ(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{
		handle:      cq,
		ctx:         ctx,
		size:        cqe,
		channel:     simCh,
		completions: make([]VerbsWorkCompletion, 0, cqe),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	simCQ, ok := b.cqs[cq]
	delete(b.cqs, cq)
	b.mu.Unlock()

	if ok {
		simCQ.mu.Lock()
		simCQ.destroyed = true
		simCQ.completions = nil
		simCQ.mu.Unlock()
	}

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.RLock()
	simCQ, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrPollCQ
	}

	simCQ.mu.Lock()
	defer simCQ.mu.Unlock()

	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(count))

	return result, nil
}

func (b *SimulatedVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	b.mu.RLock()
	simCQ, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return ErrCQCreation
	}

	simCQ.mu.Lock()
	defer simCQ.mu.Unlock()

	if simCQ.channel == nil {
		return fmt.Errorf("%w: completion queue has no channel", ErrCQCreation)
	}

	simCQ.armed = true

	return nil
}

// complete appends a work completion and fires the armed notification.
func (b *SimulatedVerbsBackend) complete(cq *simulatedCQ, wc VerbsWorkCompletion) {
	if wc.Status != WCSuccess {
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	cq.mu.Lock()
	if cq.destroyed {
		cq.mu.Unlock()
		return
	}

	if len(cq.completions) >= cq.size {
		atomic.AddInt64(&b.metrics.CQOverflows, 1)
	}

	cq.completions = append(cq.completions, wc)
	notify := cq.armed && cq.channel != nil
	cq.armed = false
	ch := cq.channel
	cq.mu.Unlock()

	if notify {
		ch.signal(cq.handle)
	}
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, qpCap VerbsQPCap) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if qpType != QPTypeRC {
		return 0, fmt.Errorf("%w: only reliable connection queue pairs are simulated", ErrQPCreation)
	}

	scq, ok := b.cqs[sendCQ]
	if !ok {
		return 0, fmt.Errorf("%w: unknown send completion queue", ErrQPCreation)
	}

	rcq, ok := b.cqs[recvCQ]
	if !ok {
		return 0, fmt.Errorf("%w: unknown receive completion queue", ErrQPCreation)
	}

	if qpCap.MaxSendWR == 0 || qpCap.MaxRecvWR == 0 || qpCap.MaxSendSge == 0 || qpCap.MaxRecvSge == 0 {
		return 0, fmt.Errorf("%w: queue capacities must be positive", ErrQPCreation)
	}

	b.nextHandle++
	qp := VerbsQP(b.nextHandle)
	qpNum := uint32(b.nextHandle) & 0xffffff //nolint:gosec // G115: QPNs are 24 bits

	simQP := &simulatedQP{
		handle:    qp,
		qpNum:     qpNum,
		pd:        pd,
		sendCQ:    scq,
		recvCQ:    rcq,
		qpType:    qpType,
		sendQueue: make(chan *VerbsSendWR, qpCap.MaxSendWR),
		recvQueue: make(chan *VerbsRecvWR, qpCap.MaxRecvWR),
		done:      make(chan struct{}),
		attr: VerbsQPAttr{
			State: QPStateReset,
			QPN:   qpNum,
			Cap:   qpCap,
		},
	}

	b.qps[qp] = simQP
	b.qpsByNum[qpNum] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	simQP, ok := b.qps[qp]
	if ok {
		delete(b.qps, qp)
		delete(b.qpsByNum, simQP.qpNum)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown queue pair", ErrQPCreation)
	}

	simQP.mu.Lock()
	simQP.attr.State = QPStateError
	simQP.mu.Unlock()

	close(simQP.done)
	simQP.wg.Wait()

	for {
		select {
		case wr := <-simQP.sendQueue:
			simQP.outstanding.Add(-1)
			b.complete(simQP.sendCQ, VerbsWorkCompletion{
				WRID:   wr.WRID,
				Status: WCWRFlushErr,
				Opcode: sendOpcode(wr.Opcode),
				QPN:    simQP.qpNum,
			})
		case wr := <-simQP.recvQueue:
			b.complete(simQP.recvCQ, VerbsWorkCompletion{
				WRID:   wr.WRID,
				Status: WCWRFlushErr,
				Opcode: WCOpRecv,
				QPN:    simQP.qpNum,
			})
		default:
			return nil
		}
	}
}

func (b *SimulatedVerbsBackend) lookupQP(qp VerbsQP) (*simulatedQP, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]

	return simQP, ok
}

func (b *SimulatedVerbsBackend) ModifyQPToInit(qp VerbsQP, port int, access int) error {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return ErrQPCreation
	}

	simQP.mu.Lock()
	defer simQP.mu.Unlock()

	if simQP.attr.State != QPStateReset {
		return fmt.Errorf("%w: RESET->INIT from state %d", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateInit
	simQP.attr.PortNum = uint8(port) //nolint:gosec // G115: port numbers are small
	simQP.attr.QPAccessFlags = access

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTR(qp VerbsQP, attr VerbsRTRAttr) error {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return ErrQPCreation
	}

	simQP.mu.Lock()
	defer simQP.mu.Unlock()

	if simQP.attr.State != QPStateInit {
		return fmt.Errorf("%w: INIT->RTR from state %d", ErrModifyQP, simQP.attr.State)
	}

	if attr.DestQPN == 0 {
		return fmt.Errorf("%w: destination QPN is required", ErrModifyQP)
	}

	simQP.attr.State = QPStateRTR
	simQP.attr.DestQPN = attr.DestQPN
	simQP.attr.RQPsn = attr.RQPsn
	simQP.attr.PathMTU = attr.PathMTU
	simQP.attr.MaxDestRdAtomic = attr.MaxDestRdAtomic
	simQP.attr.MinRnrTimer = attr.MinRnrTimer

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTS(qp VerbsQP, attr VerbsRTSAttr) error {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return ErrQPCreation
	}

	simQP.mu.Lock()
	defer simQP.mu.Unlock()

	if simQP.attr.State != QPStateRTR {
		return fmt.Errorf("%w: RTR->RTS from state %d", ErrModifyQP, simQP.attr.State)
	}

	simQP.attr.State = QPStateRTS
	simQP.attr.SQPsn = attr.SQPsn
	simQP.attr.Timeout = attr.Timeout
	simQP.attr.RetryCnt = attr.RetryCnt
	simQP.attr.RnrRetry = attr.RnrRetry
	simQP.attr.MaxRdAtomic = attr.MaxRdAtomic

	if !simQP.running {
		simQP.running = true
		simQP.wg.Add(1)

		go b.runSendQueue(simQP)
	}

	return nil
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return nil, ErrQPCreation
	}

	simQP.mu.Lock()
	defer simQP.mu.Unlock()

	attr := simQP.attr

	return &attr, nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, VerbsMRKeys, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, VerbsMRKeys{}, ErrPDCreation
	}

	if len(buf) == 0 {
		return 0, VerbsMRKeys{}, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	// Same rule as ibv_reg_mr: remote write/atomic need local write.
	if access&(MRAccessRemoteWrite|MRAccessRemoteAtomic) != 0 && access&MRAccessLocalWrite == 0 {
		return 0, VerbsMRKeys{}, fmt.Errorf("%w: remote write requires local write", ErrMRCreation)
	}

	b.nextHandle++
	mr := VerbsMR(b.nextHandle)
	key := uint32(b.nextHandle) //nolint:gosec // G115: handle count stays far below 2^31

	simMR := &simulatedMR{
		buf:    buf,
		pd:     pd,
		addr:   uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))),
		access: access,
		lkey:   key,
		rkey:   key | 1<<31,
	}

	b.mrs[mr] = simMR
	b.lkeys[simMR.lkey] = simMR
	b.rkeys[simMR.rkey] = simMR
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return mr, VerbsMRKeys{
		Addr:   simMR.addr,
		Length: uint64(len(buf)),
		LKey:   simMR.lkey,
		RKey:   simMR.rkey,
	}, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region", ErrMRCreation)
	}

	delete(b.mrs, mr)
	delete(b.lkeys, simMR.lkey)
	delete(b.rkeys, simMR.rkey)

	return nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return fmt.Errorf("%w: unknown queue pair", ErrPostSend)
	}

	if state := simQP.state(); state != QPStateRTS {
		return fmt.Errorf("%w: queue pair %d is in state %d", ErrPostSend, simQP.qpNum, state)
	}

	if len(wr.SGList) > int(simQP.attr.Cap.MaxSendSge) {
		return fmt.Errorf("%w: %d scatter/gather entries exceed %d", ErrPostSend, len(wr.SGList), simQP.attr.Cap.MaxSendSge)
	}

	if simQP.outstanding.Add(1) > int64(simQP.attr.Cap.MaxSendWR) {
		simQP.outstanding.Add(-1)
		return ErrQueueFull
	}

	posted := *wr
	posted.SGList = append([]VerbsSGE(nil), wr.SGList...)

	select {
	case simQP.sendQueue <- &posted:
	default:
		simQP.outstanding.Add(-1)
		return ErrQueueFull
	}

	switch wr.Opcode {
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	default:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	return nil
}

func (b *SimulatedVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	simQP, ok := b.lookupQP(qp)
	if !ok {
		return fmt.Errorf("%w: unknown queue pair", ErrPostRecv)
	}

	if state := simQP.state(); state == QPStateReset || state == QPStateError {
		return fmt.Errorf("%w: queue pair %d is in state %d", ErrPostRecv, simQP.qpNum, state)
	}

	if len(wr.SGList) > int(simQP.attr.Cap.MaxRecvSge) {
		return fmt.Errorf("%w: %d scatter/gather entries exceed %d", ErrPostRecv, len(wr.SGList), simQP.attr.Cap.MaxRecvSge)
	}

	posted := *wr
	posted.SGList = append([]VerbsSGE(nil), wr.SGList...)

	select {
	case simQP.recvQueue <- &posted:
	default:
		return ErrQueueFull
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func sendOpcode(op WROpcode) WCOpcode {
	switch op {
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		return WCOpRDMAWrite
	case WROpRDMARead:
		return WCOpRDMARead
	default:
		return WCOpSend
	}
}

func (b *SimulatedVerbsBackend) runSendQueue(q *simulatedQP) {
	defer q.wg.Done()

	for {
		select {
		case wr := <-q.sendQueue:
			status, n := b.execute(q, wr)
			q.outstanding.Add(-1)
			b.complete(q.sendCQ, VerbsWorkCompletion{
				WRID:    wr.WRID,
				Status:  status,
				Opcode:  sendOpcode(wr.Opcode),
				ByteLen: n,
				QPN:     q.qpNum,
			})
		case <-q.done:
			return
		}
	}
}

func (b *SimulatedVerbsBackend) peerOf(q *simulatedQP) *simulatedQP {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q.mu.Lock()
	dest := q.attr.DestQPN
	q.mu.Unlock()

	return b.qpsByNum[dest]
}

func (b *SimulatedVerbsBackend) execute(q *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32) {
	peer := b.peerOf(q)
	if peer == nil {
		return WCRetryExcErr, 0
	}

	switch wr.Opcode {
	case WROpSend, WROpSendWithImm:
		return b.executeSend(q, peer, wr)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		return b.executeWrite(q, peer, wr)
	case WROpRDMARead:
		return b.executeRead(q, peer, wr)
	default:
		return WCLocalQPOpErr, 0
	}
}

func (b *SimulatedVerbsBackend) executeSend(q, peer *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32) {
	b.mu.RLock()
	payload, status := b.gather(q.pd, wr.SGList)
	b.mu.RUnlock()

	if status != WCSuccess {
		return status, 0
	}

	var recv *VerbsRecvWR

	select {
	case recv = <-peer.recvQueue:
	case <-peer.done:
		return WCRetryExcErr, 0
	case <-q.done:
		return WCWRFlushErr, 0
	}

	b.mu.RLock()
	n, status := b.scatter(peer.pd, recv.SGList, payload)
	b.mu.RUnlock()

	if status != WCSuccess {
		b.complete(peer.recvCQ, VerbsWorkCompletion{
			WRID:   recv.WRID,
			Status: status,
			Opcode: WCOpRecv,
			QPN:    peer.qpNum,
			SrcQP:  q.qpNum,
		})

		if status == WCLocalLenErr {
			return WCRemoteInvalidReqErr, 0
		}

		return WCRemoteOpErr, 0
	}

	b.complete(peer.recvCQ, VerbsWorkCompletion{
		WRID:    recv.WRID,
		Status:  WCSuccess,
		Opcode:  WCOpRecv,
		ByteLen: n,
		ImmData: wr.ImmData,
		QPN:     peer.qpNum,
		SrcQP:   q.qpNum,
	})

	return WCSuccess, n
}

func (b *SimulatedVerbsBackend) executeWrite(q, peer *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32) {
	if !peerAllows(peer, MRAccessRemoteWrite) {
		return WCRemoteAccessErr, 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	payload, status := b.gather(q.pd, wr.SGList)
	if status != WCSuccess {
		return status, 0
	}

	dst, status := b.remote(peer.pd, wr.RKey, wr.RemoteAddr, uint64(len(payload)), MRAccessRemoteWrite)
	if status != WCSuccess {
		return status, 0
	}

	copy(dst, payload)

	return WCSuccess, uint32(len(payload)) //nolint:gosec // G115: bounded by registered region size
}

func (b *SimulatedVerbsBackend) executeRead(q, peer *simulatedQP, wr *VerbsSendWR) (WCStatus, uint32) {
	if !peerAllows(peer, MRAccessRemoteRead) {
		return WCRemoteAccessErr, 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var total uint64
	for _, sge := range wr.SGList {
		total += uint64(sge.Length)
	}

	src, status := b.remote(peer.pd, wr.RKey, wr.RemoteAddr, total, MRAccessRemoteRead)
	if status != WCSuccess {
		return status, 0
	}

	n, st := b.scatter(q.pd, wr.SGList, src)

	return st, n
}

func peerAllows(peer *simulatedQP, access int) bool {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	return peer.attr.QPAccessFlags&access != 0
}

// gather copies the bytes named by sgl. Caller holds b.mu.
func (b *SimulatedVerbsBackend) gather(pd VerbsPD, sgl []VerbsSGE) ([]byte, WCStatus) {
	var total uint64
	for _, sge := range sgl {
		total += uint64(sge.Length)
	}

	payload := make([]byte, 0, total)

	for _, sge := range sgl {
		mr, ok := b.lkeys[sge.LKey]
		if !ok || mr.pd != pd {
			return nil, WCLocalProtErr
		}

		src, ok := mr.slice(sge.Addr, uint64(sge.Length))
		if !ok {
			return nil, WCLocalProtErr
		}

		payload = append(payload, src...)
	}

	return payload, WCSuccess
}

// scatter copies data into the buffers named by sgl. Caller holds b.mu.
func (b *SimulatedVerbsBackend) scatter(pd VerbsPD, sgl []VerbsSGE, data []byte) (uint32, WCStatus) {
	var capacity uint64
	for _, sge := range sgl {
		capacity += uint64(sge.Length)
	}

	if uint64(len(data)) > capacity {
		return 0, WCLocalLenErr
	}

	written := 0

	for _, sge := range sgl {
		if written == len(data) {
			break
		}

		mr, ok := b.lkeys[sge.LKey]
		if !ok || mr.pd != pd || mr.access&MRAccessLocalWrite == 0 {
			return 0, WCLocalProtErr
		}

		dst, ok := mr.slice(sge.Addr, uint64(sge.Length))
		if !ok {
			return 0, WCLocalProtErr
		}

		written += copy(dst, data[written:])
	}

	return uint32(written), WCSuccess //nolint:gosec // G115: bounded by registered region size
}

// remote resolves an rkey-addressed range on the responder side. Caller holds b.mu.
func (b *SimulatedVerbsBackend) remote(pd VerbsPD, rkey uint32, addr, length uint64, access int) ([]byte, WCStatus) {
	mr, ok := b.rkeys[rkey]
	if !ok || mr.pd != pd || mr.access&access == 0 {
		return nil, WCRemoteAccessErr
	}

	buf, ok := mr.slice(addr, length)
	if !ok {
		return nil, WCRemoteAccessErr
	}

	return buf, WCSuccess
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"cq_events":      atomic.LoadInt64(&b.metrics.CQEvents),
		"cq_overflows":   atomic.LoadInt64(&b.metrics.CQOverflows),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
