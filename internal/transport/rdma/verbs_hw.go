//go:build linux && cgo && rdma_hw

package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <arpa/inet.h>
// #include <infiniband/verbs.h>
//
// static int ar_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
//     return ibv_query_port(ctx, port, attr);
// }
//
// static int ar_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
//     return ibv_poll_cq(cq, n, wc);
// }
//
// static int ar_req_notify_cq(struct ibv_cq *cq) {
//     return ibv_req_notify_cq(cq, 0);
// }
//
// static int ar_get_cq_event(struct ibv_comp_channel *ch, struct ibv_cq **cq) {
//     void *cq_ctx;
//     if (ibv_get_cq_event(ch, cq, &cq_ctx)) {
//         return errno;
//     }
//     return 0;
// }
//
// static struct ibv_mr *ar_reg_mr(struct ibv_pd *pd, uintptr_t addr, size_t len, int access) {
//     return ibv_reg_mr(pd, (void *)addr, len, access);
// }
//
// static int ar_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
//                         uint64_t remote_addr, uint32_t rkey, uint32_t imm,
//                         struct ibv_sge *sges, int num) {
//     struct ibv_send_wr wr, *bad = NULL;
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.opcode = opcode;
//     wr.send_flags = flags;
//     wr.sg_list = sges;
//     wr.num_sge = num;
//     wr.imm_data = htonl(imm);
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//     return ibv_post_send(qp, &wr, &bad);
// }
//
// static int ar_post_recv(struct ibv_qp *qp, uint64_t wr_id, struct ibv_sge *sges, int num) {
//     struct ibv_recv_wr wr, *bad = NULL;
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = sges;
//     wr.num_sge = num;
//     return ibv_post_recv(qp, &wr, &bad);
// }
//
// static int ar_modify_init(struct ibv_qp *qp, uint8_t port, int access) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port;
//     attr.qp_access_flags = access;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// static int ar_modify_rtr(struct ibv_qp *qp, uint8_t port, int mtu, uint32_t dest_qpn,
//                          uint32_t rq_psn, uint16_t dlid, uint8_t max_dest_rd_atomic,
//                          uint8_t min_rnr_timer, int is_global, const uint8_t *dgid,
//                          uint8_t sgid_index) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = mtu;
//     attr.dest_qp_num = dest_qpn;
//     attr.rq_psn = rq_psn;
//     attr.max_dest_rd_atomic = max_dest_rd_atomic;
//     attr.min_rnr_timer = min_rnr_timer;
//     attr.ah_attr.dlid = dlid;
//     attr.ah_attr.sl = 0;
//     attr.ah_attr.src_path_bits = 0;
//     attr.ah_attr.port_num = port;
//     if (is_global) {
//         attr.ah_attr.is_global = 1;
//         memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);
//         attr.ah_attr.grh.sgid_index = sgid_index;
//         attr.ah_attr.grh.hop_limit = 1;
//     }
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
//         IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// static int ar_modify_rts(struct ibv_qp *qp, uint32_t sq_psn, uint8_t timeout,
//                          uint8_t retry_cnt, uint8_t rnr_retry, uint8_t max_rd_atomic) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.sq_psn = sq_psn;
//     attr.timeout = timeout;
//     attr.retry_cnt = retry_cnt;
//     attr.rnr_retry = rnr_retry;
//     attr.max_rd_atomic = max_rd_atomic;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_SQ_PSN | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
//         IBV_QP_RNR_RETRY | IBV_QP_MAX_QP_RD_ATOMIC);
// }
//
// static int ar_query_qp(struct ibv_qp *qp, struct ibv_qp_attr *attr, struct ibv_qp_init_attr *init) {
//     return ibv_query_qp(qp, attr,
//         IBV_QP_STATE | IBV_QP_CAP | IBV_QP_DEST_QPN | IBV_QP_RQ_PSN | IBV_QP_SQ_PSN |
//         IBV_QP_ACCESS_FLAGS | IBV_QP_PATH_MTU | IBV_QP_MAX_QP_RD_ATOMIC |
//         IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER | IBV_QP_PORT |
//         IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY, init);
// }
import "C"

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// channelPollInterval bounds how long GetCQEvent sleeps in poll(2) before it
// looks at its context again.
const channelPollInterval = 100 // milliseconds

func init() {
	RegisterBackend(BackendVerbs, func() (VerbsBackend, error) {
		return NewHardwareVerbsBackend(), nil
	})
}

// HardwareVerbsBackend drives real RDMA devices through libibverbs.
//
// Verbs objects are kept in handle tables so that no C pointer ever travels
// through the transport as an integer. Completion channels are switched to
// non-blocking mode and waited on with poll(2), which lets GetCQEvent honor
// its context.
type HardwareVerbsBackend struct {
	contexts   map[VerbsContext]*C.struct_ibv_context
	pds        map[VerbsPD]*C.struct_ibv_pd
	channels   map[VerbsCompChannel]*C.struct_ibv_comp_channel
	cqs        map[VerbsCQ]*C.struct_ibv_cq
	cqHandles  map[*C.struct_ibv_cq]VerbsCQ
	qps        map[VerbsQP]*C.struct_ibv_qp
	mrs        map[VerbsMR]*C.struct_ibv_mr
	metrics    *verbsMetrics
	nextHandle uintptr
	mu         sync.RWMutex
}

// NewHardwareVerbsBackend creates a backend with empty handle tables.
func NewHardwareVerbsBackend() *HardwareVerbsBackend {
	b := &HardwareVerbsBackend{metrics: &verbsMetrics{}}
	b.reset()

	return b
}

func (b *HardwareVerbsBackend) reset() {
	b.contexts = make(map[VerbsContext]*C.struct_ibv_context)
	b.pds = make(map[VerbsPD]*C.struct_ibv_pd)
	b.channels = make(map[VerbsCompChannel]*C.struct_ibv_comp_channel)
	b.cqs = make(map[VerbsCQ]*C.struct_ibv_cq)
	b.cqHandles = make(map[*C.struct_ibv_cq]VerbsCQ)
	b.qps = make(map[VerbsQP]*C.struct_ibv_qp)
	b.mrs = make(map[VerbsMR]*C.struct_ibv_mr)
}

func (b *HardwareVerbsBackend) Name() string {
	return BackendVerbs
}

func (b *HardwareVerbsBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

// Init checks that at least one device is visible.
func (b *HardwareVerbsBackend) Init() error {
	devices, err := b.GetDeviceList()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		return fmt.Errorf("%w: no RDMA devices found", ErrDeviceNotFound)
	}

	return nil
}

// Close tears down every object still in the handle tables, children first.
func (b *HardwareVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, qp := range b.qps {
		C.ibv_destroy_qp(qp)
	}

	for _, mr := range b.mrs {
		C.ibv_dereg_mr(mr)
	}

	for _, cq := range b.cqs {
		C.ibv_destroy_cq(cq)
	}

	for _, ch := range b.channels {
		C.ibv_destroy_comp_channel(ch)
	}

	for _, pd := range b.pds {
		C.ibv_dealloc_pd(pd)
	}

	for _, ctx := range b.contexts {
		C.ibv_close_device(ctx)
	}

	b.reset()

	return nil
}

func deviceList() ([]*C.struct_ibv_device, func(), error) {
	var n C.int

	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, nil, fmt.Errorf("%w: ibv_get_device_list failed", ErrDeviceNotFound)
	}

	devices := unsafe.Slice(list, int(n))

	return devices, func() { C.ibv_free_device_list(list) }, nil
}

func (b *HardwareVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	devices, free, err := deviceList()
	if err != nil {
		return nil, err
	}
	defer free()

	infos := make([]VerbsDeviceInfo, 0, len(devices))

	for _, dev := range devices {
		if dev == nil {
			continue
		}

		// The GUID comes back in network byte order.
		var guid [8]byte
		binary.NativeEndian.PutUint64(guid[:], uint64(C.ibv_get_device_guid(dev)))

		info := VerbsDeviceInfo{
			Name:      C.GoString(C.ibv_get_device_name(dev)),
			GUID:      binary.BigEndian.Uint64(guid[:]),
			NodeType:  int(dev.node_type),
			Transport: int(dev.transport_type),
		}

		if ctx := C.ibv_open_device(dev); ctx != nil {
			var attr C.struct_ibv_device_attr
			if C.ibv_query_device(ctx, &attr) == 0 {
				info.FWVer = C.GoString(&attr.fw_ver[0])
				info.PhysPortCnt = int(attr.phys_port_cnt)
				info.VendorID = uint32(attr.vendor_id)
				info.VendorPartID = uint32(attr.vendor_part_id)
				info.HWVer = uint32(attr.hw_ver)
			}

			C.ibv_close_device(ctx)
		}

		infos = append(infos, info)
	}

	return infos, nil
}

func (b *HardwareVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	devices, free, err := deviceList()
	if err != nil {
		return 0, err
	}
	defer free()

	for _, dev := range devices {
		if dev == nil {
			continue
		}

		devName := C.GoString(C.ibv_get_device_name(dev))
		if name != "" && devName != name {
			continue
		}

		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("%w: %s", ErrContextCreation, devName)
		}

		b.mu.Lock()
		h := VerbsContext(b.handle())
		b.contexts[h] = ctx
		b.mu.Unlock()

		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return h, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

func (b *HardwareVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	c, ok := b.contexts[ctx]
	delete(b.contexts, ctx)
	b.mu.Unlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ibv_close_device(c); rc != 0 {
		return fmt.Errorf("ibv_close_device failed: %d", int(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) context(ctx VerbsContext) (*C.struct_ibv_context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrVerbsNotInitialized
	}

	return c, nil
}

func (b *HardwareVerbsBackend) QueryPort(ctx VerbsContext, port int) (VerbsPortAttr, error) {
	c, err := b.context(ctx)
	if err != nil {
		return VerbsPortAttr{}, err
	}

	var attr C.struct_ibv_port_attr
	if rc := C.ar_query_port(c, C.uint8_t(port), &attr); rc != 0 {
		return VerbsPortAttr{}, fmt.Errorf("ibv_query_port %d: %w", port, unix.Errno(rc))
	}

	return VerbsPortAttr{
		State:       int(attr.state),
		MaxMTU:      int(attr.max_mtu),
		ActiveMTU:   int(attr.active_mtu),
		GIDTableLen: int(attr.gid_tbl_len),
		LinkLayer:   int(attr.link_layer),
		LID:         uint16(attr.lid),
	}, nil
}

func (b *HardwareVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	var gid [16]byte

	c, err := b.context(ctx)
	if err != nil {
		return gid, err
	}

	var raw C.union_ibv_gid
	if rc := C.ibv_query_gid(c, C.uint8_t(port), C.int(index), &raw); rc != 0 {
		return gid, fmt.Errorf("ibv_query_gid %d/%d: %w", port, index, unix.Errno(rc))
	}

	copy(gid[:], C.GoBytes(unsafe.Pointer(&raw), 16))

	return gid, nil
}

func (b *HardwareVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	pd := C.ibv_alloc_pd(c)
	if pd == nil {
		return 0, ErrPDCreation
	}

	b.mu.Lock()
	h := VerbsPD(b.handle())
	b.pds[h] = pd
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	p, ok := b.pds[pd]
	delete(b.pds, pd)
	b.mu.Unlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ibv_dealloc_pd(p); rc != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	ch := C.ibv_create_comp_channel(c)
	if ch == nil {
		return 0, ErrChannelCreation
	}

	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return 0, fmt.Errorf("%w: set nonblocking: %w", ErrChannelCreation, err)
	}

	b.mu.Lock()
	h := VerbsCompChannel(b.handle())
	b.channels[h] = ch
	b.mu.Unlock()

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCompChannel(ch VerbsCompChannel) error {
	b.mu.Lock()
	c, ok := b.channels[ch]
	delete(b.channels, ch)
	b.mu.Unlock()

	if !ok {
		return ErrChannelClosed
	}

	if rc := C.ibv_destroy_comp_channel(c); rc != 0 {
		return fmt.Errorf("ibv_destroy_comp_channel: %w", unix.Errno(rc))
	}

	return nil
}

// GetCQEvent waits for the next completion event on ch.
func (b *HardwareVerbsBackend) GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error) {
	for {
		b.mu.RLock()
		c, ok := b.channels[ch]
		b.mu.RUnlock()

		if !ok {
			return 0, ErrChannelClosed
		}

		var cq *C.struct_ibv_cq

		rc := C.ar_get_cq_event(c, &cq)
		if rc == 0 {
			b.mu.RLock()
			h, ok := b.cqHandles[cq]
			b.mu.RUnlock()

			if !ok {
				return 0, fmt.Errorf("%w: event for unknown CQ", ErrPollCQ)
			}

			atomic.AddInt64(&b.metrics.CQEvents, 1)

			return h, nil
		}

		if errno := unix.Errno(rc); errno != unix.EAGAIN && errno != unix.EINTR {
			return 0, fmt.Errorf("ibv_get_cq_event: %w", errno)
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, channelPollInterval); err != nil && err != unix.EINTR {
			return 0, fmt.Errorf("poll completion channel: %w", err)
		}
	}
}

func (b *HardwareVerbsBackend) AckCQEvents(cq VerbsCQ, n int) {
	b.mu.RLock()
	c, ok := b.cqs[cq]
	b.mu.RUnlock()

	if ok {
		C.ibv_ack_cq_events(c, C.uint(n))
	}
}

func (b *HardwareVerbsBackend) CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error) {
	c, err := b.context(ctx)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	channel := b.channels[ch]
	b.mu.RUnlock()

	cq := C.ibv_create_cq(c, C.int(cqe), nil, channel, 0)
	if cq == nil {
		return 0, fmt.Errorf("%w: %d entries", ErrCQCreation, cqe)
	}

	b.mu.Lock()
	h := VerbsCQ(b.handle())
	b.cqs[h] = cq
	b.cqHandles[cq] = h
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	c, ok := b.cqs[cq]
	delete(b.cqs, cq)
	delete(b.cqHandles, c)
	b.mu.Unlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ibv_destroy_cq(c); rc != 0 {
		return fmt.Errorf("ibv_destroy_cq: %w", unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.RLock()
	c, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrVerbsNotInitialized
	}

	if numEntries <= 0 {
		return nil, nil
	}

	wcs := make([]C.struct_ibv_wc, numEntries)

	n := C.ar_poll_cq(c, C.int(numEntries), &wcs[0])
	if n < 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return nil, ErrPollCQ
	}

	out := make([]VerbsWorkCompletion, int(n))
	for i := range out {
		wc := &wcs[i]
		out[i] = VerbsWorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    wcOpcode(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
			SrcQP:     uint32(wc.src_qp),
			WCFlags:   int(wc.wc_flags),
			PkeyIndex: uint16(wc.pkey_index),
			SLID:      uint16(wc.slid),
			SL:        uint8(wc.sl),
			DLIDPath:  uint8(wc.dlid_path_bits),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(n))

	return out, nil
}

// wcOpcode folds the IBV_WC_RECV bit into the flat WCOpcode enumeration.
func wcOpcode(op C.enum_ibv_wc_opcode) WCOpcode {
	switch {
	case op == C.IBV_WC_RECV_RDMA_WITH_IMM:
		return WCOpRecvRDMAWithImm
	case op&C.IBV_WC_RECV != 0:
		return WCOpRecv
	default:
		return WCOpcode(op)
	}
}

func (b *HardwareVerbsBackend) ReqNotifyCQ(cq VerbsCQ) error {
	b.mu.RLock()
	c, ok := b.cqs[cq]
	b.mu.RUnlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ar_req_notify_cq(c); rc != 0 {
		return fmt.Errorf("ibv_req_notify_cq: %w", unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, qpCap VerbsQPCap) (VerbsQP, error) {
	b.mu.RLock()
	p, okPD := b.pds[pd]
	scq, okSend := b.cqs[sendCQ]
	rcq, okRecv := b.cqs[recvCQ]
	b.mu.RUnlock()

	if !okPD || !okSend || !okRecv {
		return 0, ErrVerbsNotInitialized
	}

	var typ C.enum_ibv_qp_type

	switch qpType {
	case QPTypeRC:
		typ = C.IBV_QPT_RC
	case QPTypeUC:
		typ = C.IBV_QPT_UC
	case QPTypeUD:
		typ = C.IBV_QPT_UD
	default:
		return 0, fmt.Errorf("%w: unsupported QP type %d", ErrQPCreation, qpType)
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = scq
	attr.recv_cq = rcq
	attr.qp_type = typ
	attr.sq_sig_all = 0
	attr.cap.max_send_wr = C.uint32_t(qpCap.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(qpCap.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(qpCap.MaxSendSge)
	attr.cap.max_recv_sge = C.uint32_t(qpCap.MaxRecvSge)
	attr.cap.max_inline_data = C.uint32_t(qpCap.MaxInlineData)

	qp := C.ibv_create_qp(p, &attr)
	if qp == nil {
		return 0, ErrQPCreation
	}

	b.mu.Lock()
	h := VerbsQP(b.handle())
	b.qps[h] = qp
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	q, ok := b.qps[qp]
	delete(b.qps, qp)
	b.mu.Unlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ibv_destroy_qp(q); rc != 0 {
		return fmt.Errorf("ibv_destroy_qp: %w", unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) queuePair(qp VerbsQP) (*C.struct_ibv_qp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil, ErrVerbsNotInitialized
	}

	return q, nil
}

func (b *HardwareVerbsBackend) ModifyQPToInit(qp VerbsQP, port int, access int) error {
	q, err := b.queuePair(qp)
	if err != nil {
		return err
	}

	if rc := C.ar_modify_init(q, C.uint8_t(port), C.int(access)); rc != 0 {
		return fmt.Errorf("%w: INIT: %w", ErrModifyQP, unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) ModifyQPToRTR(qp VerbsQP, attr VerbsRTRAttr) error {
	q, err := b.queuePair(qp)
	if err != nil {
		return err
	}

	var global C.int
	if attr.IsGlobal {
		global = 1
	}

	gid := C.CBytes(attr.DestGID[:])
	defer C.free(gid)

	rc := C.ar_modify_rtr(q, C.uint8_t(attr.Port), C.int(attr.PathMTU), C.uint32_t(attr.DestQPN),
		C.uint32_t(attr.RQPsn), C.uint16_t(attr.DestLID), C.uint8_t(attr.MaxDestRdAtomic),
		C.uint8_t(attr.MinRnrTimer), global, (*C.uint8_t)(gid), C.uint8_t(attr.SGIDIndex))
	if rc != 0 {
		return fmt.Errorf("%w: RTR: %w", ErrModifyQP, unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) ModifyQPToRTS(qp VerbsQP, attr VerbsRTSAttr) error {
	q, err := b.queuePair(qp)
	if err != nil {
		return err
	}

	rc := C.ar_modify_rts(q, C.uint32_t(attr.SQPsn), C.uint8_t(attr.Timeout), C.uint8_t(attr.RetryCnt),
		C.uint8_t(attr.RnrRetry), C.uint8_t(attr.MaxRdAtomic))
	if rc != 0 {
		return fmt.Errorf("%w: RTS: %w", ErrModifyQP, unix.Errno(rc))
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	q, err := b.queuePair(qp)
	if err != nil {
		return nil, err
	}

	var (
		attr C.struct_ibv_qp_attr
		init C.struct_ibv_qp_init_attr
	)

	if rc := C.ar_query_qp(q, &attr, &init); rc != 0 {
		return nil, fmt.Errorf("ibv_query_qp: %w", unix.Errno(rc))
	}

	return &VerbsQPAttr{
		State: int(attr.qp_state),
		Cap: VerbsQPCap{
			MaxSendWR:     uint32(attr.cap.max_send_wr),
			MaxRecvWR:     uint32(attr.cap.max_recv_wr),
			MaxSendSge:    uint32(attr.cap.max_send_sge),
			MaxRecvSge:    uint32(attr.cap.max_recv_sge),
			MaxInlineData: uint32(attr.cap.max_inline_data),
		},
		QPN:             uint32(q.qp_num),
		DestQPN:         uint32(attr.dest_qp_num),
		RQPsn:           uint32(attr.rq_psn),
		SQPsn:           uint32(attr.sq_psn),
		QPAccessFlags:   int(attr.qp_access_flags),
		PathMTU:         int(attr.path_mtu),
		MaxRdAtomic:     uint8(attr.max_rd_atomic),
		MaxDestRdAtomic: uint8(attr.max_dest_rd_atomic),
		MinRnrTimer:     uint8(attr.min_rnr_timer),
		PortNum:         uint8(attr.port_num),
		Timeout:         uint8(attr.timeout),
		RetryCnt:        uint8(attr.retry_cnt),
		RnrRetry:        uint8(attr.rnr_retry),
	}, nil
}

// RegMR registers buf, which must not live on the Go heap; the allocator
// hands in mmap'd arenas.
func (b *HardwareVerbsBackend) RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, VerbsMRKeys, error) {
	if len(buf) == 0 {
		return 0, VerbsMRKeys{}, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	b.mu.RLock()
	p, ok := b.pds[pd]
	b.mu.RUnlock()

	if !ok {
		return 0, VerbsMRKeys{}, ErrVerbsNotInitialized
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	mr := C.ar_reg_mr(p, C.uintptr_t(addr), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return 0, VerbsMRKeys{}, fmt.Errorf("%w: %d bytes", ErrMRCreation, len(buf))
	}

	b.mu.Lock()
	h := VerbsMR(b.handle())
	b.mrs[h] = mr
	b.mu.Unlock()

	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return h, VerbsMRKeys{
		Addr:   uint64(addr),
		Length: uint64(len(buf)),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (b *HardwareVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	m, ok := b.mrs[mr]
	delete(b.mrs, mr)
	b.mu.Unlock()

	if !ok {
		return ErrVerbsNotInitialized
	}

	if rc := C.ibv_dereg_mr(m); rc != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", unix.Errno(rc))
	}

	return nil
}

func sgeList(sgl []VerbsSGE) []C.struct_ibv_sge {
	out := make([]C.struct_ibv_sge, len(sgl))
	for i, sge := range sgl {
		out[i].addr = C.uint64_t(sge.Addr)
		out[i].length = C.uint32_t(sge.Length)
		out[i].lkey = C.uint32_t(sge.LKey)
	}

	return out
}

func sgePtr(sges []C.struct_ibv_sge) *C.struct_ibv_sge {
	if len(sges) == 0 {
		return nil
	}

	return &sges[0]
}

func (b *HardwareVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	q, err := b.queuePair(qp)
	if err != nil {
		return err
	}

	sges := sgeList(wr.SGList)

	rc := C.ar_post_send(q, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData),
		sgePtr(sges), C.int(len(sges)))
	if rc != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)

		if unix.Errno(rc) == unix.ENOMEM {
			return fmt.Errorf("%w: %w", ErrQueueFull, unix.Errno(rc))
		}

		return fmt.Errorf("%w: %w", ErrPostSend, unix.Errno(rc))
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

func (b *HardwareVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	q, err := b.queuePair(qp)
	if err != nil {
		return err
	}

	sges := sgeList(wr.SGList)

	if rc := C.ar_post_recv(q, C.uint64_t(wr.WRID), sgePtr(sges), C.int(len(sges))); rc != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)

		if unix.Errno(rc) == unix.ENOMEM {
			return fmt.Errorf("%w: %w", ErrQueueFull, unix.Errno(rc))
		}

		return fmt.Errorf("%w: %w", ErrPostRecv, unix.Errno(rc))
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *HardwareVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
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
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
