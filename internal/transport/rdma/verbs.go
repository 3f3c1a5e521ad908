// Package rdma provides the libibverbs abstraction layer for RDMA hardware integration.
//
// This file defines the interface between the asyncrdma transport and the
// underlying RDMA hardware. It provides:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - A simulated in-process fabric for development and testing
//
// Build Tags:
// - Default: only the simulated backend is registered (no hardware required)
// - rdma_hw: also registers the libibverbs backend (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrChannelCreation     = errors.New("failed to create completion channel")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrChannelClosed       = errors.New("completion channel closed")
	ErrUnknownBackend      = errors.New("unknown verbs backend")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error
	Name() string

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryPort(ctx VerbsContext, port int) (VerbsPortAttr, error)
	QueryGID(ctx VerbsContext, port, index int) ([16]byte, error)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Channel
	CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error
	GetCQEvent(ctx context.Context, ch VerbsCompChannel) (VerbsCQ, error)
	AckCQEvents(cq VerbsCQ, n int)

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)
	ReqNotifyCQ(cq VerbsCQ) error

	// Queue Pair
	CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, cap VerbsQPCap) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, port int, access int) error
	ModifyQPToRTR(qp VerbsQP, attr VerbsRTRAttr) error
	ModifyQPToRTS(qp VerbsQP, attr VerbsRTSAttr) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, VerbsMRKeys, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr
type VerbsCompChannel uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// Queue pair states as reported by QueryQP.
const (
	QPStateReset = 0
	QPStateInit  = 1
	QPStateRTR   = 2
	QPStateRTS   = 3
	QPStateError = 6
)

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// Port states.
const (
	PortStateDown   = 1
	PortStateInit   = 2
	PortStateArmed  = 3
	PortStateActive = 4
)

// Link layers.
const (
	LinkLayerUnspecified = 0
	LinkLayerInfiniBand  = 1
	LinkLayerEthernet    = 2
)

// Path MTU enumeration values (IBV_MTU_*).
const (
	MTU256  = 1
	MTU512  = 2
	MTU1024 = 3
	MTU2048 = 4
	MTU4096 = 5
)

// WROpcode is the operation carried by a send work request.
type WROpcode int

const (
	WROpRDMAWrite WROpcode = iota
	WROpRDMAWriteWithImm
	WROpSend
	WROpSendWithImm
	WROpRDMARead
)

// Send flags.
const (
	SendFlagFence     = 1 << 0
	SendFlagSignaled  = 1 << 1
	SendFlagSolicited = 1 << 2
	SendFlagInline    = 1 << 3
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "work request flushed error",
	WCMWBindErr:             "memory window bind error",
	WCBadRespErr:            "bad response error",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request error",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRnrRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRddViolErr:       "local RDD violation error",
	WCRemoteInvalidRdReqErr: "remote invalid RD request",
	WCRemoteAbortedErr:      "operation aborted",
	WCInvEECNErr:            "invalid EE context number",
	WCInvEECStateErr:        "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout error",
	WCGeneralErr:            "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv
	WCOpRecvRDMAWithImm
)

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsPortAttr contains the port attributes the transport needs.
type VerbsPortAttr struct {
	State       int
	MaxMTU      int
	ActiveMTU   int
	GIDTableLen int
	LinkLayer   int
	LID         uint16
}

// VerbsMRKeys describes a registered memory region.
type VerbsMRKeys struct {
	Addr   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           int
	Cap             VerbsQPCap
	QPN             uint32
	DestQPN         uint32
	RQPsn           uint32
	SQPsn           uint32
	QPAccessFlags   int
	PathMTU         int
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsRTRAttr carries the remote addressing and receive tuning for INIT->RTR.
type VerbsRTRAttr struct {
	DestGID         [16]byte
	DestQPN         uint32
	RQPsn           uint32
	PathMTU         int
	Port            int
	SGIDIndex       int
	DestLID         uint16
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	IsGlobal        bool
}

// VerbsRTSAttr carries the local send tuning for RTR->RTS.
type VerbsRTSAttr struct {
	SQPsn       uint32
	Timeout     uint8
	RetryCnt    uint8
	RnrRetry    uint8
	MaxRdAtomic uint8
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	RemoteAddr uint64
	Opcode     WROpcode
	SendFlags  int
	ImmData    uint32
	RKey       uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// BackendFactory constructs a verbs backend.
type BackendFactory func() (VerbsBackend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a verbs backend available under name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	backends[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// OpenBackend constructs and initializes the named backend.
func OpenBackend(name string) (VerbsBackend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	backend, err := factory()
	if err != nil {
		return nil, err
	}

	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize verbs backend %q: %w", name, err)
	}

	return backend, nil
}
