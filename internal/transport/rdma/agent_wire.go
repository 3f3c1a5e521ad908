package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Agent message framing.
//
// Every message starts with a 16-byte header, big-endian:
//
//	kind u8 | flags u8 | reserved u16 | request id u32 | payload length u32 | reserved u32
//
// followed by length payload bytes.
const (
	agentHeaderSize = 16

	// objectHeaderSize prefixes an Object payload: tag u8 | reserved u8 | name length u16.
	objectHeaderSize = 4

	allocRequestSize = 20 // size u64 | align u64 | access u32
	errorHeaderSize  = 2  // code u16, then the message text
)

// msgKind is the first byte of every agent message.
type msgKind uint8

const (
	kindAllocRequest msgKind = iota + 1
	kindAllocReply
	kindObject
	kindData
	kindRelease
	kindReleaseAck
	kindError
)

func (k msgKind) String() string {
	switch k {
	case kindAllocRequest:
		return "alloc_request"
	case kindAllocReply:
		return "alloc_reply"
	case kindObject:
		return "object"
	case kindData:
		return "data"
	case kindRelease:
		return "release"
	case kindReleaseAck:
		return "release_ack"
	case kindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header flags.
const (
	flagCompressed uint8 = 1 << 0
)

type agentHeader struct {
	kind   msgKind
	flags  uint8
	reqID  uint32
	length uint32
}

func (h agentHeader) put(b []byte) {
	b[0] = byte(h.kind)
	b[1] = h.flags
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint32(b[4:8], h.reqID)
	binary.BigEndian.PutUint32(b[8:12], h.length)
	binary.BigEndian.PutUint32(b[12:16], 0)
}

// parseHeader decodes the header of a received message of n bytes.
func parseHeader(msg []byte) (agentHeader, error) {
	if len(msg) < agentHeaderSize {
		return agentHeader{}, fmt.Errorf("%w: %d-byte message is shorter than its header", ErrProtocol, len(msg))
	}

	h := agentHeader{
		kind:   msgKind(msg[0]),
		flags:  msg[1],
		reqID:  binary.BigEndian.Uint32(msg[4:8]),
		length: binary.BigEndian.Uint32(msg[8:12]),
	}

	if h.kind < kindAllocRequest || h.kind > kindError {
		return h, fmt.Errorf("%w: unknown message kind %d", ErrProtocol, msg[0])
	}

	if uint64(h.length) != uint64(len(msg)-agentHeaderSize) {
		return h, fmt.Errorf("%w: %s header announces %d payload bytes, got %d",
			ErrProtocol, h.kind, h.length, len(msg)-agentHeaderSize)
	}

	return h, nil
}

type allocRequest struct {
	size   uint64
	align  uint64
	access Access
}

func (r allocRequest) marshal() []byte {
	b := make([]byte, 0, allocRequestSize)
	b = binary.BigEndian.AppendUint64(b, r.size)
	b = binary.BigEndian.AppendUint64(b, r.align)

	return binary.BigEndian.AppendUint32(b, uint32(r.access))
}

func parseAllocRequest(p []byte) (allocRequest, error) {
	if len(p) != allocRequestSize {
		return allocRequest{}, fmt.Errorf("%w: alloc request is %d bytes", ErrProtocol, len(p))
	}

	return allocRequest{
		size:   binary.BigEndian.Uint64(p[0:8]),
		align:  binary.BigEndian.Uint64(p[8:16]),
		access: Access(binary.BigEndian.Uint32(p[16:20])),
	}, nil
}

// layout converts the request to allocator arguments.
func (r allocRequest) layout() (int, int, error) {
	if r.size == 0 || r.size > math.MaxInt32 || r.align == 0 || r.align > math.MaxInt32 {
		return 0, 0, fmt.Errorf("%w: size %d align %d", ErrInvalidLayout, r.size, r.align)
	}

	return int(r.size), int(r.align), nil
}

// errorCode is carried by kindError replies.
type errorCode uint16

const (
	codeInternal errorCode = iota + 1
	codeResourceExhausted
	codeInvalidLayout
	codeAccessDenied
	codeNotFound
	codeProtocol
)

var errorCodes = []struct {
	code errorCode
	err  error
}{
	{codeResourceExhausted, ErrResourceExhausted},
	{codeInvalidLayout, ErrInvalidLayout},
	{codeAccessDenied, ErrAccessDenied},
	{codeNotFound, ErrNotFound},
	{codeProtocol, ErrProtocol},
}

func codeFor(err error) errorCode {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return codeInternal
}

// marshalError encodes err into at most limit bytes. The text is cut to fit;
// the code always survives.
func marshalError(err error, limit int) []byte {
	msg := err.Error()
	if room := max(limit-errorHeaderSize, 0); len(msg) > room {
		msg = msg[:room]
	}

	b := make([]byte, 0, errorHeaderSize+len(msg))
	b = binary.BigEndian.AppendUint16(b, uint16(codeFor(err)))

	return append(b, msg...)
}

// parseError rebuilds a peer's error so errors.Is matches the same sentinel.
func parseError(p []byte) error {
	if len(p) < errorHeaderSize {
		return fmt.Errorf("%w: short error reply", ErrProtocol)
	}

	code := errorCode(binary.BigEndian.Uint16(p[0:2]))
	text := string(p[errorHeaderSize:])

	for _, c := range errorCodes {
		if c.code == code {
			return fmt.Errorf("peer: %w (%s)", c.err, text)
		}
	}

	return fmt.Errorf("peer: %s", text)
}
