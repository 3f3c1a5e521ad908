package rdma

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
)

// Access is a memory region access-rights bitmask.
type Access uint32

// Access rights, bit-compatible with the verbs MRAccess flags.
const (
	AccessLocalWrite   Access = MRAccessLocalWrite
	AccessRemoteWrite  Access = MRAccessRemoteWrite
	AccessRemoteRead   Access = MRAccessRemoteRead
	AccessRemoteAtomic Access = MRAccessRemoteAtomic

	AccessAll = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic
)

var accessNames = []struct {
	bit  Access
	name string
}{
	{AccessLocalWrite, "local-write"},
	{AccessRemoteWrite, "remote-write"},
	{AccessRemoteRead, "remote-read"},
	{AccessRemoteAtomic, "remote-atomic"},
}

// Has reports whether every bit of want is granted.
func (a Access) Has(want Access) bool {
	return a&want == want
}

func (a Access) String() string {
	if a == 0 {
		return "none"
	}

	var parts []string

	for _, n := range accessNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}

	if rest := a &^ AccessAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}

	return strings.Join(parts, "|")
}

// ParseAccess parses a "|" or "," separated list of access names.
// "all" and "none" are accepted.
func ParseAccess(s string) (Access, error) {
	var a Access

	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		switch field = strings.ToLower(field); field {
		case "all":
			a |= AccessAll
		case "none":
		default:
			found := false

			for _, n := range accessNames {
				if n.name == field {
					a |= n.bit
					found = true

					break
				}
			}

			if !found {
				return 0, fmt.Errorf("unknown access right %q", field)
			}
		}
	}

	return a, nil
}

// LocalMemoryRegion is a registered byte range in this process.
//
// Regions come from an MRAllocator and are reference counted: the allocator
// hands out one reference, Retain adds more (one per in-flight operation and
// per capability exported to a peer), and the last Release returns the range
// to the allocator. Releasing more often than retained panics.
type LocalMemoryRegion struct {
	owner  *MRAllocator
	parent *LocalMemoryRegion
	buf    []byte
	addr   uint64
	offset uint64
	access Access
	lkey   uint32
	rkey   uint32
	refs   atomic.Int32
}

func (m *LocalMemoryRegion) root() *LocalMemoryRegion {
	if m.parent != nil {
		return m.parent
	}

	return m
}

// Bytes returns the region's memory. Do not use it after the last Release.
func (m *LocalMemoryRegion) Bytes() []byte { return m.buf }

// Addr returns the virtual address of the first byte as the device sees it.
func (m *LocalMemoryRegion) Addr() uint64 { return m.addr }

// Len returns the region length in bytes.
func (m *LocalMemoryRegion) Len() int { return len(m.buf) }

// Access returns the rights this region was granted.
func (m *LocalMemoryRegion) Access() Access { return m.access }

// LKey returns the local key used in scatter/gather entries.
func (m *LocalMemoryRegion) LKey() uint32 { return m.lkey }

// RKey returns the remote key a peer presents for one-sided access.
func (m *LocalMemoryRegion) RKey() uint32 { return m.rkey }

// Remote returns the capability descriptor a peer uses to READ/WRITE this region.
func (m *LocalMemoryRegion) Remote() RemoteMemoryRegion {
	return RemoteMemoryRegion{
		Addr:   m.addr,
		Length: uint64(len(m.buf)),
		RKey:   m.rkey,
		Access: m.access,
	}
}

// Retain adds a reference and returns m for chaining.
func (m *LocalMemoryRegion) Retain() *LocalMemoryRegion {
	if m.root().refs.Add(1) <= 1 {
		panic("rdma: retain of released memory region")
	}

	return m
}

// Release drops a reference. The last reference returns the range to the allocator.
func (m *LocalMemoryRegion) Release() {
	r := m.root()

	n := r.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("rdma: memory region %#x released more times than retained", r.addr))
	}

	if n == 0 && r.owner != nil {
		r.owner.freeRegion(r)
	}
}

// Slice returns a sub-region [off, off+n) holding its own reference on the
// parent region. Release it like any other region.
func (m *LocalMemoryRegion) Slice(off, n int) (*LocalMemoryRegion, error) {
	if off < 0 || n < 0 || off > len(m.buf) || n > len(m.buf)-off {
		return nil, fmt.Errorf("%w: slice [%d,+%d) of %d bytes", ErrOutOfBounds, off, n, len(m.buf))
	}

	r := m.root()
	r.Retain()

	return &LocalMemoryRegion{
		owner:  r.owner,
		parent: r,
		buf:    m.buf[off : off+n : off+n],
		addr:   m.addr + uint64(off),
		offset: m.offset + uint64(off),
		access: m.access,
		lkey:   m.lkey,
		rkey:   m.rkey,
	}, nil
}

func (m *LocalMemoryRegion) sge() VerbsSGE {
	return VerbsSGE{
		Addr:   m.addr,
		Length: uint32(len(m.buf)), //nolint:gosec // G115: bounded by arena size
		LKey:   m.lkey,
	}
}

func (m *LocalMemoryRegion) String() string {
	return fmt.Sprintf("local[%#x,+%d lkey=%#x rkey=%#x %s]", m.addr, len(m.buf), m.lkey, m.rkey, m.access)
}

// remoteRegionSize is the encoded size of a RemoteMemoryRegion.
const remoteRegionSize = 24

// RemoteMemoryRegion is a capability for one-sided access to memory a peer
// owns. It owns nothing; the peer must keep the backing LocalMemoryRegion
// alive for as long as the descriptor is in use.
type RemoteMemoryRegion struct {
	Addr   uint64
	Length uint64
	RKey   uint32
	Access Access
}

// Slice returns the capability for [off, off+n) of r.
func (r RemoteMemoryRegion) Slice(off, n uint64) (RemoteMemoryRegion, error) {
	if off > r.Length || n > r.Length-off {
		return RemoteMemoryRegion{}, fmt.Errorf("%w: slice [%d,+%d) of %d bytes", ErrOutOfBounds, off, n, r.Length)
	}

	r.Addr += off
	r.Length = n

	return r, nil
}

func (r RemoteMemoryRegion) String() string {
	return fmt.Sprintf("remote[%#x,+%d rkey=%#x %s]", r.Addr, r.Length, r.RKey, r.Access)
}

// MarshalBinary encodes r as addr u64 | length u64 | rkey u32 | access u32, big-endian.
func (r RemoteMemoryRegion) MarshalBinary() ([]byte, error) {
	return r.appendTo(make([]byte, 0, remoteRegionSize)), nil
}

// UnmarshalBinary decodes the MarshalBinary layout.
func (r *RemoteMemoryRegion) UnmarshalBinary(data []byte) error {
	if len(data) != remoteRegionSize {
		return fmt.Errorf("%w: region descriptor is %d bytes, want %d", ErrProtocol, len(data), remoteRegionSize)
	}

	r.Addr = binary.BigEndian.Uint64(data[0:8])
	r.Length = binary.BigEndian.Uint64(data[8:16])
	r.RKey = binary.BigEndian.Uint32(data[16:20])
	r.Access = Access(binary.BigEndian.Uint32(data[20:24]))

	return nil
}

func (r RemoteMemoryRegion) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, r.Addr)
	b = binary.BigEndian.AppendUint64(b, r.Length)
	b = binary.BigEndian.AppendUint32(b, r.RKey)

	return binary.BigEndian.AppendUint32(b, uint32(r.Access))
}
