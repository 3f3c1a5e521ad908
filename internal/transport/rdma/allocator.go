package rdma

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/rs/zerolog"

	"github.com/piwi3910/asyncrdma/internal/metrics"
)

// Allocation constants.
const (
	DefaultAlignment = 8
	DefaultArenaSize = 4 << 20 // 4MB
)

// span is a free byte range [off, off+size) of the arena.
type span struct {
	off  uint64
	size uint64
}

func (s span) end() uint64 { return s.off + s.size }

// arenaRegistration is one registration of the whole arena with a fixed set
// of access rights. Regions are keyed by the registration matching the
// rights they were granted, so the device enforces those rights.
type arenaRegistration struct {
	mr   VerbsMR
	keys VerbsMRKeys
}

// AllocatorStats is a point-in-time view of an allocator.
type AllocatorStats struct {
	ArenaSize     uint64 `json:"arena_size"`
	InUse         uint64 `json:"in_use"`
	LargestFree   uint64 `json:"largest_free"`
	LiveRegions   int    `json:"live_regions"`
	FreeBlocks    int    `json:"free_blocks"`
	Registrations int    `json:"registrations"`
}

// MRAllocator sub-allocates LocalMemoryRegions out of one registered arena.
//
// Free space is kept as an offset-ordered list of spans; allocation is
// first-fit with alignment padding left on the free list, and freed blocks are
// coalesced with their neighbours.
type MRAllocator struct {
	dev    *DeviceContext
	unmap  func() error
	live   *swiss.Map[uint64, *LocalMemoryRegion]
	regs   map[Access]arenaRegistration
	logger zerolog.Logger
	arena  []byte
	free   []span
	base   uint64
	inUse  uint64
	access Access
	mu     sync.Mutex
	closed bool
}

// NewMRAllocator maps an arena of size bytes and registers it with the
// device's protection domain. access bounds the rights any region may carry.
func NewMRAllocator(dev *DeviceContext, size int, access Access, logger zerolog.Logger) (*MRAllocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena size %d", ErrInvalidLayout, size)
	}

	arena, unmap, err := mapArena(size)
	if err != nil {
		return nil, fmt.Errorf("%w: map arena: %v", ErrResourceExhausted, err)
	}

	a := &MRAllocator{
		dev:    dev.Retain(),
		arena:  arena,
		unmap:  unmap,
		base:   uint64(uintptr(unsafe.Pointer(unsafe.SliceData(arena)))),
		access: access,
		regs:   make(map[Access]arenaRegistration),
		live:   swiss.NewMap[uint64, *LocalMemoryRegion](64),
		free:   []span{{off: 0, size: uint64(len(arena))}},
		logger: logger.With().Str("component", "allocator").Logger(),
	}

	// Register the full-rights view up front so a bad arena fails construction.
	if _, err := a.registrationLocked(access); err != nil {
		_ = unmap()
		_ = dev.Release()

		return nil, err
	}

	metrics.AddArenaBytes(int64(len(arena)))

	a.logger.Debug().
		Int("size", len(arena)).
		Str("access", access.String()).
		Msg("Registered allocator arena")

	return a, nil
}

// Access returns the rights bound of the arena.
func (a *MRAllocator) Access() Access { return a.access }

// AllocDefault allocates size bytes with DefaultAlignment and the arena's rights.
func (a *MRAllocator) AllocDefault(size int) (*LocalMemoryRegion, error) {
	return a.Alloc(size, DefaultAlignment)
}

// Alloc allocates size bytes aligned to align with the arena's rights.
func (a *MRAllocator) Alloc(size, align int) (*LocalMemoryRegion, error) {
	return a.AllocWithAccess(size, align, a.access)
}

// AllocWithAccess allocates size bytes aligned to align. The region is granted
// access restricted to what the arena allows.
func (a *MRAllocator) AllocWithAccess(size, align int, access Access) (*LocalMemoryRegion, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: size %d align %d", ErrInvalidLayout, size, align)
	}

	granted := access & a.access

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("allocator: %w", ErrClosed)
	}

	reg, err := a.registrationLocked(granted)
	if err != nil {
		return nil, err
	}

	off, ok := a.carveLocked(uint64(size), uint64(align))
	if !ok {
		metrics.RecordAllocationFailure()

		return nil, fmt.Errorf("%w: no free block of %d bytes aligned to %d (%d of %d in use)",
			ErrResourceExhausted, size, align, a.inUse, len(a.arena))
	}

	r := &LocalMemoryRegion{
		owner:  a,
		buf:    a.arena[off : off+uint64(size) : off+uint64(size)],
		addr:   reg.keys.Addr + off,
		offset: off,
		access: granted,
		lkey:   reg.keys.LKey,
		rkey:   reg.keys.RKey,
	}
	r.refs.Store(1)

	a.live.Put(off, r)
	a.inUse += uint64(size)
	metrics.RecordAllocation(uint64(size))

	return r, nil
}

// Release drops the caller's reference on r. r must come from a.
func (a *MRAllocator) Release(r *LocalMemoryRegion) {
	if r.root().owner != a {
		panic(fmt.Sprintf("rdma: release of foreign memory region %#x", r.addr))
	}

	r.Release()
}

// registrationLocked returns the arena registration for granted rights,
// registering it on first use.
func (a *MRAllocator) registrationLocked(granted Access) (arenaRegistration, error) {
	key := granted | a.access&AccessLocalWrite

	if reg, ok := a.regs[key]; ok {
		return reg, nil
	}

	mr, keys, err := a.dev.backend.RegMR(a.dev.pd, a.arena, int(key))
	if err != nil {
		return arenaRegistration{}, fmt.Errorf("%w: register arena for %s: %v", ErrDevice, key, err)
	}

	reg := arenaRegistration{mr: mr, keys: keys}
	a.regs[key] = reg

	return reg, nil
}

// carveLocked takes the first free span that fits size at align.
func (a *MRAllocator) carveLocked(size, align uint64) (uint64, bool) {
	for i, s := range a.free {
		start := alignUp(a.base+s.off, align) - a.base
		pad := start - s.off

		if pad > s.size || s.size-pad < size {
			continue
		}

		rest := make([]span, 0, 2)
		if pad > 0 {
			rest = append(rest, span{off: s.off, size: pad})
		}

		if tail := s.size - pad - size; tail > 0 {
			rest = append(rest, span{off: start + size, size: tail})
		}

		a.free = slices.Replace(a.free, i, i+1, rest...)

		return start, true
	}

	return 0, false
}

// freeRegion returns a root region whose last reference was dropped.
func (a *MRAllocator) freeRegion(r *LocalMemoryRegion) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	live, ok := a.live.Get(r.offset)
	if !ok || live != r {
		panic(fmt.Sprintf("rdma: memory region %#x is not live in this allocator", r.addr))
	}

	size := uint64(len(r.buf))

	a.live.Delete(r.offset)
	a.insertFreeLocked(span{off: r.offset, size: size})
	a.inUse -= size
	metrics.RecordRelease(size)
}

// insertFreeLocked puts s back on the free list, merging adjacent spans.
func (a *MRAllocator) insertFreeLocked(s span) {
	i, _ := slices.BinarySearchFunc(a.free, s.off, func(e span, off uint64) int {
		return cmp.Compare(e.off, off)
	})

	if (i > 0 && a.free[i-1].end() > s.off) || (i < len(a.free) && s.end() > a.free[i].off) {
		panic(fmt.Sprintf("rdma: freed range [%d,+%d) overlaps free space", s.off, s.size))
	}

	if i > 0 && a.free[i-1].end() == s.off {
		i--
		s = span{off: a.free[i].off, size: a.free[i].size + s.size}
		a.free = slices.Delete(a.free, i, i+1)
	}

	if i < len(a.free) && s.end() == a.free[i].off {
		s.size += a.free[i].size
		a.free = slices.Delete(a.free, i, i+1)
	}

	a.free = slices.Insert(a.free, i, s)
}

// Stats returns current allocator usage.
func (a *MRAllocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := AllocatorStats{
		ArenaSize:     uint64(len(a.arena)),
		InUse:         a.inUse,
		LiveRegions:   a.live.Count(),
		FreeBlocks:    len(a.free),
		Registrations: len(a.regs),
	}

	for _, s := range a.free {
		st.LargestFree = max(st.LargestFree, s.size)
	}

	return st
}

// Close deregisters and unmaps the arena. It fails with ErrAllocatorBusy
// while regions are live.
func (a *MRAllocator) Close() error {
	return a.close(false)
}

// ForceClose deregisters the arena even with live regions. The mapping of an
// arena with live regions is left in place so their Bytes stay addressable.
func (a *MRAllocator) ForceClose() error {
	return a.close(true)
}

func (a *MRAllocator) close(force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	live := a.live.Count()
	if live > 0 && !force {
		return fmt.Errorf("%w: %d regions (%d bytes) still allocated", ErrAllocatorBusy, live, a.inUse)
	}

	a.closed = true

	var errs []error

	for access, reg := range a.regs {
		if err := a.dev.backend.DeregMR(reg.mr); err != nil {
			errs = append(errs, fmt.Errorf("deregister %s view: %w", access, err))
		}
	}

	a.regs = nil

	if live > 0 {
		a.logger.Warn().
			Int("live_regions", live).
			Uint64("in_use", a.inUse).
			Msg("Allocator closed with live regions, keeping arena mapped")
		metrics.ArenaBytesInUse.Sub(float64(a.inUse))
		metrics.LiveRegions.Sub(float64(live))
		a.live.Clear()
	} else if err := a.unmap(); err != nil {
		errs = append(errs, fmt.Errorf("unmap arena: %w", err))
	}

	metrics.AddArenaBytes(-int64(len(a.arena)))
	errs = append(errs, a.dev.Release())

	return errors.Join(errs...)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
