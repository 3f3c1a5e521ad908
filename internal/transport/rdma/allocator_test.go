package rdma

import (
	"math/rand/v2"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkPartition asserts that live regions and free spans tile the arena.
func checkPartition(t *testing.T, a *MRAllocator) {
	t.Helper()

	a.mu.Lock()
	defer a.mu.Unlock()

	var free uint64

	for i, s := range a.free {
		require.NotZero(t, s.size, "empty free span at %d", i)
		free += s.size

		if i > 0 {
			require.Less(t, a.free[i-1].end(), s.off, "free spans %d and %d touch or overlap", i-1, i)
		}
	}

	var live uint64

	a.live.Iter(func(_ uint64, r *LocalMemoryRegion) bool {
		live += uint64(r.Len())
		return false
	})

	require.Equal(t, a.inUse, live)
	require.Equal(t, uint64(len(a.arena)), free+live)
}

func TestAllocatorPartitionInvariant(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 64<<10, AccessAll)

	rng := rand.New(rand.NewPCG(1, 2))

	var live []*LocalMemoryRegion

	for range 500 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			i := rng.IntN(len(live))
			live[i].Release()
			live = append(live[:i], live[i+1:]...)
		} else {
			size := 1 + rng.IntN(2048)
			align := 1 << rng.IntN(8)

			r, err := a.Alloc(size, align)
			if err != nil {
				require.ErrorIs(t, err, ErrResourceExhausted)
				continue
			}

			assert.Zero(t, r.Addr()%uint64(align))
			live = append(live, r)
		}

		checkPartition(t, a)
	}

	for _, r := range live {
		r.Release()
	}

	checkPartition(t, a)

	st := a.Stats()
	assert.Zero(t, st.InUse)
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Equal(t, st.ArenaSize, st.LargestFree)
}

func TestAllocatorRegionsDoNotOverlap(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)

	r1, err := a.AllocDefault(100)
	require.NoError(t, err)

	r2, err := a.AllocDefault(100)
	require.NoError(t, err)

	for i := range r1.Bytes() {
		r1.Bytes()[i] = 0xaa
	}

	for i := range r2.Bytes() {
		r2.Bytes()[i] = 0x55
	}

	assert.Equal(t, byte(0xaa), r1.Bytes()[99])
	assert.True(t, r2.Addr() >= r1.Addr()+100 || r1.Addr() >= r2.Addr()+100)

	r1.Release()
	r2.Release()
}

func TestAllocatorReusesFreedSpace(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)

	// The arena is rounded up to whole pages.
	size := int(a.Stats().ArenaSize)
	require.GreaterOrEqual(t, size, 4096)

	r, err := a.AllocDefault(size)
	require.NoError(t, err)

	_, err = a.AllocDefault(1)
	require.ErrorIs(t, err, ErrResourceExhausted)

	addr := r.Addr()
	r.Release()

	again, err := a.AllocDefault(size)
	require.NoError(t, err)
	assert.Equal(t, addr, again.Addr())

	again.Release()
}

func TestAllocatorCoalescesNeighbours(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)

	arena := a.Stats().ArenaSize
	block := int(arena / 4)

	regions := make([]*LocalMemoryRegion, 4)
	for i := range regions {
		r, err := a.AllocDefault(block)
		require.NoError(t, err)

		regions[i] = r
	}

	regions[0].Release()
	regions[2].Release()
	assert.Equal(t, 2, a.Stats().FreeBlocks)

	_, err := a.AllocDefault(2 * block)
	require.ErrorIs(t, err, ErrResourceExhausted, "free space is split")

	regions[1].Release()

	st := a.Stats()
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Equal(t, uint64(3*block), st.LargestFree)

	regions[3].Release()

	st = a.Stats()
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Equal(t, arena, st.LargestFree)

	whole, err := a.AllocDefault(int(arena))
	require.NoError(t, err)
	whole.Release()
}

func TestAllocatorRejectsBadLayout(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)

	for _, tc := range []struct {
		name        string
		size, align int
	}{
		{"zero size", 0, 8},
		{"negative size", -1, 8},
		{"zero align", 8, 0},
		{"align not a power of two", 8, 12},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Alloc(tc.size, tc.align)
			assert.ErrorIs(t, err, ErrInvalidLayout)
		})
	}

	_, err := NewMRAllocator(dev, 0, AccessAll, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestAllocatorRestrictsAccess(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessLocalWrite|AccessRemoteRead)

	r, err := a.AllocWithAccess(64, 8, AccessAll)
	require.NoError(t, err)

	defer r.Release()

	assert.Equal(t, AccessLocalWrite|AccessRemoteRead, r.Access())

	ro, err := a.AllocWithAccess(64, 8, AccessRemoteRead)
	require.NoError(t, err)

	defer ro.Release()

	// Local write is implied by the arena, so both share one registration.
	assert.Equal(t, AccessRemoteRead, ro.Access())
	assert.Equal(t, r.RKey(), ro.RKey())

	none, err := a.AllocWithAccess(64, 8, AccessLocalWrite)
	require.NoError(t, err)

	defer none.Release()

	assert.NotEqual(t, r.RKey(), none.RKey())
	assert.Equal(t, 2, a.Stats().Registrations)
}

func TestAllocatorCloseWithLiveRegions(t *testing.T) {
	_, dev := newTestDevice(t)

	a, err := NewMRAllocator(dev, 4096, AccessAll, zerolog.Nop())
	require.NoError(t, err)

	r, err := a.AllocDefault(16)
	require.NoError(t, err)

	require.ErrorIs(t, a.Close(), ErrAllocatorBusy)

	r.Release()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close is idempotent")

	_, err = a.AllocDefault(16)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAllocatorForceCloseKeepsBytes(t *testing.T) {
	_, dev := newTestDevice(t)

	a, err := NewMRAllocator(dev, 4096, AccessAll, zerolog.Nop())
	require.NoError(t, err)

	r, err := a.AllocDefault(5)
	require.NoError(t, err)
	copy(r.Bytes(), "alive")

	require.NoError(t, a.ForceClose())
	assert.Equal(t, "alive", string(r.Bytes()))

	// Releasing after the arena is gone is a no-op.
	assert.NotPanics(t, r.Release)
}

func TestRegionSliceHoldsParent(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)

	r, err := a.AllocDefault(64)
	require.NoError(t, err)
	copy(r.Bytes(), "0123456789")

	s, err := r.Slice(2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(s.Bytes()))
	assert.Equal(t, r.Addr()+2, s.Addr())
	assert.Equal(t, r.LKey(), s.LKey())

	_, err = r.Slice(60, 8)
	require.ErrorIs(t, err, ErrOutOfBounds)

	r.Release()
	assert.Equal(t, 1, a.Stats().LiveRegions, "the slice keeps the range allocated")

	s.Release()
	assert.Zero(t, a.Stats().LiveRegions)

	assert.Panics(t, s.Release)
}

func TestAllocatorReleaseForeignRegion(t *testing.T) {
	_, dev := newTestDevice(t)
	a := newTestAllocator(t, dev, 4096, AccessAll)
	b := newTestAllocator(t, dev, 4096, AccessAll)

	r, err := b.AllocDefault(8)
	require.NoError(t, err)

	assert.Panics(t, func() { a.Release(r) })
	b.Release(r)
}
