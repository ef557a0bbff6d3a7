package percpu

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/percpu/pagestore"
)

func TestNewAllocator(t *testing.T) {
	a, store := newTestAllocator(t, testLayout(0), nil)

	g := a.Geometry()
	assert.Equal(t, testUnitSize, g.UnitSize)
	assert.Equal(t, 16, g.UnitPages)
	assert.Equal(t, testNrCPUs, g.NrCPUs)
	assert.Equal(t, 16, g.FreeSlot)
	assert.Equal(t, 18, g.NrSlots)

	s := a.Stats()
	assert.Equal(t, 1, s.NrChunks)
	assert.Equal(t, 16, s.NrPopulated)
	assert.Equal(t, 15, s.NrEmptyPopPages, "the static page is not part of the first chunk")
	assert.Equal(t, 16*testNrCPUs, store.Stats().MappedPages)
	assertInvariants(t, a)
}

func TestNewRejectsBadInput(t *testing.T) {
	store := pagestore.NewHeap(testPageSize)

	l := testLayout(0)
	l.UnitSize = 60 << 10
	_, err := New(l, store, DefaultConfig)
	require.ErrorIs(t, err, ErrInvalidLayout)

	cfg := DefaultConfig
	cfg.EmptyPopPagesLow = 10
	_, err = New(testLayout(0), store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig
	cfg.StaticImage = make([]byte, testStatic+1)
	_, err = New(testLayout(0), store, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAllocSmallThenAligned(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	var ptrs []Ptr
	for range 100 {
		ptrs = append(ptrs, mustAlloc(t, a, 128, 8, GFPKernel))
	}
	assertNoOverlap(t, a, ptrs, 128)

	var kept []Ptr
	for i, p := range ptrs {
		if i%2 == 0 {
			a.Free(p)
			continue
		}
		kept = append(kept, p)
	}
	assertInvariants(t, a)

	big := mustAlloc(t, a, 1024, 1024, GFPKernel)
	assert.Zero(t, a.Addr(big, 0)%1024, "area must honour its alignment")
	assert.Zero(t, uintptr(big)%1024)
	for _, p := range kept {
		assert.False(t, overlapsArea(a, p, 128, big, 1024), "%v overlaps %v", big, p)
	}
	assertInvariants(t, a)

	s := a.Stats()
	assert.Equal(t, uint64(101), s.NrAlloc)
	assert.Equal(t, uint64(50), s.NrDealloc)
	assert.Equal(t, 51, s.NrCurAlloc)
	assert.Equal(t, 100, s.NrMaxAlloc)
	assert.Equal(t, 128, s.MinAllocSize)
	assert.Equal(t, 1024, s.MaxAllocSize)
}

func TestAllocReserved(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(8<<10), nil)
	require.NotNil(t, a.reservedChunk)

	before := a.reservedChunk.freeBytes
	require.Equal(t, 8<<10, before)

	p, err := a.AllocReserved(100, 4)
	require.NoError(t, err)
	assert.Same(t, a.reservedChunk, chunkOf(t, a, p))
	assert.Equal(t, before-100, a.reservedChunk.freeBytes)
	assertInvariants(t, a)

	a.Free(p)
	assert.Equal(t, before, a.reservedChunk.freeBytes)
	assert.False(t, a.BalancePending(), "the reserved chunk never triggers balancing")

	all, err := a.AllocReserved(8<<10, testPageSize)
	require.NoError(t, err)
	_, err = a.AllocReserved(4, 4)
	require.ErrorIs(t, err, ErrNoSpace)

	a.Free(all)
	assertInvariants(t, a)
}

func TestAllocReservedWithoutReservedChunk(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	p, err := a.AllocReserved(64, 4)
	require.NoError(t, err)
	assert.Same(t, a.firstChunk, chunkOf(t, a, p))
}

func TestAtomicAllocWaitsForBalance(t *testing.T) {
	a, store := newTestAllocator(t, testLayout(0), nil)

	fillPages(t, a, 15)
	require.Zero(t, a.Stats().NrEmptyPopPages)
	require.True(t, a.BalancePending())

	_, err := a.Alloc(testPageSize, testPageSize, GFPAtomic)
	require.ErrorIs(t, err, ErrNoSpaceAtomic)
	assert.Equal(t, uint64(1), a.Stats().NrFailed)
	assert.Equal(t, 1, a.Stats().NrChunks, "atomic requests never create chunks")

	a.Balance()
	assert.False(t, a.BalancePending())
	s := a.Stats()
	assert.Equal(t, 2, s.NrChunks)
	assert.Equal(t, 4, s.NrEmptyPopPages)
	assertInvariants(t, a)

	maps := store.Stats().MapCalls
	p, err := a.Alloc(testPageSize, testPageSize, GFPAtomic)
	require.NoError(t, err)
	assert.Equal(t, maps, store.Stats().MapCalls, "atomic requests never populate")
	assert.NotSame(t, a.firstChunk, chunkOf(t, a, p))
	assertInvariants(t, a)
}

func TestAllocOutOfMemory(t *testing.T) {
	a, store := newTestAllocator(t, testLayout(0), nil)
	store.SetMapLimit(store.Stats().MappedPages)

	fillPages(t, a, 15)

	_, err := a.Alloc(testPageSize, testPageSize, GFPKernel)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, pagestore.ErrExhausted)

	s := a.Stats()
	assert.Equal(t, 15, s.NrCurAlloc, "the failed area must be released")
	assert.Equal(t, 2, s.NrChunks)
	assertInvariants(t, a)

	store.SetMapLimit(0)
	mustAlloc(t, a, testPageSize, testPageSize, GFPKernel)
	assertInvariants(t, a)
}

// countingStore counts every Map call, including the ones that fail.
type countingStore struct {
	*pagestore.Heap
	maps atomic.Int64
}

func (s *countingStore) Map(addr, n uintptr) error {
	s.maps.Add(1)
	return s.Heap.Map(addr, n)
}

func TestAllocPopulateRetries(t *testing.T) {
	store := &countingStore{Heap: pagestore.NewHeap(testPageSize)}
	cfg := DefaultConfig
	cfg.Background = false
	cfg.PopulateRetries = 3
	a, err := New(testLayout(0), store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	store.SetMapLimit(store.Stats().MappedPages)
	fillPages(t, a, 15)

	store.maps.Store(0)
	_, err = a.Alloc(64, 4, GFPKernel|GFPNoWarn)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(4*testNrCPUs), store.maps.Load(), "one try plus three retries")

	store.maps.Store(0)
	_, err = a.Alloc(64, 4, GFPKernel|GFPNoRetry|GFPNoWarn)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(testNrCPUs), store.maps.Load(), "no retry")
	assertInvariants(t, a)
}

func TestAllocInvalidRequests(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	tests := []struct {
		name        string
		size, align int
	}{
		{"zero size", 0, 4},
		{"negative size", -4, 4},
		{"larger than unit", testUnitSize + 1, 4},
		{"zero align", 16, 0},
		{"non power of two align", 16, 12},
		{"align above page", 16, 2 * testPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Alloc(tt.size, tt.align, GFPKernel|GFPNoWarn)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, a.Stats().NrAlloc)
}

func TestAllocWholeUnit(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	p := mustAlloc(t, a, testUnitSize, testPageSize, GFPKernel)
	c := chunkOf(t, a, p)
	assert.NotSame(t, a.firstChunk, c)
	assert.Zero(t, c.freeBytes)
	assert.Equal(t, 16, c.nrPopulated)
	assertInvariants(t, a)

	a.Free(p)
	assert.Equal(t, a.freeSlot, c.slot)
	assert.Equal(t, 1, slotLen(a, a.freeSlot))
	assertInvariants(t, a)
}

func TestAllocAfterClose(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)
	p := mustAlloc(t, a, 32, 4, GFPKernel)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Alloc(32, 4, GFPKernel)
	require.ErrorIs(t, err, ErrClosed)
	a.Free(p)
}

func TestFree(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	a.Free(0)

	p := mustAlloc(t, a, 16, 4, GFPKernel)
	assert.Panics(t, func() { a.Free(p + 4) }, "interior pointer")
	assert.Panics(t, func() { a.Free(Ptr(0x7fff_0000)) }, "unknown pointer")

	a.Free(p)
	assert.Panics(t, func() { a.Free(p) }, "double free")
	assertInvariants(t, a)
}

func TestAllocReturnsZeroedMemory(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)

	p := mustAlloc(t, a, 256, 8, GFPKernel)
	junk := bytes.Repeat([]byte{0xAA}, 256)
	for cpu := range testNrCPUs {
		require.NoError(t, a.WriteAt(p, cpu, junk, 0))
	}
	a.Free(p)

	q := mustAlloc(t, a, 256, 8, GFPKernel)
	got := make([]byte, 256)
	for cpu := range testNrCPUs {
		require.NoError(t, a.ReadAt(q, cpu, got, 0))
		assert.Equal(t, make([]byte, 256), got, "cpu %d", cpu)
	}
}

func TestPerCPUCopiesAreIndependent(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)
	p := mustAlloc(t, a, 8, 8, GFPKernel)

	for cpu := range testNrCPUs {
		require.NoError(t, a.WriteAt(p, cpu, []byte{byte(cpu + 1)}, 3))
	}
	for cpu := range testNrCPUs {
		b := make([]byte, 1)
		require.NoError(t, a.ReadAt(p, cpu, b, 3))
		assert.Equal(t, byte(cpu+1), b[0])
	}

	require.Error(t, a.WriteAt(p, testNrCPUs, []byte{1}, 0))
	require.Error(t, a.ReadAt(p, -1, make([]byte, 1), 0))
}

func TestAddressing(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)
	p := mustAlloc(t, a, 64, 64, GFPKernel)

	for cpu := range testNrCPUs {
		assert.Equal(t, uintptr(p)+a.PerCPUOffset(cpu), a.Addr(p, cpu))
	}
	assert.Equal(t, uintptr(testUnitSize), a.Addr(p, 1)-a.Addr(p, 0))
	assert.GreaterOrEqual(t, uintptr(p), defaultStaticStart+testStatic)

	phys, err := a.PtrToPhys(p)
	require.NoError(t, err)
	again, err := a.AddrToPhys(a.Addr(p, 0))
	require.NoError(t, err)
	assert.Equal(t, phys, again)

	other, err := a.AddrToPhys(a.Addr(p, 1))
	require.NoError(t, err)
	assert.NotEqual(t, phys, other, "each unit has its own page")
}

func TestStaticArea(t *testing.T) {
	image := []byte("static image")
	a, _ := newTestAllocator(t, testLayout(0), func(c *Config) { c.StaticImage = image })

	sp := a.StaticPtr(0)
	for cpu := range testNrCPUs {
		got := make([]byte, len(image))
		require.NoError(t, a.ReadAt(sp, cpu, got, 0))
		assert.Equal(t, image, got, "cpu %d", cpu)
	}

	addr := a.Addr(a.StaticPtr(5), 2)
	assert.True(t, a.IsStaticAddress(addr))
	canon, ok := a.CanonicalStaticAddress(addr)
	require.True(t, ok)
	assert.Equal(t, a.Addr(a.StaticPtr(5), 0), canon)

	p := mustAlloc(t, a, 16, 4, GFPKernel)
	assert.False(t, a.IsStaticAddress(a.Addr(p, 1)))
}

func TestCanonicalStaticAddressUsesUnitZero(t *testing.T) {
	l := testLayout(0)
	l.Groups[0].CPUMap = []int{2, 3, 0, 1}
	a, _ := newTestAllocator(t, l, nil)
	require.Equal(t, 2, a.unit0CPU)

	for cpu := range testNrCPUs {
		canon, ok := a.CanonicalStaticAddress(a.Addr(a.StaticPtr(8), cpu))
		require.True(t, ok, "cpu %d", cpu)
		assert.Equal(t, a.Addr(a.StaticPtr(8), 2), canon, "cpu %d", cpu)
		assert.Equal(t, a.baseAddr+8, canon, "unit 0 starts the area")
	}
}

func TestSnapshot(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(8<<10), nil)
	p := mustAlloc(t, a, 100, 4, GFPKernel)
	mustAlloc(t, a, 40, 4, GFPKernel)
	a.Free(p)

	snap := a.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Reserved)
	assert.True(t, snap[1].First)
	assert.Equal(t, 1, snap[1].NrAlloc)
	assert.Equal(t, 40, snap[1].CurMaxAlloc)
	assert.Equal(t, 100, snap[1].SumFrag, "the hole left by the first area")
	assert.Equal(t, a.firstChunk.Digest(), snap[1].Digest)
}

// ============================================================================
// Helpers
// ============================================================================

func overlapsArea(a *Allocator, p Ptr, psize int, q Ptr, qsize int) bool {
	ps, qs := a.Addr(p, 0), a.Addr(q, 0)
	return ps < qs+uintptr(qsize) && qs < ps+uintptr(psize)
}

func assertNoOverlap(t *testing.T, a *Allocator, ptrs []Ptr, size int) {
	t.Helper()
	for i := range ptrs {
		for j := i + 1; j < len(ptrs); j++ {
			require.False(t, overlapsArea(a, ptrs[i], size, ptrs[j], size),
				"%v and %v overlap", ptrs[i], ptrs[j])
		}
	}
}

func TestErrorsWrap(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)
	_, err := a.Alloc(3, 3, GFPKernel|GFPNoWarn)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Contains(t, err.Error(), "size=3 align=3")
}
