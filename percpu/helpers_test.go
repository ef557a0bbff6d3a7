package percpu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/percpu/internal/format"
	"github.com/joshuapare/percpu/pagestore"
)

// ============================================================================
// Geometry
// ============================================================================

const (
	testPageSize = 4096
	testUnitSize = 64 << 10
	testNrCPUs   = 4
	testStatic   = 4 << 10
	testBlock    = testPageSize / format.MinAllocSize
)

// testLayout returns a single-group layout with 4 CPUs and 64K units. The
// dynamic area fills the rest of the unit after static and reserved.
func testLayout(reserved int) *Layout {
	return &Layout{
		StaticSize:   testStatic,
		ReservedSize: reserved,
		DynSize:      testUnitSize - testStatic - reserved,
		UnitSize:     testUnitSize,
		AtomSize:     testPageSize,
		AllocSize:    testUnitSize * testNrCPUs,
		Groups:       []Group{{CPUMap: []int{0, 1, 2, 3}}},
	}
}

// ============================================================================
// Allocator Creation Utilities
// ============================================================================

// newTestAllocator builds an allocator on a heap store with the background
// balancer disabled. mod may adjust the config before New.
func newTestAllocator(t testing.TB, l *Layout, mod func(*Config)) (*Allocator, *pagestore.Heap) {
	t.Helper()

	store := pagestore.NewHeap(testPageSize)
	cfg := DefaultConfig
	cfg.Background = false
	if mod != nil {
		mod(&cfg)
	}
	a, err := New(l, store, cfg)
	require.NoError(t, err, "failed to create allocator")
	t.Cleanup(func() { _ = a.Close() })
	return a, store
}

// newTestChunk returns a standalone, fully populated dynamic chunk.
func newTestChunk(t testing.TB, nrPages int) *Chunk {
	t.Helper()
	c := newChunk(nrPages, testPageSize)
	c.populated.Fill()
	c.nrPopulated = nrPages
	c.nrEmptyPopPages = nrPages
	require.NoError(t, c.Verify())
	return c
}

// ============================================================================
// Operation Helpers
// ============================================================================

// chunkAlloc runs the fit search and area allocation on c and fails the
// test if either misses.
func chunkAlloc(t testing.TB, c *Chunk, bits, align int) int {
	t.Helper()
	start := c.findBlockFit(bits, align, false)
	require.GreaterOrEqual(t, start, 0, "no fit for %d units at align %d", bits, align)
	off := c.allocArea(bits, align, start)
	require.GreaterOrEqual(t, off, 0, "fit at %d did not hold %d units", start, bits)
	return off
}

// mustAlloc allocates and fails the test on error.
func mustAlloc(t testing.TB, a *Allocator, size, align int, gfp GFP) Ptr {
	t.Helper()
	p, err := a.Alloc(size, align, gfp)
	require.NoError(t, err, "alloc size=%d align=%d gfp=%v", size, align, gfp)
	require.NotZero(t, p)
	return p
}

// fillPages allocates n page-sized, page-aligned areas.
func fillPages(t testing.TB, a *Allocator, n int) []Ptr {
	t.Helper()
	out := make([]Ptr, 0, n)
	for range n {
		out = append(out, mustAlloc(t, a, testPageSize, testPageSize, GFPKernel))
	}
	return out
}

// chunkOf returns the chunk holding p.
func chunkOf(t testing.TB, a *Allocator, p Ptr) *Chunk {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.addrToChunk(a.ptrToAddr(p))
	require.NotNil(t, c, "no chunk for %v", p)
	return c
}

// ============================================================================
// Invariants
// ============================================================================

// assertInvariants verifies every chunk and the global counters.
func assertInvariants(t testing.TB, a *Allocator) {
	t.Helper()
	require.NoError(t, a.Verify())
}

// slotLen returns the number of chunks on slot.
func slotLen(a *Allocator, slot int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[slot].n
}
