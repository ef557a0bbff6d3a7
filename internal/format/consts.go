// Package format holds the fixed geometry shared by the per-CPU allocator and
// its backing stores: the allocation granule, slot class constants and the
// alignment helpers built on them. Everything here is a compile-time
// constant or a pure function so callers can inline the arithmetic.
package format

const (
	// MinAllocShift is log2 of the allocation granule.
	MinAllocShift = 2

	// MinAllocSize is the allocation granule G in bytes. Every size and
	// offset handed to the bitmap layer is a multiple of it.
	MinAllocSize = 1 << MinAllocShift

	// SlotBaseShift is the class offset C used when mapping a byte size to a
	// slot: a size s lands in slot fls(s) - C + 2.
	SlotBaseShift = 5

	// SlotFailThreshold is the slot index below which a chunk that fails a
	// fit is moved to slot 0.
	SlotFailThreshold = 3

	// DefaultPageSize is the backing page size used when none is configured.
	DefaultPageSize = 4096

	// MinUnitSize is the smallest unit size a layout may declare (32 KiB).
	MinUnitSize = 32 << 10

	// DynamicEarlySize is the minimum dynamic area of the first chunk (20 KiB).
	DynamicEarlySize = 20 << 10

	// LocalDistance is the CPU distance at or below which two CPUs may share
	// a layout group.
	LocalDistance = 10

	// EmptyPopPagesLow is the default low watermark of populated free pages.
	EmptyPopPagesLow = 2

	// EmptyPopPagesHigh is the default high watermark of populated free pages.
	EmptyPopPagesHigh = 4

	// NoCPU marks an unused unit in a group's CPU map.
	NoCPU = -1
)

// BlockBits returns the number of allocation units in one block, which always
// spans exactly one page.
func BlockBits(pageSize int) int {
	return pageSize >> MinAllocShift
}
