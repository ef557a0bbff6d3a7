package percpu

import (
	"github.com/joshuapare/percpu/internal/bitmap"
	"github.com/joshuapare/percpu/internal/format"
)

// Chunk is one span of units, one per CPU, managed by a single allocation
// bitmap. Every field is guarded by the owning Allocator's inner lock
// except where noted.
type Chunk struct {
	// slot list linkage
	prev, next *Chunk
	slot       int

	// baseAddr is the address of the chunk's first unit byte in unit 0's
	// address space. area is the store reservation backing a dynamic
	// chunk; zero for chunks carved out of the first area.
	baseAddr uintptr
	area     uintptr

	nrPages   int
	pageSize  int
	blockBits int
	mapBits   int

	// bytes hidden before and after the managed region of the first chunk
	startOffset int
	endOffset   int

	allocMap  *bitmap.Bitmap
	boundMap  *bitmap.Bitmap // mapBits+1 bits, bits 0 and mapBits always set
	populated *bitmap.Bitmap // one bit per page, changed under the outer lock
	mdBlocks  []BlockHint
	chunkMD   BlockHint

	freeBytes       int
	nrPopulated     int
	nrEmptyPopPages int

	// globalEmpty points at the allocator's populated-empty page counter,
	// which tracks every chunk that is neither reserved nor isolated.
	globalEmpty *int

	immutable bool
	isolated  bool
	reserved  bool

	nrAlloc      int
	maxAllocSize int

	objcgs map[int]ObjCgroup
}

func newChunk(nrPages, pageSize int) *Chunk {
	blockBits := format.BlockBits(pageSize)
	mapBits := nrPages * blockBits
	c := &Chunk{
		slot:      -1,
		nrPages:   nrPages,
		pageSize:  pageSize,
		blockBits: blockBits,
		mapBits:   mapBits,
		allocMap:  bitmap.New(mapBits),
		boundMap:  bitmap.New(mapBits + 1),
		populated: bitmap.New(nrPages),
		mdBlocks:  make([]BlockHint, nrPages),
		freeBytes: format.BitsToSize(mapBits),
	}
	c.boundMap.Set(0)
	c.boundMap.Set(mapBits)
	for i := range c.mdBlocks {
		c.mdBlocks[i].init(blockBits)
	}
	c.chunkMD.init(mapBits)
	return c
}

// Base returns the address of the chunk's first byte in unit 0.
func (c *Chunk) Base() uintptr { return c.baseAddr }

// Pages returns the number of pages per unit.
func (c *Chunk) Pages() int { return c.nrPages }

// Hint returns a copy of the chunk-level hint.
func (c *Chunk) Hint() BlockHint { return c.chunkMD }

// Block returns a copy of the hint of block i.
func (c *Chunk) Block(i int) BlockHint { return c.mdBlocks[i] }

// updateEmptyPages adjusts the populated-empty page count by n, mirroring
// it into the global counter while the chunk takes part in balancing.
func (c *Chunk) updateEmptyPages(n int) {
	c.nrEmptyPopPages += n
	if !c.reserved && !c.isolated && c.globalEmpty != nil {
		*c.globalEmpty += n
	}
}

// hide permanently allocates [off, off+bits) without touching freeBytes.
// Used for the bands of the first chunk that lie outside its dynamic area.
func (c *Chunk) hide(off, bits int) {
	c.allocMap.SetRange(off, off+bits)
	c.boundMap.Set(off)
	c.boundMap.Set(off + bits)
	if off == c.chunkMD.FirstFree {
		c.chunkMD.FirstFree = c.allocMap.NextClear(off+bits, c.mapBits)
	}
	c.updateHintAlloc(off, bits)
}

// refreshBlock rebuilds the hints of block index from the bitmap.
//
// The rescan covers the whole block rather than resuming after the scan
// hint: a scan hint refined past an unrecorded larger run would otherwise
// under-report the contig hint.
func (c *Chunk) refreshBlock(index int) {
	b := &c.mdBlocks[index]
	off := index * c.blockBits
	end := off + c.blockBits

	b.ScanHint, b.ScanHintStart = 0, 0
	b.ContigHint, b.ContigHintStart = 0, 0
	b.FirstFree = c.allocMap.NextClear(off, end) - off
	b.LeftFree = c.allocMap.NextSet(off, end) - off
	b.RightFree = end - (c.allocMap.PrevSetFrom(off, end) + 1)
	c.allocMap.ClearRegions(off+b.FirstFree, end, func(rs, re int) {
		b.update(rs-off, re-off)
	})
}

// refreshHint rebuilds the chunk-level hint by walking the maximal free
// regions reported by the block hints.
func (c *Chunk) refreshHint() {
	md := &c.chunkMD
	md.ScanHint, md.ScanHintStart = 0, 0
	md.ContigHint, md.ContigHintStart = 0, 0
	md.LeftFree = c.allocMap.NextSet(0, c.mapBits)
	md.RightFree = c.mapBits - (c.allocMap.PrevSet(c.mapBits) + 1)
	md.FirstFree = c.allocMap.NextClear(0, c.mapBits)

	for off, bits := c.nextMDFreeRegion(md.FirstFree); off < c.mapBits; off, bits = c.nextMDFreeRegion(off + bits + 1) {
		md.update(off, off+bits)
	}
}

// nextMDFreeRegion returns the next free region at or after bitOff that a
// chunk-level scan needs to look at: a block's contig run, or a run built
// from one block's right edge and the following blocks' left edges. It
// returns mapBits when nothing is left.
func (c *Chunk) nextMDFreeRegion(bitOff int) (int, int) {
	if bitOff >= c.mapBits {
		return c.mapBits, 0
	}
	i := bitOff / c.blockBits
	blockOff := bitOff % c.blockBits
	bits := 0

	for ; i < len(c.mdBlocks); i++ {
		b := &c.mdBlocks[i]

		// extend a run carried over from the previous block
		if bits != 0 {
			bits += b.LeftFree
			if b.LeftFree == c.blockBits {
				continue
			}
			return bitOff, bits
		}

		// a contig run that does not touch the right edge stands alone
		bits = b.ContigHint
		if bits != 0 && b.ContigHintStart >= blockOff &&
			bits+b.ContigHintStart < c.blockBits {
			return i*c.blockBits + b.ContigHintStart, bits
		}
		blockOff = 0

		bits = b.RightFree
		bitOff = (i+1)*c.blockBits - b.RightFree
	}
	if bits == 0 {
		return c.mapBits, 0
	}
	return bitOff, bits
}
