package percpu

import (
	"github.com/joshuapare/percpu/internal/bitmap"
	"github.com/joshuapare/percpu/internal/format"
)

// findZeroArea returns the first index in [start, size) where nr clear bits
// begin at a multiple of alignMask+1. The result is past size-nr when there
// is none. It also reports the largest clear run it stepped over, preferring
// better aligned starts among equals.
func findZeroArea(m *bitmap.Bitmap, size, start, nr, alignMask int) (index, largestOff, largestBits int) {
	for {
		index = m.NextClear(start, size)
		index = (index + alignMask) &^ alignMask
		end := index + nr
		if end > size {
			return end, largestOff, largestBits
		}
		i := m.NextSet(index, end)
		if i >= end {
			return index, largestOff, largestBits
		}
		bits := i - index
		if bits > largestBits ||
			(bits == largestBits && bits != 0 && largestOff != 0 &&
				(index == 0 || format.Ctz(index) > format.Ctz(largestOff))) {
			largestOff, largestBits = index, bits
		}
		start = i + 1
	}
}

// allocArea allocates bits units at alignment align, searching from start,
// which findBlockFit picked. The search window is bounded to bits plus one
// block past start. It returns the unit offset or -1.
func (c *Chunk) allocArea(bits, align, start int) int {
	md := &c.chunkMD
	end := min(start+bits+c.blockBits, c.mapBits)

	off, areaOff, areaBits := findZeroArea(c.allocMap, end, start, bits, align-1)
	if off+bits > end {
		return -1
	}
	if areaBits != 0 {
		c.updateScan(areaOff, areaBits)
	}

	c.allocMap.SetRange(off, off+bits)
	c.boundMap.Set(off)
	c.boundMap.ClearRange(off+1, off+bits)
	c.boundMap.Set(off + bits)

	c.freeBytes -= format.BitsToSize(bits)
	if off == md.FirstFree {
		md.FirstFree = c.allocMap.NextClear(off+bits, c.mapBits)
	}
	c.updateHintAlloc(off, bits)
	return off
}

// freeArea releases the allocation that starts at unit offset off and
// returns its size in units. The boundary map is left canonical: a bit
// stays set only where an allocated run starts or ends.
func (c *Chunk) freeArea(off int) int {
	end := c.boundMap.NextSet(off+1, c.mapBits+1)
	bits := end - off
	c.allocMap.ClearRange(off, end)

	if off != 0 && !c.allocMap.Test(off-1) {
		c.boundMap.Clear(off)
	}
	if end != c.mapBits && !c.allocMap.Test(end) {
		c.boundMap.Clear(end)
	}

	c.freeBytes += format.BitsToSize(bits)
	c.chunkMD.FirstFree = min(c.chunkMD.FirstFree, off)
	c.updateHintFree(off, bits)
	return bits
}

// isAllocStart reports whether off is the first unit of a live allocation.
func (c *Chunk) isAllocStart(off int) bool {
	return off >= 0 && off < c.mapBits && c.allocMap.Test(off) && c.boundMap.Test(off)
}
