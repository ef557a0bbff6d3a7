package percpu

import "github.com/joshuapare/percpu/internal/format"

// checkBlockHint reports whether the contig run of b can hold bits units
// once its start is rounded up to align.
func checkBlockHint(b *BlockHint, bits, align int) bool {
	pad := format.AlignUp(b.ContigHintStart, align) - b.ContigHintStart
	return pad+bits <= b.ContigHint
}

// nextHint returns where a search for bits units should start in b. When
// the scan hint precedes the contig run and is too small, the search skips
// past it.
func nextHint(b *BlockHint, bits int) int {
	if b.ScanHint != 0 && b.ContigHintStart > b.ScanHintStart && bits > b.ScanHint {
		return b.ScanHintStart + b.ScanHint
	}
	return b.FirstFree
}

// isPopulated reports whether every page under [bitOff, bitOff+bits) is
// populated. If not, it also returns the unit offset just past the first
// unpopulated page run, where the next search should resume.
func (c *Chunk) isPopulated(bitOff, bits int) (bool, int) {
	start := bitOff / c.blockBits
	end := format.AlignUp(bitOff+bits, c.blockBits) / c.blockBits

	start = c.populated.NextClear(start, end)
	if start >= end {
		return true, 0
	}
	end = c.populated.NextSet(start+1, end)
	return false, end * c.blockBits
}

// nextFitRegion returns the next window at or after bitOff that is known to
// contain a free run of bits units at alignment align, using only block
// hints. The window is one of: a run carried across block edges, a block's
// contig run, or a block's right edge run. It returns mapBits when no
// window remains.
func (c *Chunk) nextFitRegion(bits, align, bitOff int) (int, int) {
	if bitOff >= c.mapBits {
		return c.mapBits, 0
	}
	bb := c.blockBits
	i := bitOff / bb
	blockOff := bitOff % bb
	run := 0

	for ; i < len(c.mdBlocks); i++ {
		b := &c.mdBlocks[i]

		if run != 0 {
			run += b.LeftFree
			if run >= bits {
				return bitOff, run
			}
			if b.LeftFree == bb {
				continue
			}
		}

		pad := format.AlignUp(b.ContigHintStart, align) - b.ContigHintStart
		if b.ContigHint != 0 && b.ContigHintStart >= blockOff && b.ContigHint >= pad+bits {
			start := nextHint(b, bits)
			return i*bb + start, pad + bits + b.ContigHintStart - start
		}
		blockOff = 0

		off := format.AlignUp(bb-b.RightFree, align)
		run = max(bb-off, 0)
		bitOff = i*bb + off
		if run >= bits {
			return bitOff, run
		}
	}
	return c.mapBits, 0
}

// findBlockFit returns the unit offset at which allocArea should start
// searching for bits units at alignment align, or -1 if the hints rule the
// chunk out. With popOnly set only fully populated windows qualify.
func (c *Chunk) findBlockFit(bits, align int, popOnly bool) int {
	md := &c.chunkMD
	if !checkBlockHint(md, bits, align) {
		return -1
	}

	bitOff, run := c.nextFitRegion(bits, align, nextHint(md, bits))
	for popOnly && bitOff < c.mapBits {
		ok, next := c.isPopulated(bitOff, run)
		if ok {
			break
		}
		bitOff, run = c.nextFitRegion(bits, align, next)
	}
	if bitOff >= c.mapBits {
		return -1
	}
	return bitOff
}
