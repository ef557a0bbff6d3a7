package percpu

// updateHintAlloc adjusts block and chunk hints after [bitOff, bitOff+bits)
// has been marked allocated.
//
// Only the first and last block can keep free space; blocks strictly in
// between become fully allocated. A block is only rescanned when the
// allocation overlapped its contig hint, and the chunk hint likewise.
func (c *Chunk) updateHintAlloc(bitOff, bits int) {
	bb := c.blockBits
	md := &c.chunkMD
	nrEmpty := 0

	sIndex, eIndex := bitOff/bb, (bitOff+bits-1)/bb
	sOff, eOff := bitOff%bb, (bitOff+bits-1)%bb+1

	s := &c.mdBlocks[sIndex]
	if s.empty() && c.populated.Test(sIndex) {
		nrEmpty++
	}
	if sOff == s.FirstFree {
		base := sIndex * bb
		s.FirstFree = c.allocMap.NextClear(min(base+sOff+bits, base+bb), base+bb) - base
	}
	if overlaps(s.ScanHintStart, s.ScanHintStart+s.ScanHint, sOff, sOff+bits) {
		s.ScanHint = 0
	}
	if overlaps(s.ContigHintStart, s.ContigHintStart+s.ContigHint, sOff, sOff+bits) {
		c.refreshBlock(sIndex)
	} else {
		s.LeftFree = min(s.LeftFree, sOff)
		if sIndex == eIndex {
			s.RightFree = min(s.RightFree, bb-eOff)
		} else {
			s.RightFree = 0
		}
	}

	if sIndex != eIndex {
		e := &c.mdBlocks[eIndex]
		last := eIndex
		if eOff == bb {
			// the last block is covered end to end
			last = eIndex + 1
		} else {
			if e.empty() && c.populated.Test(eIndex) {
				nrEmpty++
			}
			base := eIndex * bb
			e.FirstFree = c.allocMap.NextClear(base+eOff, base+bb) - base
			if eOff > e.ScanHintStart {
				e.ScanHint = 0
			}
			e.LeftFree = 0
			if eOff > e.ContigHintStart {
				c.refreshBlock(eIndex)
			} else {
				e.RightFree = min(e.RightFree, bb-eOff)
			}
		}
		for i := sIndex + 1; i < last; i++ {
			if c.populated.Test(i) {
				nrEmpty++
			}
			c.mdBlocks[i].reset()
		}
	}

	if nrEmpty != 0 {
		c.updateEmptyPages(-nrEmpty)
	}

	if overlaps(md.ScanHintStart, md.ScanHintStart+md.ScanHint, bitOff, bitOff+bits) {
		md.ScanHint = 0
	}
	if overlaps(md.ContigHintStart, md.ContigHintStart+md.ContigHint, bitOff, bitOff+bits) {
		c.refreshHint()
		return
	}
	md.LeftFree = min(md.LeftFree, bitOff)
	md.RightFree = min(md.RightFree, c.mapBits-(bitOff+bits))
}

// updateHintFree adjusts block and chunk hints after [bitOff, bitOff+bits)
// has been cleared. The freed run is first widened to the maximal free run
// around it inside its first and last block.
func (c *Chunk) updateHintFree(bitOff, bits int) {
	bb := c.blockBits
	nrEmpty := 0

	sIndex, eIndex := bitOff/bb, (bitOff+bits-1)/bb
	sOff, eOff := bitOff%bb, (bitOff+bits-1)%bb+1
	sBase, eBase := sIndex*bb, eIndex*bb

	start := c.allocMap.PrevSetFrom(sBase, sBase+sOff) + 1 - sBase
	end := c.allocMap.NextSet(eBase+eOff, eBase+bb) - eBase

	sEnd := bb
	if sIndex == eIndex {
		sEnd = end
	}
	if start == 0 && sEnd == bb && c.populated.Test(sIndex) {
		nrEmpty++
	}
	c.mdBlocks[sIndex].update(start, sEnd)

	if sIndex != eIndex {
		if end == bb && c.populated.Test(eIndex) {
			nrEmpty++
		}
		c.mdBlocks[eIndex].update(0, end)

		for i := sIndex + 1; i < eIndex; i++ {
			if c.populated.Test(i) {
				nrEmpty++
			}
			c.mdBlocks[i].init(bb)
		}
	}

	if nrEmpty != 0 {
		c.updateEmptyPages(nrEmpty)
	}

	// A run that crosses or touches a block edge may join free space the
	// block hints only describe through their edge runs.
	if sIndex != eIndex || start == 0 || end == bb {
		c.refreshHint()
		return
	}
	c.chunkMD.update(sBase+start, eBase+end)
}

// updateScan records a free run that an area search skipped over. The run
// is extended left to its true start; runs that leave their block are
// dropped.
func (c *Chunk) updateScan(areaOff, areaBits int) {
	sOff := areaOff % c.blockBits
	eOff := sOff + areaBits
	if eOff > c.blockBits {
		return
	}
	index := areaOff / c.blockBits
	base := index * c.blockBits
	sOff = c.allocMap.PrevSetFrom(base, areaOff) + 1 - base
	c.mdBlocks[index].update(sOff, eOff)
}
