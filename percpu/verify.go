package percpu

import (
	"fmt"

	"github.com/joshuapare/percpu/internal/format"
)

// runStats measures the clear runs of allocMap in [start, end).
type runStats struct {
	longest, first, left, right int
}

func (c *Chunk) measure(start, end int) runStats {
	rs := runStats{
		first: c.allocMap.NextClear(start, end) - start,
		left:  c.allocMap.NextSet(start, end) - start,
		right: end - (c.allocMap.PrevSetFrom(start, end) + 1),
	}
	c.allocMap.ClearRegions(start, end, func(s, e int) {
		rs.longest = max(rs.longest, e-s)
	})
	return rs
}

// verifyHint checks one hint against the bitmap window [base, base+n).
func (c *Chunk) verifyHint(name string, b *BlockHint, base, n int) error {
	want := c.measure(base, base+n)
	switch {
	case b.NrBits != n:
		return fmt.Errorf("%s: nr_bits %d, want %d", name, b.NrBits, n)
	case b.ContigHint != want.longest:
		return fmt.Errorf("%s: contig_hint %d, longest free run %d", name, b.ContigHint, want.longest)
	case b.FirstFree != want.first:
		return fmt.Errorf("%s: first_free %d, want %d", name, b.FirstFree, want.first)
	case b.LeftFree != want.left:
		return fmt.Errorf("%s: left_free %d, want %d", name, b.LeftFree, want.left)
	case b.RightFree != want.right:
		return fmt.Errorf("%s: right_free %d, want %d", name, b.RightFree, want.right)
	}
	if b.ContigHint != 0 {
		s := base + b.ContigHintStart
		if b.ContigHintStart+b.ContigHint > n || c.allocMap.NextSet(s, s+b.ContigHint) != s+b.ContigHint {
			return fmt.Errorf("%s: contig run [%d, +%d) not free", name, b.ContigHintStart, b.ContigHint)
		}
	}
	if b.ScanHint != 0 {
		s := base + b.ScanHintStart
		if b.ScanHint > b.ContigHint {
			return fmt.Errorf("%s: scan_hint %d above contig_hint %d", name, b.ScanHint, b.ContigHint)
		}
		if !b.scanOrdered() {
			return fmt.Errorf("%s: scan run %d@%d misplaced against contig run %d@%d",
				name, b.ScanHint, b.ScanHintStart, b.ContigHint, b.ContigHintStart)
		}
		if b.ScanHintStart+b.ScanHint > n || c.allocMap.NextSet(s, s+b.ScanHint) != s+b.ScanHint {
			return fmt.Errorf("%s: scan run [%d, +%d) not free", name, b.ScanHintStart, b.ScanHint)
		}
	}
	return nil
}

// Verify checks the chunk's hints, counters and boundary map against its
// allocation bitmap.
func (c *Chunk) Verify() error {
	if got := format.BitsToSize(c.allocMap.CountClear(0, c.mapBits)); got != c.freeBytes {
		return fmt.Errorf("chunk %#x: free_bytes %d, bitmap has %d", c.baseAddr, c.freeBytes, got)
	}
	if got := c.populated.CountSet(0, c.nrPages); got != c.nrPopulated {
		return fmt.Errorf("chunk %#x: nr_populated %d, bitmap has %d", c.baseAddr, c.nrPopulated, got)
	}

	empty := 0
	for i := range c.mdBlocks {
		if err := c.verifyHint(fmt.Sprintf("chunk %#x block %d", c.baseAddr, i), &c.mdBlocks[i], i*c.blockBits, c.blockBits); err != nil {
			return err
		}
		if c.mdBlocks[i].empty() && c.populated.Test(i) {
			empty++
		}
	}
	if empty != c.nrEmptyPopPages {
		return fmt.Errorf("chunk %#x: nr_empty_pop_pages %d, counted %d", c.baseAddr, c.nrEmptyPopPages, empty)
	}
	if err := c.verifyHint(fmt.Sprintf("chunk %#x", c.baseAddr), &c.chunkMD, 0, c.mapBits); err != nil {
		return err
	}

	// a boundary bit is set exactly where an allocated run starts or ends
	if !c.boundMap.Test(0) || !c.boundMap.Test(c.mapBits) {
		return fmt.Errorf("chunk %#x: boundary sentinels missing", c.baseAddr)
	}
	for i := 1; i < c.mapBits; i++ {
		cur, prev := c.allocMap.Test(i), c.allocMap.Test(i-1)
		bound := c.boundMap.Test(i)
		if !cur && !prev && bound {
			return fmt.Errorf("chunk %#x: stray boundary bit %d in free space", c.baseAddr, i)
		}
		if cur != prev && !bound {
			return fmt.Errorf("chunk %#x: missing boundary bit %d", c.baseAddr, i)
		}
	}
	return nil
}

// Verify checks every chunk and the allocator-wide counters.
func (a *Allocator) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	global := 0
	populated := format.AlignUp(a.staticSize+a.reservedSize+a.dynSize, a.pageSize) / a.pageSize
	a.eachChunk(func(c *Chunk) {
		if err != nil {
			return
		}
		if err = c.Verify(); err != nil {
			return
		}
		if c != a.firstChunk {
			populated += c.nrPopulated
		}
		want := a.chunkSlot(c)
		switch {
		case c.isolated:
			if c.slot != a.sidelinedSlot && c.slot != a.toDepopulateSlot {
				err = fmt.Errorf("isolated chunk %#x on slot %d", c.baseAddr, c.slot)
			}
			return
		case c.slot != want && (c.slot != 0 || want >= format.SlotFailThreshold):
			err = fmt.Errorf("chunk %#x on slot %d, belongs on %d", c.baseAddr, c.slot, want)
			return
		}
		global += c.nrEmptyPopPages
	})
	if err != nil {
		return err
	}
	if a.reservedChunk != nil {
		if err := a.reservedChunk.Verify(); err != nil {
			return err
		}
	}
	if global != a.nrEmptyPopPages {
		return fmt.Errorf("nr_empty_pop_pages %d, chunks hold %d", a.nrEmptyPopPages, global)
	}
	if populated != a.nrPopulated {
		return fmt.Errorf("nr_populated %d, chunks hold %d", a.nrPopulated, populated)
	}
	return nil
}

// mustVerify panics if c is inconsistent. Called under the inner lock.
func (a *Allocator) mustVerify(c *Chunk) {
	if err := c.Verify(); err != nil {
		panic(err)
	}
}
