package percpu

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"github.com/joshuapare/percpu/internal/format"
)

// PageStore provides the virtual address space and backing pages chunks
// live in. The pagestore package has a heap-backed and an mmap-backed
// implementation. Implementations must be safe for concurrent use.
type PageStore interface {
	// Reserve sets aside size bytes of address space aligned to align.
	// Nothing in it is accessible until mapped.
	Reserve(size, align uintptr) (uintptr, error)
	// Release returns a reservation. Mapped pages in it are dropped.
	Release(base, size uintptr) error
	// Map backs n bytes at addr with fresh zeroed pages. It either maps
	// the whole range or nothing.
	Map(addr, n uintptr) error
	// Unmap removes the pages under n bytes at addr. The range stays
	// stale until the next Flush that covers it.
	Unmap(addr, n uintptr) error
	// Flush retires stale translations in [start, end).
	Flush(start, end uintptr)
	// Zero clears n bytes at addr.
	Zero(addr, n uintptr) error
	ReadAt(p []byte, addr uintptr) error
	WriteAt(p []byte, addr uintptr) error
	// Phys returns the physical address backing addr.
	Phys(addr uintptr) (uint64, error)
	PageSize() uintptr
}

// chunkAddr returns the address of page of c in cpu's unit.
func (a *Allocator) chunkAddr(c *Chunk, cpu, page int) uintptr {
	return c.baseAddr + a.unitOffsets[cpu] + uintptr(page*a.pageSize)
}

// createChunk reserves address space for a new dynamic chunk. No pages are
// populated. Called without the inner lock.
func (a *Allocator) createChunk() (*Chunk, error) {
	base, err := a.store.Reserve(a.areaSize, uintptr(a.atomSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reserve chunk: %w", ErrOutOfMemory, err)
	}
	c := newChunk(a.unitPages, a.pageSize)
	c.baseAddr = base
	c.area = base
	c.globalEmpty = &a.nrEmptyPopPages

	a.mu.Lock()
	a.stats.NrChunks++
	a.stats.NrMaxChunks = max(a.stats.NrMaxChunks, a.stats.NrChunks)
	a.mu.Unlock()

	a.log.Debug("percpu: chunk created", "base", fmt.Sprintf("%#x", base), "pages", c.nrPages)
	return c, nil
}

// destroyChunk releases a dynamic chunk that is on no list and has no
// populated pages left. Called without the inner lock.
func (a *Allocator) destroyChunk(c *Chunk) {
	a.store.Flush(c.baseAddr, c.baseAddr+a.areaSize)
	if err := a.store.Release(c.area, a.areaSize); err != nil {
		a.log.Error("percpu: release chunk", "base", fmt.Sprintf("%#x", c.area), "err", err)
	}

	a.mu.Lock()
	a.stats.NrChunks--
	a.mu.Unlock()

	a.log.Debug("percpu: chunk destroyed", "base", fmt.Sprintf("%#x", c.baseAddr))
}

// populateChunk maps pages [ps, pe) of c on every CPU. Units are mapped in
// parallel; if any CPU fails, the units that succeeded are unmapped again
// and the chunk is left as it was. Called under the outer lock only.
func (a *Allocator) populateChunk(c *Chunk, ps, pe int) error {
	n := uintptr((pe - ps) * a.pageSize)
	mapped := make([]bool, a.nrCPUs)

	p := pool.New().WithMaxGoroutines(min(a.nrCPUs, runtime.GOMAXPROCS(0))).WithErrors()
	for cpu := range a.nrCPUs {
		p.Go(func() error {
			if err := a.store.Map(a.chunkAddr(c, cpu, ps), n); err != nil {
				return fmt.Errorf("cpu %d pages [%d, %d): %w", cpu, ps, pe, err)
			}
			mapped[cpu] = true
			return nil
		})
	}
	err := p.Wait()
	if err == nil {
		return nil
	}

	var undo []error
	for cpu, ok := range mapped {
		if !ok {
			continue
		}
		if uerr := a.store.Unmap(a.chunkAddr(c, cpu, ps), n); uerr != nil {
			undo = append(undo, uerr)
		}
	}
	a.store.Flush(a.chunkAddr(c, a.lowUnitCPU, ps), a.chunkAddr(c, a.highUnitCPU, pe))
	if len(undo) != 0 {
		a.log.Error("percpu: unwinding failed populate", "err", errors.Join(undo...))
	}
	return err
}

// depopulateChunk unmaps pages [ps, pe) of c on every CPU. The caller
// flushes afterwards with postUnmapFlush. Called under the outer lock only.
func (a *Allocator) depopulateChunk(c *Chunk, ps, pe int) {
	n := uintptr((pe - ps) * a.pageSize)
	for cpu := range a.nrCPUs {
		if err := a.store.Unmap(a.chunkAddr(c, cpu, ps), n); err != nil {
			a.log.Error("percpu: depopulate", "cpu", cpu, "pages", fmt.Sprintf("[%d, %d)", ps, pe), "err", err)
		}
	}
}

// postUnmapFlush retires stale translations for pages [ps, pe) of c across
// all units with one flush spanning the lowest to the highest unit.
func (a *Allocator) postUnmapFlush(c *Chunk, ps, pe int) {
	a.store.Flush(a.chunkAddr(c, a.lowUnitCPU, ps), a.chunkAddr(c, a.highUnitCPU, pe))
}

// chunkPopulated records that pages [ps, pe) of c are now backed.
func (a *Allocator) chunkPopulated(c *Chunk, ps, pe int) {
	nr := pe - ps
	c.populated.SetRange(ps, pe)
	c.nrPopulated += nr
	a.nrPopulated += nr

	empty := 0
	for i := ps; i < pe; i++ {
		if c.mdBlocks[i].empty() {
			empty++
		}
		for cpu := range a.nrCPUs {
			a.pageOwners.Set(a.chunkAddr(c, cpu, i), c)
		}
	}
	c.updateEmptyPages(empty)
}

// chunkDepopulated records that pages [ps, pe) of c are gone. They must all
// have been empty.
func (a *Allocator) chunkDepopulated(c *Chunk, ps, pe int) {
	nr := pe - ps
	c.populated.ClearRange(ps, pe)
	c.nrPopulated -= nr
	a.nrPopulated -= nr
	for i := ps; i < pe; i++ {
		for cpu := range a.nrCPUs {
			a.pageOwners.Delete(a.chunkAddr(c, cpu, i))
		}
	}
	c.updateEmptyPages(-nr)
}

// addrToChunk returns the chunk holding addr, an address in unit 0's
// address space, or nil.
func (a *Allocator) addrToChunk(addr uintptr) *Chunk {
	if a.inChunk(a.firstChunk, addr) {
		return a.firstChunk
	}
	if a.reservedChunk != nil && a.inChunk(a.reservedChunk, addr) {
		return a.reservedChunk
	}
	page := format.AlignDownPtr(addr+a.unitOffsets[a.lowUnitCPU], uintptr(a.pageSize))
	c, _ := a.pageOwners.Get(page)
	return c
}

func (a *Allocator) inChunk(c *Chunk, addr uintptr) bool {
	start := c.baseAddr + uintptr(c.startOffset)
	end := c.baseAddr + uintptr(c.mapBits*format.MinAllocSize-c.endOffset)
	return addr >= start && addr < end
}
