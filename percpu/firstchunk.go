package percpu

import (
	"fmt"

	"github.com/joshuapare/percpu/internal/format"
)

// setupFirstChunk reserves and populates the first area, copies the static
// image into every unit and builds the reserved and first chunks from it.
func (a *Allocator) setupFirstChunk() error {
	sizeSum := a.staticSize + a.reservedSize + a.dynSize
	mapped := uintptr(format.AlignUp(sizeSum, a.pageSize))

	base, err := a.store.Reserve(a.areaSize, uintptr(a.atomSize))
	if err != nil {
		return fmt.Errorf("%w: reserve first area: %w", ErrOutOfMemory, err)
	}
	for cpu := range a.nrCPUs {
		addr := base + a.unitOffsets[cpu]
		if err := a.store.Map(addr, mapped); err != nil {
			return fmt.Errorf("%w: populate first area for cpu %d: %w", ErrOutOfMemory, cpu, err)
		}
		if len(a.cfg.StaticImage) != 0 {
			if err := a.store.WriteAt(a.cfg.StaticImage, addr); err != nil {
				return fmt.Errorf("percpu: copy static image for cpu %d: %w", cpu, err)
			}
		}
	}
	a.baseAddr = base

	tmp := base + uintptr(a.staticSize)
	if a.reservedSize > 0 {
		a.reservedChunk = a.newFirstChunk(tmp, a.reservedSize)
		a.reservedChunk.reserved = true
		tmp += uintptr(a.reservedSize)
	}
	a.firstChunk = a.newFirstChunk(tmp, a.dynSize)
	a.firstChunk.globalEmpty = &a.nrEmptyPopPages

	a.nrEmptyPopPages = a.firstChunk.nrEmptyPopPages
	a.nrPopulated = int(mapped) / a.pageSize
	a.stats.NrChunks = 1
	a.stats.NrMaxChunks = 1
	a.relocateChunk(a.firstChunk, -1)
	return nil
}

// newFirstChunk builds an immutable, fully populated chunk managing
// mapSize bytes at tmpAddr. The chunk itself starts and ends on page
// boundaries; the bands outside [tmpAddr, tmpAddr+mapSize) are hidden
// behind permanent allocations.
func (a *Allocator) newFirstChunk(tmpAddr uintptr, mapSize int) *Chunk {
	aligned := format.AlignDownPtr(tmpAddr, uintptr(a.pageSize))
	startOffset := int(tmpAddr - aligned)
	regionSize := format.AlignUp(startOffset+mapSize, a.pageSize)

	c := newChunk(regionSize/a.pageSize, a.pageSize)
	c.baseAddr = aligned
	c.startOffset = startOffset
	c.endOffset = regionSize - startOffset - mapSize
	c.immutable = true
	c.populated.Fill()
	c.nrPopulated = c.nrPages
	c.nrEmptyPopPages = c.nrPages
	c.freeBytes = mapSize

	if c.startOffset > 0 {
		c.hide(0, format.SizeToBits(c.startOffset))
	}
	if c.endOffset > 0 {
		bits := format.SizeToBits(c.endOffset)
		c.hide(c.mapBits-bits, bits)
	}
	return c
}
