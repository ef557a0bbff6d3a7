package percpu

import (
	"slices"

	"github.com/joshuapare/percpu/internal/format"
)

// Stats holds allocator-wide counters.
type Stats struct {
	NrAlloc      uint64 `json:"nr_alloc"`
	NrDealloc    uint64 `json:"nr_dealloc"`
	NrCurAlloc   int    `json:"nr_cur_alloc"`
	NrMaxAlloc   int    `json:"nr_max_alloc"`
	NrFailed     uint64 `json:"nr_failed"`
	NrChunks     int    `json:"nr_chunks"`
	NrMaxChunks  int    `json:"nr_max_chunks"`
	MinAllocSize int    `json:"min_alloc_size"`
	MaxAllocSize int    `json:"max_alloc_size"`
	NrBalance    uint64 `json:"nr_balance"`
	NrReclaimed  uint64 `json:"nr_reclaimed"`

	// filled in by Allocator.Stats
	NrEmptyPopPages int `json:"nr_empty_pop_pages"`
	NrPopulated     int `json:"nr_populated"`
}

// Geometry describes the fixed shape of an allocator.
type Geometry struct {
	PageSize     int `json:"page_size"`
	UnitSize     int `json:"unit_size"`
	UnitPages    int `json:"unit_pages"`
	NrUnits      int `json:"nr_units"`
	NrCPUs       int `json:"nr_cpus"`
	StaticSize   int `json:"static_size"`
	ReservedSize int `json:"reserved_size"`
	DynSize      int `json:"dyn_size"`
	NrSlots      int `json:"nr_slots"`
	FreeSlot     int `json:"free_slot"`
}

// ChunkStats describes one chunk.
type ChunkStats struct {
	Base            uintptr `json:"base"`
	Slot            int     `json:"slot"`
	First           bool    `json:"first,omitempty"`
	Reserved        bool    `json:"reserved,omitempty"`
	Isolated        bool    `json:"isolated,omitempty"`
	NrPages         int     `json:"nr_pages"`
	NrPopulated     int     `json:"nr_populated"`
	NrEmptyPopPages int     `json:"empty_pop_pages"`
	NrAlloc         int     `json:"nr_alloc"`
	MaxAllocSize    int     `json:"max_alloc_size"`
	FirstBit        int     `json:"first_bit"`
	FreeBytes       int     `json:"free_bytes"`
	ContigBytes     int     `json:"contig_bytes"`

	// SumFrag and MaxFrag cover the free runs that lie before the last
	// allocation, which later allocations of their size cannot extend.
	SumFrag int `json:"sum_frag"`
	MaxFrag int `json:"max_frag"`

	CurMinAlloc int `json:"cur_min_alloc"`
	CurMedAlloc int `json:"cur_med_alloc"`
	CurMaxAlloc int `json:"cur_max_alloc"`

	Digest uint64 `json:"digest"`
}

func (a *Allocator) statsAreaAlloc(c *Chunk, size int) {
	s := &a.stats
	s.NrAlloc++
	s.NrCurAlloc++
	s.NrMaxAlloc = max(s.NrMaxAlloc, s.NrCurAlloc)
	if s.MinAllocSize == 0 || size < s.MinAllocSize {
		s.MinAllocSize = size
	}
	s.MaxAllocSize = max(s.MaxAllocSize, size)
	c.nrAlloc++
	c.maxAllocSize = max(c.maxAllocSize, size)
}

func (a *Allocator) statsAreaDealloc(c *Chunk) {
	a.stats.NrDealloc++
	a.stats.NrCurAlloc--
	c.nrAlloc--
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.NrEmptyPopPages = a.nrEmptyPopPages
	s.NrPopulated = a.nrPopulated
	return s
}

// Geometry returns the allocator's fixed shape.
func (a *Allocator) Geometry() Geometry {
	return Geometry{
		PageSize:     a.pageSize,
		UnitSize:     a.unitSize,
		UnitPages:    a.unitPages,
		NrUnits:      a.nrUnits,
		NrCPUs:       a.nrCPUs,
		StaticSize:   a.staticSize,
		ReservedSize: a.reservedSize,
		DynSize:      a.dynSize,
		NrSlots:      len(a.slots),
		FreeSlot:     a.freeSlot,
	}
}

// Snapshot describes every chunk: the reserved chunk first, then the slot
// lists from the lowest slot up.
func (a *Allocator) Snapshot() []ChunkStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []ChunkStats
	if a.reservedChunk != nil {
		out = append(out, a.chunkStats(a.reservedChunk))
	}
	a.eachChunk(func(c *Chunk) {
		out = append(out, a.chunkStats(c))
	})
	return out
}

func (a *Allocator) chunkStats(c *Chunk) ChunkStats {
	cs := ChunkStats{
		Base:            c.baseAddr,
		Slot:            c.slot,
		First:           c == a.firstChunk,
		Reserved:        c.reserved,
		Isolated:        c.isolated,
		NrPages:         c.nrPages,
		NrPopulated:     c.nrPopulated,
		NrEmptyPopPages: c.nrEmptyPopPages,
		NrAlloc:         c.nrAlloc,
		MaxAllocSize:    c.maxAllocSize,
		FirstBit:        c.chunkMD.FirstFree,
		FreeBytes:       c.freeBytes,
		ContigBytes:     format.BitsToSize(c.chunkMD.ContigHint),
		Digest:          c.Digest(),
	}

	// skip the hidden bands of first chunks
	start := format.SizeToBits(c.startOffset)
	end := c.mapBits - format.SizeToBits(c.endOffset)
	last := c.allocMap.PrevSet(end)

	var sizes []int
	for off := start; off < end; {
		if c.allocMap.Test(off) {
			next := c.boundMap.NextSet(off+1, c.mapBits+1)
			sizes = append(sizes, format.BitsToSize(next-off))
			off = next
			continue
		}
		next := c.allocMap.NextSet(off, end)
		if next <= last {
			frag := format.BitsToSize(next - off)
			cs.SumFrag += frag
			cs.MaxFrag = max(cs.MaxFrag, frag)
		}
		off = next
	}
	if len(sizes) > 0 {
		slices.Sort(sizes)
		cs.CurMinAlloc = sizes[0]
		cs.CurMedAlloc = sizes[len(sizes)/2]
		cs.CurMaxAlloc = sizes[len(sizes)-1]
	}
	return cs
}
