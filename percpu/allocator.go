package percpu

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/tidwall/hashmap"

	"github.com/joshuapare/percpu/internal/format"
	"github.com/joshuapare/percpu/internal/logger"
)

// maxPlaceAttempts bounds how many chunks a single sleeping allocation may
// create before giving up with ErrNoSpace.
const maxPlaceAttempts = 2

// Allocator hands out per-CPU areas. It is safe for concurrent use.
type Allocator struct {
	// allocMu serialises chunk creation, population and balancing.
	allocMu sync.Mutex
	// mu guards bitmaps, hints, slot lists and counters.
	mu sync.Mutex

	cfg   Config
	store PageStore
	log   *slog.Logger

	// geometry, immutable after New
	pageSize     int
	blockBits    int
	unitSize     int
	unitPages    int
	nrUnits      int
	nrCPUs       int
	unitMap      []int
	unitOffsets  []uintptr
	lowUnitCPU   int
	highUnitCPU  int
	unit0CPU     int
	areaSize     uintptr
	atomSize     int
	staticSize   int
	reservedSize int
	dynSize      int
	staticStart  uintptr
	baseAddr     uintptr

	slots            []chunkList
	sidelinedSlot    int
	freeSlot         int
	toDepopulateSlot int

	firstChunk    *Chunk
	reservedChunk *Chunk

	// pageOwners maps every populated page of a dynamic chunk, in every
	// unit, to its chunk.
	pageOwners hashmap.Map[uintptr, *Chunk]

	nrEmptyPopPages   int
	nrPopulated       int
	atomicAllocFailed bool
	warnLimit         int
	stats             Stats

	wake    chan struct{}
	done    chan struct{}
	wg      conc.WaitGroup
	pending atomic.Bool
	closed  atomic.Bool
}

// New builds an allocator for layout on top of store. The first chunk is
// reserved and populated immediately.
func New(layout *Layout, store PageStore, cfg Config) (*Allocator, error) {
	cfg, err := checkConfig(cfg)
	if err != nil {
		return nil, err
	}
	pageSize := int(store.PageSize())
	if err := layout.Validate(pageSize); err != nil {
		return nil, err
	}
	if len(cfg.StaticImage) > layout.StaticSize {
		return nil, fmt.Errorf("%w: static image of %d bytes exceeds static size %d",
			ErrInvalidConfig, len(cfg.StaticImage), layout.StaticSize)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.L
	}
	a := &Allocator{
		cfg:          cfg,
		store:        store,
		log:          log,
		pageSize:     pageSize,
		blockBits:    format.BlockBits(pageSize),
		unitSize:     layout.UnitSize,
		unitPages:    layout.UnitSize / pageSize,
		atomSize:     max(layout.AtomSize, pageSize),
		staticSize:   layout.StaticSize,
		reservedSize: layout.ReservedSize,
		dynSize:      layout.DynSize,
		staticStart:  cfg.StaticStart,
		warnLimit:    cfg.WarnLimit,
	}
	a.setupUnits(layout)

	a.sidelinedSlot = slotOfSize(a.unitSize) + 1
	a.freeSlot = a.sidelinedSlot + 1
	a.toDepopulateSlot = a.freeSlot + 1
	a.slots = make([]chunkList, a.toDepopulateSlot+1)

	if err := a.setupFirstChunk(); err != nil {
		return nil, err
	}

	if cfg.Background {
		a.wake = make(chan struct{}, 1)
		a.done = make(chan struct{})
		a.wg.Go(a.balanceWorker)
	}

	a.log.Debug("percpu: allocator ready",
		"cpus", a.nrCPUs, "units", a.nrUnits, "unit_size", a.unitSize,
		"static", a.staticSize, "reserved", a.reservedSize, "dynamic", a.dynSize,
		"slots", len(a.slots))
	return a, nil
}

// setupUnits derives the CPU to unit mapping from the layout groups.
func (a *Allocator) setupUnits(layout *Layout) {
	a.nrCPUs = layout.NrCPUs()
	a.unitMap = make([]int, a.nrCPUs)
	a.unitOffsets = make([]uintptr, a.nrCPUs)
	a.lowUnitCPU, a.highUnitCPU, a.unit0CPU = format.NoCPU, format.NoCPU, format.NoCPU

	unit := 0
	for _, g := range layout.Groups {
		for i, cpu := range g.CPUMap {
			if cpu == format.NoCPU {
				continue
			}
			off := g.BaseOffset + uintptr(i*a.unitSize)
			a.unitMap[cpu] = unit + i
			a.unitOffsets[cpu] = off
			if a.lowUnitCPU == format.NoCPU || off < a.unitOffsets[a.lowUnitCPU] {
				a.lowUnitCPU = cpu
			}
			if a.highUnitCPU == format.NoCPU || off > a.unitOffsets[a.highUnitCPU] {
				a.highUnitCPU = cpu
			}
			if unit+i == 0 {
				a.unit0CPU = cpu
			}
		}
		unit += len(g.CPUMap)
		a.areaSize = max(a.areaSize, g.BaseOffset+uintptr(len(g.CPUMap)*a.unitSize))
	}
	a.nrUnits = unit
	if a.unit0CPU == format.NoCPU {
		a.unit0CPU = a.lowUnitCPU
	}
}

// Alloc allocates size bytes aligned to align on every CPU and returns the
// area's Ptr. The memory is zeroed. With GFPAccount set the allocation is
// charged to the cgroup returned by Config.Cgroup.
func (a *Allocator) Alloc(size, align int, gfp GFP) (Ptr, error) {
	var cg ObjCgroup
	if gfp&GFPAccount != 0 && a.cfg.Cgroup != nil {
		cg = a.cfg.Cgroup()
	}
	return a.alloc(size, align, false, gfp, cg)
}

// AllocAccounted is Alloc charging cg instead of the configured resolver.
func (a *Allocator) AllocAccounted(size, align int, gfp GFP, cg ObjCgroup) (Ptr, error) {
	return a.alloc(size, align, false, gfp|GFPAccount, cg)
}

// AllocReserved allocates from the reserved chunk. Without a reserved chunk
// it behaves like Alloc.
func (a *Allocator) AllocReserved(size, align int) (Ptr, error) {
	return a.alloc(size, align, true, GFPKernel, nil)
}

func (a *Allocator) alloc(size, align int, reserved bool, gfp GFP, cg ObjCgroup) (Ptr, error) {
	atomicReq := gfp.IsAtomic()
	doWarn := gfp&GFPNoWarn == 0

	if a.closed.Load() {
		return 0, ErrClosed
	}
	if size <= 0 || size > a.unitSize || align <= 0 || align > a.pageSize || !format.IsPow2(align) {
		if doWarn {
			a.log.Warn("percpu: illegal size or alignment", "size", size, "align", align)
		}
		return 0, fmt.Errorf("%w: size=%d align=%d", ErrInvalidRequest, size, align)
	}
	align = max(align, format.MinAllocSize)
	size = format.AlignUp(size, format.MinAllocSize)
	bits := format.SizeToBits(size)
	bitAlign := format.SizeToBits(align)

	guard, err := a.preAllocHook(size, gfp, cg)
	if err != nil {
		return 0, a.allocFailed(err, size, align, atomicReq, doWarn)
	}
	defer guard.release()

	if !atomicReq {
		a.allocMu.Lock()
	}
	retries := a.cfg.PopulateRetries
	if gfp&GFPNoRetry != 0 {
		retries = 0
	}

	var (
		c   *Chunk
		off int
	)
	for attempt := 0; ; attempt++ {
		c, off, err = a.place(bits, bitAlign, reserved, atomicReq)
		if err != nil || atomicReq {
			break
		}
		err = a.populateArea(c, off, bits)
		if err == nil {
			break
		}
		if attempt >= retries {
			err = fmt.Errorf("%w: %w", ErrOutOfMemory, err)
			break
		}
		a.log.Debug("percpu: retrying after populate failure", "size", size, "err", err)
	}
	if !atomicReq {
		a.allocMu.Unlock()
	}
	if err != nil {
		return 0, a.allocFailed(err, size, align, atomicReq, doWarn)
	}

	addr := c.baseAddr + uintptr(format.BitsToSize(off))
	for cpu := range a.nrCPUs {
		if zerr := a.store.Zero(addr+a.unitOffsets[cpu], uintptr(size)); zerr != nil {
			a.mu.Lock()
			a.freeArea(c, off)
			a.mu.Unlock()
			return 0, a.allocFailed(fmt.Errorf("%w: zero cpu %d: %w", ErrOutOfMemory, cpu, zerr),
				size, align, atomicReq, doWarn)
		}
	}

	a.mu.Lock()
	guard.commit(c, off)
	low := a.nrEmptyPopPages < a.cfg.EmptyPopPagesLow
	if debugChecks {
		a.mustVerify(c)
	}
	a.mu.Unlock()
	if low {
		a.scheduleBalance()
	}

	return a.addrToPtr(addr), nil
}

// place finds a fit and commits it to a chunk's bitmap. For sleeping
// callers it creates a chunk when no list has room. It takes and releases
// the inner lock itself.
func (a *Allocator) place(bits, align int, reserved, atomicReq bool) (*Chunk, int, error) {
	a.mu.Lock()

	if reserved && a.reservedChunk != nil {
		c := a.reservedChunk
		off := c.findBlockFit(bits, align, atomicReq)
		if off >= 0 {
			off = a.allocArea(c, bits, align, off)
		}
		a.mu.Unlock()
		if off < 0 {
			return nil, -1, fmt.Errorf("%w: reserved chunk exhausted", ErrNoSpace)
		}
		return c, off, nil
	}

	for attempt := 0; ; attempt++ {
		if c, off := a.searchSlots(bits, align, atomicReq); c != nil {
			a.mu.Unlock()
			return c, off, nil
		}
		if atomicReq {
			a.mu.Unlock()
			return nil, -1, ErrNoSpaceAtomic
		}
		if attempt >= maxPlaceAttempts {
			a.mu.Unlock()
			return nil, -1, ErrNoSpace
		}
		if a.slots[a.freeSlot].isEmpty() {
			a.mu.Unlock()
			c, err := a.createChunk()
			if err != nil {
				return nil, -1, err
			}
			a.mu.Lock()
			a.relocateChunk(c, -1)
		}
	}
}

// searchSlots walks the slot lists from the request's class up to the free
// slot and allocates from the first chunk that fits. Chunks in low slots
// that fail are parked in slot 0.
func (a *Allocator) searchSlots(bits, align int, popOnly bool) (*Chunk, int) {
	for slot := a.sizeToSlot(format.BitsToSize(bits)); slot <= a.freeSlot; slot++ {
		for c := a.slots[slot].first; c != nil; {
			next := c.next
			off := c.findBlockFit(bits, align, popOnly)
			if off < 0 {
				if slot < format.SlotFailThreshold {
					a.moveChunk(c, 0, false)
				}
				c = next
				continue
			}
			if off = a.allocArea(c, bits, align, off); off >= 0 {
				a.reintegrateChunk(c)
				return c, off
			}
			c = next
		}
	}
	return nil, -1
}

// allocArea commits an allocation to c and keeps its slot current.
func (a *Allocator) allocArea(c *Chunk, bits, align, start int) int {
	oslot := a.chunkSlot(c)
	off := c.allocArea(bits, align, start)
	if off < 0 {
		return -1
	}
	a.statsAreaAlloc(c, format.BitsToSize(bits))
	a.relocateChunk(c, oslot)
	return off
}

// freeArea releases the allocation at unit offset off of c and returns its
// size in bytes.
func (a *Allocator) freeArea(c *Chunk, off int) int {
	oslot := a.chunkSlot(c)
	bits := c.freeArea(off)
	a.statsAreaDealloc(c)
	a.relocateChunk(c, oslot)
	return format.BitsToSize(bits)
}

// populateArea makes sure every page under [off, off+bits) of c is backed
// on every CPU. On failure the area is released again.
func (a *Allocator) populateArea(c *Chunk, off, bits int) error {
	ps := off / a.blockBits
	pe := format.AlignUp(off+bits, a.blockBits) / a.blockBits

	for next := ps; ; {
		rs, re, ok := c.populated.NextClearRegion(next, pe)
		if !ok {
			return nil
		}
		err := a.populateChunk(c, rs, re)
		a.mu.Lock()
		if err != nil {
			a.freeArea(c, off)
			a.mu.Unlock()
			return err
		}
		a.chunkPopulated(c, rs, re)
		a.mu.Unlock()
		next = re
	}
}

// allocFailed records and reports a failed allocation.
func (a *Allocator) allocFailed(err error, size, align int, atomicReq, doWarn bool) error {
	a.mu.Lock()
	warn := doWarn && a.warnLimit > 0
	if warn {
		a.warnLimit--
	}
	last := warn && a.warnLimit == 0
	if atomicReq {
		a.atomicAllocFailed = true
	}
	a.stats.NrFailed++
	a.mu.Unlock()

	if warn {
		a.log.Warn("percpu: allocation failed",
			"size", size, "align", align, "atomic", atomicReq, "err", err)
		if last {
			a.log.Info("percpu: warning limit reached, further failures are silent")
		}
	}
	if atomicReq {
		a.scheduleBalance()
	}
	return err
}

// Free releases the area named by ptr. A zero Ptr is ignored. Freeing a
// Ptr that does not name a live allocation panics.
func (a *Allocator) Free(ptr Ptr) {
	if ptr == 0 {
		return
	}
	addr := a.ptrToAddr(ptr)

	a.mu.Lock()
	c := a.addrToChunk(addr)
	if c == nil {
		a.mu.Unlock()
		panic(fmt.Sprintf("percpu: free of unknown pointer %#x", uintptr(ptr)))
	}
	off := format.SizeToBits(int(addr - c.baseAddr))
	if !c.isAllocStart(off) {
		a.mu.Unlock()
		panic(fmt.Sprintf("percpu: free of %#x which is not an allocation start", uintptr(ptr)))
	}

	size := a.freeArea(c, off)
	cg := c.takeObjCgroup(off)

	needBalance := false
	if !c.isolated && c.freeBytes == a.unitSize {
		for p := a.slots[a.freeSlot].first; p != nil; p = p.next {
			if p != c {
				needBalance = true
				break
			}
		}
	} else if a.shouldReclaimChunk(c) {
		a.isolateChunk(c)
		needBalance = true
	}
	if debugChecks {
		a.mustVerify(c)
	}
	a.mu.Unlock()

	a.postFreeHook(cg, size)
	if needBalance {
		a.scheduleBalance()
	}
}

// Close stops the balancer. Allocations made after Close fail with
// ErrClosed; existing areas stay valid.
func (a *Allocator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.done != nil {
		close(a.done)
		a.wg.Wait()
	}
	return nil
}
