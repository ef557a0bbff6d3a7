package pagestore

import (
	"fmt"
	"sync"

	"github.com/tidwall/hashmap"
)

// heapBase is the first address handed out by a Heap store. It is well away
// from zero so a stray zero pointer never lands in a reservation.
const heapBase uintptr = 0x1000_0000

// HeapStats reports what a Heap store has done.
type HeapStats struct {
	Reserved     uintptr // Bytes currently reserved
	MappedPages  int     // Pages currently backed
	MapCalls     int     // Map() calls
	UnmapCalls   int     // Unmap() calls
	Flushes      int     // Flush() calls that released something
	FlushedBytes uintptr // Bytes released by Flush()
}

// heapPage is one backed page.
type heapPage struct {
	data  []byte
	frame uint64
}

// Heap is a portable store that backs pages with Go heap buffers.
type Heap struct {
	mu       sync.Mutex
	pageSize uintptr
	next     uintptr

	areas hashmap.Map[uintptr, uintptr]   // reservation base -> size
	pages hashmap.Map[uintptr, *heapPage] // page address -> backing

	pool      sync.Pool
	pending   *Tracker
	nextFrame uint64

	// Fault injection. Zero means unlimited.
	mapLimit     int
	reserveLimit uintptr

	stats HeapStats
}

// NewHeap creates a heap-backed store with the given page size, which must
// be a power of two.
func NewHeap(pageSize int) *Heap {
	ps := uintptr(pageSize)
	h := &Heap{
		pageSize:  ps,
		next:      heapBase,
		pending:   NewTracker(ps),
		nextFrame: 1,
	}
	h.pool.New = func() any {
		return make([]byte, ps)
	}
	return h
}

// PageSize returns the page size.
func (h *Heap) PageSize() uintptr { return h.pageSize }

// SetMapLimit caps the number of simultaneously backed pages. Map fails with
// ErrExhausted once the cap would be exceeded. Zero removes the cap.
func (h *Heap) SetMapLimit(pages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mapLimit = pages
}

// SetReserveLimit caps the number of reserved bytes. Zero removes the cap.
func (h *Heap) SetReserveLimit(bytes uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserveLimit = bytes
}

// Stats returns a snapshot of the store counters.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.MappedPages = h.pages.Len()
	return s
}

// Pending returns the coalesced ranges unmapped but not yet flushed.
func (h *Heap) Pending() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending.DebugCoalescedRanges()
}

// Reserve returns a fresh, unbacked, align-aligned range of size bytes.
func (h *Heap) Reserve(size, align uintptr) (uintptr, error) {
	if size == 0 || size%h.pageSize != 0 {
		return 0, fmt.Errorf("reserve %d bytes: %w", size, ErrUnaligned)
	}
	align = max(align, h.pageSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reserveLimit != 0 && h.stats.Reserved+size > h.reserveLimit {
		return 0, fmt.Errorf("reserve %d bytes: %w", size, ErrExhausted)
	}
	base := (h.next + align - 1) &^ (align - 1)
	// leave an unreserved guard page between reservations
	h.next = base + size + h.pageSize
	h.areas.Set(base, size)
	h.stats.Reserved += size
	return base, nil
}

// Release drops a reservation together with any pages still backed in it.
func (h *Heap) Release(base, size uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	got, ok := h.areas.Get(base)
	if !ok || got != size {
		return fmt.Errorf("release %#x+%d: %w", base, size, ErrNotReserved)
	}
	for addr := base; addr < base+size; addr += h.pageSize {
		if p, ok := h.pages.Delete(addr); ok {
			h.pool.Put(p.data)
		}
	}
	h.pending.Take(base, base+size)
	h.areas.Delete(base)
	h.stats.Reserved -= size
	return nil
}

// Map backs the n bytes at addr with zeroed pages. Either all pages are
// mapped or none are.
func (h *Heap) Map(addr, n uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkRange(addr, n); err != nil {
		return err
	}
	for a := addr; a < addr+n; a += h.pageSize {
		if _, ok := h.pages.Get(a); ok {
			return fmt.Errorf("map %#x: %w", a, ErrMapped)
		}
	}
	if h.mapLimit != 0 && h.pages.Len()+int(n/h.pageSize) > h.mapLimit {
		return fmt.Errorf("map %d pages: %w", n/h.pageSize, ErrExhausted)
	}

	// a page that is unmapped but not yet flushed gets reused as-is
	h.pending.Take(addr, addr+n)
	for a := addr; a < addr+n; a += h.pageSize {
		data := h.pool.Get().([]byte)
		clear(data)
		h.pages.Set(a, &heapPage{data: data, frame: h.nextFrame})
		h.nextFrame++
	}
	h.stats.MapCalls++
	return nil
}

// Unmap removes the backing of the n bytes at addr. The range stays pending
// until a Flush covers it.
func (h *Heap) Unmap(addr, n uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkRange(addr, n); err != nil {
		return err
	}
	for a := addr; a < addr+n; a += h.pageSize {
		p, ok := h.pages.Delete(a)
		if !ok {
			return fmt.Errorf("unmap %#x: %w", a, ErrNotMapped)
		}
		h.pool.Put(p.data)
	}
	h.pending.Add(addr, n)
	h.stats.UnmapCalls++
	return nil
}

// Flush releases every pending range inside [start, end).
func (h *Heap) Flush(start, end uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	taken := h.pending.Take(start, end)
	if len(taken) == 0 {
		return
	}
	h.stats.Flushes++
	for _, r := range taken {
		h.stats.FlushedBytes += r.Len
	}
}

// Zero clears n bytes at addr.
func (h *Heap) Zero(addr, n uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.each(addr, n, func(b []byte, _ uintptr) { clear(b) })
}

// ReadAt copies len(p) bytes at addr into p.
func (h *Heap) ReadAt(p []byte, addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.each(addr, uintptr(len(p)), func(b []byte, done uintptr) { copy(p[done:], b) })
}

// WriteAt copies p to addr.
func (h *Heap) WriteAt(p []byte, addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.each(addr, uintptr(len(p)), func(b []byte, done uintptr) { copy(b, p[done:]) })
}

// Phys returns the pseudo physical address of addr: its page frame number
// shifted by the page size plus the offset in the page.
func (h *Heap) Phys(addr uintptr) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pg := addr &^ (h.pageSize - 1)
	p, ok := h.pages.Get(pg)
	if !ok {
		return 0, fmt.Errorf("phys %#x: %w", addr, ErrNotMapped)
	}
	return p.frame*uint64(h.pageSize) + uint64(addr-pg), nil
}

// each walks the backed pages covering [addr, addr+n) and calls fn with the
// slice of each page inside the range and the number of bytes already
// visited. It fails before calling fn if any page is unbacked.
func (h *Heap) each(addr, n uintptr, fn func(b []byte, done uintptr)) error {
	if n == 0 {
		return nil
	}
	end := addr + n
	for a := addr &^ (h.pageSize - 1); a < end; a += h.pageSize {
		if _, ok := h.pages.Get(a); !ok {
			return fmt.Errorf("access %#x: %w", a, ErrNotMapped)
		}
	}
	for a := addr; a < end; {
		pg := a &^ (h.pageSize - 1)
		p, _ := h.pages.Get(pg)
		lo := a - pg
		hi := min(h.pageSize, end-pg)
		fn(p.data[lo:hi], a-addr)
		a = pg + hi
	}
	return nil
}

// checkRange verifies [addr, addr+n) is page aligned and inside one
// reservation.
func (h *Heap) checkRange(addr, n uintptr) error {
	if n == 0 || addr%h.pageSize != 0 || n%h.pageSize != 0 {
		return fmt.Errorf("range %#x+%d: %w", addr, n, ErrUnaligned)
	}
	found := false
	h.areas.Scan(func(base, size uintptr) bool {
		if addr >= base && addr+n <= base+size {
			found = true
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("range %#x+%d: %w", addr, n, ErrNotReserved)
	}
	return nil
}
