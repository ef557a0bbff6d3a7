//go:build linux

package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/percpu/internal/bitmap"
)

const (
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

// mmapArea is one reservation. mem is the whole mapping as returned by
// mmap; [base, base+size) is the aligned part handed to the caller.
type mmapArea struct {
	mem    []byte
	base   uintptr
	size   uintptr
	mapped *bitmap.Bitmap // one bit per page of [base, base+size)
}

// Mmap is a store backed by anonymous mappings of the calling process.
type Mmap struct {
	mu       sync.Mutex
	pageSize uintptr
	areas    []*mmapArea
	pending  *Tracker

	// populate is cleared after the kernel rejects MADV_POPULATE_WRITE
	// (pre-5.14); pages are then faulted in by the first write.
	populate bool

	pagemap *os.File
}

// NewMmap creates an mmap-backed store using the system page size.
func NewMmap() (*Mmap, error) {
	ps := uintptr(unix.Getpagesize())
	return &Mmap{
		pageSize: ps,
		pending:  NewTracker(ps),
		populate: true,
	}, nil
}

// PageSize returns the system page size.
func (m *Mmap) PageSize() uintptr { return m.pageSize }

// Reserve maps size bytes of inaccessible address space aligned to align.
func (m *Mmap) Reserve(size, align uintptr) (uintptr, error) {
	if size == 0 || size%m.pageSize != 0 {
		return 0, fmt.Errorf("reserve %d bytes: %w", size, ErrUnaligned)
	}
	align = max(align, m.pageSize)

	mem, err := unix.Mmap(-1, 0, int(size+align-m.pageSize), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("reserve %d bytes: %w: %w", size, ErrExhausted, err)
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	base := (start + align - 1) &^ (align - 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas = append(m.areas, &mmapArea{
		mem:    mem,
		base:   base,
		size:   size,
		mapped: bitmap.New(int(size / m.pageSize)),
	})
	return base, nil
}

// Release unmaps a reservation.
func (m *Mmap) Release(base, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.areas {
		if a.base != base || a.size != size {
			continue
		}
		m.pending.Take(base, base+size)
		m.areas = append(m.areas[:i], m.areas[i+1:]...)
		if err := unix.Munmap(a.mem); err != nil && !errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("release %#x: %w", base, err)
		}
		return nil
	}
	return fmt.Errorf("release %#x+%d: %w", base, size, ErrNotReserved)
}

// Map makes the n bytes at addr readable and writable and faults them in.
func (m *Mmap) Map(addr, n uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, b, err := m.slice(addr, n)
	if err != nil {
		return err
	}
	first, last := a.pageIndex(addr, m.pageSize), a.pageIndex(addr+n, m.pageSize)
	if a.mapped.NextSet(first, last) < last {
		return fmt.Errorf("map %#x: %w", addr, ErrMapped)
	}

	// pages still awaiting release must come back zeroed
	for _, r := range m.pending.Take(addr, addr+n) {
		_, rb, _ := m.slice(r.Off, r.Len)
		if err := unix.Madvise(rb, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("map %#x: %w", r.Off, err)
		}
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("map %#x: %w: %w", addr, ErrExhausted, err)
	}
	if m.populate {
		err := unix.Madvise(b, unix.MADV_POPULATE_WRITE)
		switch {
		case errors.Is(err, unix.EINVAL):
			m.populate = false
		case err != nil:
			_ = unix.Mprotect(b, unix.PROT_NONE)
			return fmt.Errorf("map %#x: %w: %w", addr, ErrExhausted, err)
		}
	}
	a.mapped.SetRange(first, last)
	return nil
}

// Unmap revokes access to the n bytes at addr. The memory is released by the
// next Flush covering it.
func (m *Mmap) Unmap(addr, n uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, b, err := m.slice(addr, n)
	if err != nil {
		return err
	}
	first, last := a.pageIndex(addr, m.pageSize), a.pageIndex(addr+n, m.pageSize)
	if a.mapped.NextClear(first, last) < last {
		return fmt.Errorf("unmap %#x: %w", addr, ErrNotMapped)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("unmap %#x: %w", addr, err)
	}
	a.mapped.ClearRange(first, last)
	m.pending.Add(addr, n)
	return nil
}

// Flush releases the memory of every pending range inside [start, end).
func (m *Mmap) Flush(start, end uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.pending.Take(start, end) {
		if _, b, err := m.slice(r.Off, r.Len); err == nil {
			_ = unix.Madvise(b, unix.MADV_DONTNEED)
		}
	}
}

// Zero clears n bytes at addr.
func (m *Mmap) Zero(addr, n uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.access(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// ReadAt copies len(p) bytes at addr into p.
func (m *Mmap) ReadAt(p []byte, addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.access(addr, uintptr(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p to addr.
func (m *Mmap) WriteAt(p []byte, addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.access(addr, uintptr(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// Phys looks addr up in /proc/self/pagemap. Without CAP_SYS_ADMIN the
// kernel reports frame zero and Phys returns ErrNoPhys.
func (m *Mmap) Phys(addr uintptr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.access(addr, 1); err != nil {
		return 0, err
	}
	if m.pagemap == nil {
		f, err := os.Open("/proc/self/pagemap")
		if err != nil {
			return 0, fmt.Errorf("phys %#x: %w: %w", addr, ErrNoPhys, err)
		}
		m.pagemap = f
	}

	var buf [8]byte
	off := int64(addr/m.pageSize) * 8
	if _, err := unix.Pread(int(m.pagemap.Fd()), buf[:], off); err != nil {
		return 0, fmt.Errorf("phys %#x: %w: %w", addr, ErrNoPhys, err)
	}
	entry := binary.LittleEndian.Uint64(buf[:])
	pfn := entry & pagemapPFNMask
	if entry&pagemapPresent == 0 || pfn == 0 {
		return 0, fmt.Errorf("phys %#x: %w", addr, ErrNoPhys)
	}
	return pfn*uint64(m.pageSize) + uint64(addr%m.pageSize), nil
}

// Close releases the pagemap handle. Reservations stay until released.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pagemap == nil {
		return nil
	}
	err := m.pagemap.Close()
	m.pagemap = nil
	return err
}

// slice resolves a page-aligned range to its area and bytes.
func (m *Mmap) slice(addr, n uintptr) (*mmapArea, []byte, error) {
	if n == 0 || addr%m.pageSize != 0 || n%m.pageSize != 0 {
		return nil, nil, fmt.Errorf("range %#x+%d: %w", addr, n, ErrUnaligned)
	}
	a := m.find(addr, n)
	if a == nil {
		return nil, nil, fmt.Errorf("range %#x+%d: %w", addr, n, ErrNotReserved)
	}
	return a, a.bytes(addr, n), nil
}

// access resolves an arbitrary byte range that must be fully mapped.
func (m *Mmap) access(addr, n uintptr) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	a := m.find(addr, n)
	if a == nil {
		return nil, fmt.Errorf("access %#x+%d: %w", addr, n, ErrNotReserved)
	}
	first := a.pageIndex(addr, m.pageSize)
	last := a.pageIndex(addr+n+m.pageSize-1, m.pageSize)
	if a.mapped.NextClear(first, last) < last {
		return nil, fmt.Errorf("access %#x: %w", addr, ErrNotMapped)
	}
	return a.bytes(addr, n), nil
}

func (m *Mmap) find(addr, n uintptr) *mmapArea {
	for _, a := range m.areas {
		if addr >= a.base && addr+n <= a.base+a.size {
			return a
		}
	}
	return nil
}

func (a *mmapArea) bytes(addr, n uintptr) []byte {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	off := addr - start
	return a.mem[off : off+n : off+n]
}

func (a *mmapArea) pageIndex(addr, pageSize uintptr) int {
	return int((addr - a.base) / pageSize)
}
