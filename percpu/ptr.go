package percpu

import "fmt"

// Ptr names a per-CPU area. It is not an address: add PerCPUOffset(cpu),
// or call Addr, to reach one CPU's copy. The zero Ptr names nothing.
type Ptr uintptr

func (p Ptr) String() string { return fmt.Sprintf("pcpu:%#x", uintptr(p)) }

// addrToPtr converts an address in unit 0's address space to a Ptr.
func (a *Allocator) addrToPtr(addr uintptr) Ptr {
	return Ptr(addr - a.baseAddr + a.staticStart)
}

// ptrToAddr converts a Ptr to an address in unit 0's address space.
func (a *Allocator) ptrToAddr(p Ptr) uintptr {
	return uintptr(p) - a.staticStart + a.baseAddr
}

// PerCPUOffset returns the value that turns a Ptr into cpu's address.
func (a *Allocator) PerCPUOffset(cpu int) uintptr {
	return a.baseAddr - a.staticStart + a.unitOffsets[cpu]
}

// Addr returns the address of cpu's copy of p.
func (a *Allocator) Addr(p Ptr, cpu int) uintptr {
	return uintptr(p) + a.PerCPUOffset(cpu)
}

// StaticPtr returns the Ptr of the static variable at byte offset off of
// the static area.
func (a *Allocator) StaticPtr(off int) Ptr {
	return Ptr(a.staticStart + uintptr(off))
}

// ReadAt copies len(b) bytes of cpu's copy of p, starting off bytes in.
func (a *Allocator) ReadAt(p Ptr, cpu int, b []byte, off int) error {
	if cpu < 0 || cpu >= a.nrCPUs {
		return fmt.Errorf("percpu: cpu %d out of range", cpu)
	}
	return a.store.ReadAt(b, a.Addr(p, cpu)+uintptr(off))
}

// WriteAt copies b into cpu's copy of p, starting off bytes in.
func (a *Allocator) WriteAt(p Ptr, cpu int, b []byte, off int) error {
	if cpu < 0 || cpu >= a.nrCPUs {
		return fmt.Errorf("percpu: cpu %d out of range", cpu)
	}
	return a.store.WriteAt(b, a.Addr(p, cpu)+uintptr(off))
}

// IsStaticAddress reports whether addr lies in some CPU's static area.
func (a *Allocator) IsStaticAddress(addr uintptr) bool {
	_, ok := a.CanonicalStaticAddress(addr)
	return ok
}

// CanonicalStaticAddress maps an address inside any CPU's static area to
// the matching address in unit 0's static area.
func (a *Allocator) CanonicalStaticAddress(addr uintptr) (uintptr, bool) {
	for cpu := range a.nrCPUs {
		start := a.baseAddr + a.unitOffsets[cpu]
		if addr >= start && addr < start+uintptr(a.staticSize) {
			return addr - start + a.baseAddr + a.unitOffsets[a.unit0CPU], true
		}
	}
	return 0, false
}

// AddrToPhys returns the physical address backing a CPU-specific address.
func (a *Allocator) AddrToPhys(addr uintptr) (uint64, error) {
	return a.store.Phys(addr)
}

// PtrToPhys returns the physical address of unit 0's copy of p.
func (a *Allocator) PtrToPhys(p Ptr) (uint64, error) {
	return a.store.Phys(a.Addr(p, a.unit0CPU))
}
