// Package pagestore provides backing stores for the per-CPU allocator.
//
// # Overview
//
// A store hands out virtual address ranges (Reserve), backs individual
// pages of those ranges with memory (Map) and takes the backing away again
// (Unmap). Unmapped ranges are not released immediately: they are recorded
// in a Tracker and released in coalesced batches by Flush, which mirrors how
// a kernel defers TLB shootdowns until a whole batch of pages is gone.
//
// # Implementations
//
// Heap: portable store that backs pages with Go heap buffers.
//
//   - Synthetic, deterministic addresses (no real mapping)
//   - Fault injection (MapLimit, ReserveLimit) for out-of-memory tests
//   - Frame numbers stand in for physical addresses
//
// Mmap (Linux): anonymous PROT_NONE reservations.
//
//   - Map: mprotect(PROT_READ|PROT_WRITE) + madvise(MADV_POPULATE_WRITE)
//   - Unmap: mprotect(PROT_NONE), release deferred to Flush
//   - Flush: madvise(MADV_DONTNEED) over the coalesced pending ranges
//   - Phys: /proc/self/pagemap (needs CAP_SYS_ADMIN for real frame numbers)
//
// On other platforms Mmap falls back to the Heap store.
//
// All stores are safe for concurrent use.
package pagestore
