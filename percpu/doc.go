// Package percpu implements a per-CPU area allocator.
//
// # Overview
//
// A per-CPU allocation hands out one offset that names an independent,
// identically sized copy of an object for every CPU. The caller translates
// the returned Ptr into a CPU-specific address with Allocator.Addr or by
// adding Allocator.PerCPUOffset to it.
//
// Memory is organised in chunks. A chunk owns one unit per CPU; every unit
// has the same size and the same layout, so a single allocation bitmap per
// chunk describes every CPU at once. The unit is split into pages and each
// page is summarised by a block hint (largest free run, free run at each
// edge, first free bit and a secondary scan hint). Block hints roll up into
// a chunk-level hint, and chunks are kept on slot lists keyed by the size
// class of their largest free run. Most searches are answered from the hints
// without scanning the bitmap.
//
// # Chunks
//
// The first chunk is built at setup from a caller-supplied Layout. It holds
// the static area, an optional reserved area and the first dynamic area. It
// is always fully populated and never destroyed. The reserved area is
// carved into its own chunk which is only reachable through AllocReserved.
//
// Later chunks are reserved lazily from a PageStore and start with no
// backing pages. Pages are populated on demand by sleeping allocations and
// ahead of time by the balancer, so atomic allocations (GFPAtomic) only ever
// touch pages that already exist.
//
// # Balancing
//
// A background worker keeps the number of populated-but-empty pages between
// two watermarks. It destroys surplus fully free chunks, returns pages of
// sparsely used chunks to the store, and populates pages ahead of atomic
// demand. Setting Config.Background to false disables the worker; Balance
// runs the same pass synchronously.
//
// # Concurrency
//
// Two locks guard the allocator. An outer mutex serialises operations that
// touch the backing store (chunk creation, population, the balancer). An
// inner mutex guards bitmaps, hints, slot lists and counters and is released
// around every store call. Atomic allocations and Free only take the inner
// lock.
//
// # Usage Example
//
//	layout, err := percpu.BuildLayout(percpu.LayoutRequest{
//	    StaticSize: 16 << 10,
//	    DynSize:    28 << 10,
//	    NrCPUs:     4,
//	})
//	if err != nil {
//	    return err
//	}
//	a, err := percpu.New(layout, pagestore.NewHeap(4096), percpu.DefaultConfig)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	p, err := a.Alloc(64, 8, percpu.GFPKernel)
//	if err != nil {
//	    return err
//	}
//	defer a.Free(p)
//	_ = a.WriteAt(p, 2, []byte("hello"), 0)
//
// # Debugging
//
// Setting PCPU_DEBUG in the environment makes every allocation and free
// re-verify the touched chunk against its bitmaps and panic on mismatch.
// PCPU_LOG enables structured logging (see internal/logger).
package percpu
