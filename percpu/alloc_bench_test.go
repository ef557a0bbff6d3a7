package percpu

import (
	"testing"
)

// BenchmarkAllocFree measures a small allocation immediately freed again.
func BenchmarkAllocFree(b *testing.B) {
	a, _ := newTestAllocator(b, testLayout(0), nil)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p, err := a.Alloc(64, 8, GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		a.Free(p)
	}
}

// BenchmarkAllocAtomic measures atomic allocations served from populated
// pages of the first chunk.
func BenchmarkAllocAtomic(b *testing.B) {
	a, _ := newTestAllocator(b, testLayout(0), nil)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p, err := a.Alloc(32, 4, GFPAtomic)
		if err != nil {
			b.Fatal(err)
		}
		a.Free(p)
	}
}

// BenchmarkAllocMixed keeps a window of live areas of varying size so the
// hints and slot moves are exercised on every call.
func BenchmarkAllocMixed(b *testing.B) {
	a, _ := newTestAllocator(b, testLayout(0), nil)

	const window = 256
	live := make([]Ptr, 0, window)

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		if len(live) == window {
			a.Free(live[0])
			live = append(live[:0], live[1:]...)
		}
		size := 16 + (i%32)*24
		p, err := a.Alloc(size, 1<<(i%4), GFPKernel)
		if err != nil {
			b.Fatal(err)
		}
		live = append(live, p)
	}
}

// BenchmarkChunkFindFit measures the fit search on a fragmented chunk.
func BenchmarkChunkFindFit(b *testing.B) {
	c := newTestChunk(b, 4)
	var offs []int
	for {
		start := c.findBlockFit(12, 4, false)
		if start < 0 {
			break
		}
		off := c.allocArea(12, 4, start)
		if off < 0 {
			break
		}
		offs = append(offs, off)
	}
	for i, off := range offs {
		if i%3 == 0 {
			c.freeArea(off)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		if c.findBlockFit(12, 4, false) < 0 {
			b.Fatal("no fit on a fragmented chunk")
		}
	}
}
