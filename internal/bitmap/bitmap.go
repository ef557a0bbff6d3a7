// Package bitmap is a fixed-length bit array with the range operations the
// chunk allocator needs: setting and clearing runs, bounded next/previous
// searches and run iteration. Storage is a bitset.BitSet; range set, clear
// and count work on its words directly.
package bitmap

import (
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

const wordBits = 64

// Bitmap is a fixed-length bit array. It never grows.
//
// NOT thread-safe.
type Bitmap struct {
	bs *bitset.BitSet
	n  int
}

// New returns a cleared bitmap of n bits.
func New(n int) *Bitmap {
	return &Bitmap{bs: bitset.New(uint(n)), n: n}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int { return b.n }

// Test reports whether bit i is set.
func (b *Bitmap) Test(i int) bool { return b.bs.Test(uint(i)) }

// Set sets bit i.
func (b *Bitmap) Set(i int) { b.bs.Set(uint(i)) }

// Clear clears bit i.
func (b *Bitmap) Clear(i int) { b.bs.Clear(uint(i)) }

// Fill sets every bit.
func (b *Bitmap) Fill() { b.SetRange(0, b.n) }

// SetRange sets bits [start, end).
func (b *Bitmap) SetRange(start, end int) {
	w := b.bs.Bytes()
	for start < end {
		i, off := start/wordBits, start%wordBits
		n := min(wordBits-off, end-start)
		w[i] |= mask(off, n)
		start += n
	}
}

// ClearRange clears bits [start, end).
func (b *Bitmap) ClearRange(start, end int) {
	w := b.bs.Bytes()
	for start < end {
		i, off := start/wordBits, start%wordBits
		n := min(wordBits-off, end-start)
		w[i] &^= mask(off, n)
		start += n
	}
}

// NextSet returns the first set bit in [from, end), or end if there is none.
func (b *Bitmap) NextSet(from, end int) int {
	if from >= end {
		return end
	}
	i, ok := b.bs.NextSet(uint(from))
	if !ok || int(i) >= end {
		return end
	}
	return int(i)
}

// NextClear returns the first clear bit in [from, end), or end if there is none.
func (b *Bitmap) NextClear(from, end int) int {
	if from >= end {
		return end
	}
	i, ok := b.bs.NextClear(uint(from))
	if !ok || int(i) >= end {
		return end
	}
	return int(i)
}

// PrevSet returns the last set bit in [0, before), or -1 if there is none.
func (b *Bitmap) PrevSet(before int) int {
	if before <= 0 {
		return -1
	}
	i, ok := b.bs.PreviousSet(uint(min(before, b.n) - 1))
	if !ok {
		return -1
	}
	return int(i)
}

// PrevSetFrom returns the last set bit in [floor, before), or floor-1 if
// there is none.
func (b *Bitmap) PrevSetFrom(floor, before int) int {
	p := b.PrevSet(before)
	if p < floor {
		return floor - 1
	}
	return p
}

// CountSet returns the number of set bits in [start, end).
func (b *Bitmap) CountSet(start, end int) int {
	w := b.bs.Bytes()
	n := 0
	for start < end {
		i, off := start/wordBits, start%wordBits
		k := min(wordBits-off, end-start)
		n += bits.OnesCount64(w[i] & mask(off, k))
		start += k
	}
	return n
}

// CountClear returns the number of clear bits in [start, end).
func (b *Bitmap) CountClear(start, end int) int {
	if start >= end {
		return 0
	}
	return end - start - b.CountSet(start, end)
}

// NextClearRegion returns the first run of clear bits starting at or after
// from and bounded by end. ok is false when no clear bit remains.
func (b *Bitmap) NextClearRegion(from, end int) (rs, re int, ok bool) {
	rs = b.NextClear(from, end)
	if rs >= end {
		return end, end, false
	}
	return rs, b.NextSet(rs+1, end), true
}

// NextSetRegion is NextClearRegion for set bits.
func (b *Bitmap) NextSetRegion(from, end int) (rs, re int, ok bool) {
	rs = b.NextSet(from, end)
	if rs >= end {
		return end, end, false
	}
	return rs, b.NextClear(rs+1, end), true
}

// ClearRegions calls fn for every maximal run of clear bits in [from, end).
func (b *Bitmap) ClearRegions(from, end int, fn func(rs, re int)) {
	for {
		rs, re, ok := b.NextClearRegion(from, end)
		if !ok {
			return
		}
		fn(rs, re)
		from = re + 1
	}
}

// SetRegions calls fn for every maximal run of set bits in [from, end).
func (b *Bitmap) SetRegions(from, end int, fn func(rs, re int)) {
	for {
		rs, re, ok := b.NextSetRegion(from, end)
		if !ok {
			return
		}
		fn(rs, re)
		from = re + 1
	}
}

// Equal reports whether both bitmaps have the same length and bits.
func (b *Bitmap) Equal(o *Bitmap) bool {
	return b.n == o.n && b.bs.Equal(o.bs)
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{bs: b.bs.Clone(), n: b.n}
}

// Words exposes the backing words, lowest bit first. Callers must not
// modify them.
func (b *Bitmap) Words() []uint64 { return b.bs.Bytes() }

// mask returns n set bits starting at bit off of a word.
func mask(off, n int) uint64 {
	if n >= wordBits {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(n)) - 1) << uint(off)
}
