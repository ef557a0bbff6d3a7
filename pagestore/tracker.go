package pagestore

import "sort"

// defaultRangeCapacity is the pre-allocated capacity for pending ranges.
const defaultRangeCapacity = 64

// Range is a byte range of virtual addresses.
type Range struct {
	Off uintptr // Start address
	Len uintptr // Length in bytes
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Off + r.Len }

// Tracker accumulates unmapped ranges whose release is still pending and
// hands them out in page-aligned, coalesced batches.
//
// NOT thread-safe. Stores guard it with their own lock.
type Tracker struct {
	ranges   []Range // Pending ranges (coalesced lazily)
	pageSize uintptr
}

// NewTracker creates a tracker that aligns ranges to pageSize.
func NewTracker(pageSize uintptr) *Tracker {
	return &Tracker{
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: pageSize,
	}
}

// Add records a pending range.
//
// The range will be page-aligned and coalesced with other ranges when it is
// taken. This only appends to a slice.
func (t *Tracker) Add(off, length uintptr) {
	if length == 0 {
		return
	}
	t.ranges = append(t.ranges, Range{Off: off, Len: length})
}

// Len returns the number of raw pending ranges.
func (t *Tracker) Len() int { return len(t.ranges) }

// Take removes and returns the coalesced pending ranges that intersect
// [start, end), clipped to it. Parts outside the window stay pending.
func (t *Tracker) Take(start, end uintptr) []Range {
	if len(t.ranges) == 0 || start >= end {
		return nil
	}

	var out []Range
	rest := t.ranges[:0:0]
	for _, r := range t.coalesce() {
		if r.End() <= start || r.Off >= end {
			rest = append(rest, r)
			continue
		}
		lo, hi := max(r.Off, start), min(r.End(), end)
		out = append(out, Range{Off: lo, Len: hi - lo})
		if r.Off < lo {
			rest = append(rest, Range{Off: r.Off, Len: lo - r.Off})
		}
		if hi < r.End() {
			rest = append(rest, Range{Off: hi, Len: r.End() - hi})
		}
	}
	t.ranges = append(t.ranges[:0], rest...)
	return out
}

// Reset clears all tracked ranges.
func (t *Tracker) Reset() {
	t.ranges = t.ranges[:0]
}

// DebugRanges returns the current pending ranges (for testing/debugging).
//
// The returned ranges are the raw, uncoalesced ranges.
func (t *Tracker) DebugRanges() []Range {
	result := make([]Range, len(t.ranges))
	copy(result, t.ranges)
	return result
}

// DebugCoalescedRanges returns the coalesced pending ranges (for testing/debugging).
func (t *Tracker) DebugCoalescedRanges() []Range {
	return t.coalesce()
}

// coalesce page-aligns all ranges, sorts them, and merges overlapping/adjacent ranges.
//
// Returns a new slice of non-overlapping, sorted ranges.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := r.Off &^ (t.pageSize - 1)
		end := (r.Off + r.Len + t.pageSize - 1) &^ (t.pageSize - 1)
		aligned[i] = Range{Off: start, Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Off < aligned[j].Off
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Off <= current.End() {
			current.Len = max(current.End(), next.End()) - current.Off
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
