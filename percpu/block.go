package percpu

import "github.com/joshuapare/percpu/internal/format"

// BlockHint summarises the free space of a window of the allocation bitmap.
// Every chunk has one per page plus one for the whole chunk. All offsets
// and sizes are in allocation units and relative to the window start.
type BlockHint struct {
	// ScanHint is the size of some free run no larger than ContigHint.
	// When it starts before ContigHintStart, searches for runs larger than
	// it begin after it. Zero means unknown.
	ScanHint      int `json:"scan_hint"`
	ScanHintStart int `json:"scan_hint_start"`

	// ContigHint is the size of the largest free run in the window.
	ContigHint      int `json:"contig_hint"`
	ContigHintStart int `json:"contig_hint_start"`

	// LeftFree and RightFree are the free runs touching each edge.
	LeftFree  int `json:"left_free"`
	RightFree int `json:"right_free"`

	// FirstFree is the first free unit, NrBits when the window is full.
	FirstFree int `json:"first_free"`
	NrBits    int `json:"nr_bits"`
}

func (b *BlockHint) init(nrBits int) {
	*b = BlockHint{
		ContigHint: nrBits,
		LeftFree:   nrBits,
		RightFree:  nrBits,
		NrBits:     nrBits,
	}
}

// full reports whether the window is entirely allocated.
func (b *BlockHint) full() bool { return b.ContigHint == 0 }

// empty reports whether the window is entirely free.
func (b *BlockHint) empty() bool { return b.ContigHint == b.NrBits }

// reset marks the window as entirely allocated.
func (b *BlockHint) reset() {
	nr := b.NrBits
	*b = BlockHint{FirstFree: nr, NrBits: nr}
}

// update folds the maximal free run [start, end) into the hints.
//
// Among runs of equal size the contig hint prefers the one whose start has
// more trailing zero bits, so aligned requests are more likely to fit at
// the hinted position.
func (b *BlockHint) update(start, end int) {
	contig := end - start

	b.FirstFree = min(b.FirstFree, start)
	if start == 0 {
		b.LeftFree = contig
	}
	if end == b.NrBits {
		b.RightFree = contig
	}
	if contig == b.ContigHint && start == b.ContigHintStart {
		return
	}

	switch {
	case contig > b.ContigHint:
		// the old contig run becomes the scan hint when it precedes
		if start > b.ContigHintStart {
			if b.ContigHint > b.ScanHint {
				b.ScanHintStart = b.ContigHintStart
				b.ScanHint = b.ContigHint
			} else if start <= b.ScanHintStart {
				b.ScanHint = 0
			}
		} else {
			b.ScanHint = 0
		}
		b.ContigHintStart = start
		b.ContigHint = contig
	case contig == b.ContigHint:
		if b.ContigHintStart != 0 &&
			(start == 0 || format.Ctz(start) > format.Ctz(b.ContigHintStart)) {
			b.ContigHintStart = start
		} else if start > b.ContigHintStart && (start > b.ScanHintStart || b.ContigHint > b.ScanHint) {
			b.ScanHintStart = start
			b.ScanHint = contig
		}
	default:
		if start < b.ContigHintStart &&
			(contig > b.ScanHint || (contig == b.ScanHint && start > b.ScanHintStart)) {
			b.ScanHintStart = start
			b.ScanHint = contig
		}
	}

	// a moved contig run can leave the scan run on the wrong side of it
	if b.ScanHint != 0 && !b.scanOrdered() {
		b.ScanHint = 0
	}
}

// scanOrdered reports whether the scan run sits where searches expect it:
// before a larger contig run, or after one of the same size.
func (b *BlockHint) scanOrdered() bool {
	if b.ScanHint < b.ContigHint {
		return b.ScanHintStart < b.ContigHintStart
	}
	return b.ScanHint == b.ContigHint && b.ScanHintStart > b.ContigHintStart
}

// overlaps reports whether [as, ae) and [bs, be) share a unit.
func overlaps(as, ae, bs, be int) bool {
	return as < ae && bs < be && as < be && bs < ae
}
