package percpu

import "github.com/joshuapare/percpu/internal/format"

// chunkList is an intrusive doubly linked list of chunks.
type chunkList struct {
	first, last *Chunk
	n           int
}

func (l *chunkList) isEmpty() bool { return l.first == nil }

func (l *chunkList) insert(c *Chunk) {
	c.prev = nil
	c.next = l.first
	if l.first != nil {
		l.first.prev = c
	} else {
		l.last = c
	}
	l.first = c
	l.n++
}

func (l *chunkList) insertBack(c *Chunk) {
	c.next = nil
	c.prev = l.last
	if l.last != nil {
		l.last.next = c
	} else {
		l.first = c
	}
	l.last = c
	l.n++
}

func (l *chunkList) remove(c *Chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.first = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		l.last = c.prev
	}
	c.prev, c.next = nil, nil
	l.n--
}

// slotOfSize maps a byte size to its slot ignoring the free slot.
func slotOfSize(size int) int {
	return max(format.Fls(size)-format.SlotBaseShift+2, 1)
}

// sizeToSlot maps a byte size to the slot that serves it. Only a full unit
// maps to the free slot.
func (a *Allocator) sizeToSlot(size int) int {
	if size == a.unitSize {
		return a.freeSlot
	}
	return slotOfSize(size)
}

// chunkSlot returns the slot a chunk belongs in according to its largest
// free run. Chunks without room for a single unit go to slot 0.
func (a *Allocator) chunkSlot(c *Chunk) int {
	if c.freeBytes < format.MinAllocSize || c.chunkMD.ContigHint == 0 {
		return 0
	}
	return a.sizeToSlot(format.BitsToSize(c.chunkMD.ContigHint))
}

// moveChunk puts c on slot's list, at the front unless back is set.
func (a *Allocator) moveChunk(c *Chunk, slot int, back bool) {
	if c.slot >= 0 {
		a.slots[c.slot].remove(c)
	}
	c.slot = slot
	if back {
		a.slots[slot].insertBack(c)
	} else {
		a.slots[slot].insert(c)
	}
}

// unlinkChunk takes c off whatever list it is on.
func (a *Allocator) unlinkChunk(c *Chunk) {
	if c.slot >= 0 {
		a.slots[c.slot].remove(c)
		c.slot = -1
	}
}

// relocateChunk moves c to the slot matching its current hint. oslot is the
// slot computed before the change that prompted the move, -1 for a chunk
// that is on no list yet. A chunk that moved up goes to the front of its
// new list, one that moved down to the back.
func (a *Allocator) relocateChunk(c *Chunk, oslot int) {
	if c == a.reservedChunk || c.isolated {
		return
	}
	nslot := a.chunkSlot(c)
	if oslot != nslot || c.slot < 0 {
		a.moveChunk(c, nslot, oslot >= nslot)
	}
}

// isolateChunk takes c out of allocation and balancing and queues it for
// page reclaim.
func (a *Allocator) isolateChunk(c *Chunk) {
	if !c.isolated {
		c.isolated = true
		a.nrEmptyPopPages -= c.nrEmptyPopPages
	}
	a.moveChunk(c, a.toDepopulateSlot, false)
}

// reintegrateChunk returns an isolated chunk to the slot lists.
func (a *Allocator) reintegrateChunk(c *Chunk) {
	if !c.isolated {
		return
	}
	c.isolated = false
	a.nrEmptyPopPages += c.nrEmptyPopPages
	a.relocateChunk(c, -1)
}

// eachChunk calls fn for every chunk on the slot lists, lowest slot first.
func (a *Allocator) eachChunk(fn func(c *Chunk)) {
	for slot := range a.slots {
		for c := a.slots[slot].first; c != nil; {
			next := c.next
			fn(c)
			c = next
		}
	}
}
