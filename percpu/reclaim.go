package percpu

// shouldReclaimChunk reports whether c should be isolated so its empty
// pages can be returned. The first and reserved chunks never are. Beyond
// isolated chunks that gained empty pages, a chunk qualifies once enough
// empty pages remain elsewhere and a large enough share of its own pages
// is empty.
func (a *Allocator) shouldReclaimChunk(c *Chunk) bool {
	if c == a.firstChunk || c == a.reservedChunk {
		return false
	}
	if c.isolated && c.nrEmptyPopPages > 0 {
		return true
	}
	return a.nrEmptyPopPages > a.cfg.EmptyPopPagesHigh+c.nrEmptyPopPages &&
		c.nrEmptyPopPages >= c.nrPages/a.cfg.ReclaimDivisor
}

// reclaimPopulated depopulates the empty pages of every chunk queued for
// reclaim, scanning each from its last page down. It stops early and puts
// the chunk back into service once the global pool of empty pages drops
// below the high watermark. Chunks that still hold allocations go to the
// sidelined slot. Called with both locks held.
func (a *Allocator) reclaimPopulated() {
	queue := &a.slots[a.toDepopulateSlot]
	for c := queue.first; c != nil; c = queue.first {
		freedStart, freedEnd := c.nrPages, 0
		reintegrate := false

		end := -1
		for i := c.nrPages - 1; i >= 0; i-- {
			if c.nrEmptyPopPages == 0 {
				break
			}
			if a.nrEmptyPopPages < a.cfg.EmptyPopPagesHigh {
				reintegrate = true
				break
			}

			// grow the run of empty populated pages downward
			if c.mdBlocks[i].empty() && c.populated.Test(i) {
				if end == -1 {
					end = i
				}
				if i > 0 {
					continue
				}
				i--
			}
			if end == -1 {
				continue
			}

			start := i + 1
			a.mu.Unlock()
			a.depopulateChunk(c, start, end+1)
			a.mu.Lock()
			a.chunkDepopulated(c, start, end+1)

			freedStart = min(freedStart, start)
			freedEnd = max(freedEnd, end+1)
			end = -1
		}

		if freedStart < freedEnd {
			a.mu.Unlock()
			a.postUnmapFlush(c, freedStart, freedEnd)
			a.mu.Lock()
		}

		if reintegrate || c.freeBytes == a.unitSize {
			a.reintegrateChunk(c)
		} else {
			a.moveChunk(c, a.sidelinedSlot, true)
		}
		a.stats.NrReclaimed++
	}
}
