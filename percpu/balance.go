package percpu

// scheduleBalance asks the balancer to run. Without a background worker the
// request is only recorded; see BalancePending.
func (a *Allocator) scheduleBalance() {
	a.pending.Store(true)
	if a.wake == nil {
		return
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// BalancePending reports whether a balance pass has been requested since
// the last one ran.
func (a *Allocator) BalancePending() bool { return a.pending.Load() }

func (a *Allocator) balanceWorker() {
	for {
		select {
		case <-a.done:
			return
		case <-a.wake:
			a.Balance()
		}
	}
}

// Balance runs one balancer pass synchronously:
//
//  1. destroy every fully free chunk but one,
//  2. return the empty pages of isolated chunks to the store,
//  3. populate pages until the high watermark is met,
//  4. destroy fully free chunks that ended up with no populated pages.
func (a *Allocator) Balance() {
	a.pending.Store(false)

	a.allocMu.Lock()
	defer a.allocMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.balanceFree(false)
	a.reclaimPopulated()
	a.balancePopulated()
	a.balanceFree(true)
	a.stats.NrBalance++
}

// balanceFree destroys the free-slot chunks after the first one. With
// emptyOnly set it keeps chunks that still have populated pages. Called
// with both locks held; the inner lock is dropped around store calls.
func (a *Allocator) balanceFree(emptyOnly bool) {
	free := &a.slots[a.freeSlot]
	var victims []*Chunk
	for c := free.first; c != nil; {
		next := c.next
		if c != free.first && c != a.firstChunk && (!emptyOnly || c.nrEmptyPopPages == 0) {
			victims = append(victims, c)
		}
		c = next
	}
	if len(victims) == 0 {
		return
	}
	for _, c := range victims {
		a.unlinkChunk(c)
	}

	a.mu.Unlock()
	for _, c := range victims {
		c.populated.SetRegions(0, c.nrPages, func(rs, re int) {
			a.depopulateChunk(c, rs, re)
			a.mu.Lock()
			a.chunkDepopulated(c, rs, re)
			a.mu.Unlock()
		})
		a.destroyChunk(c)
	}
	a.mu.Lock()
}

// balancePopulated populates pages until the number of populated empty
// pages reaches the high watermark, creating chunks if needed. After an
// atomic allocation failed it populates a full high watermark regardless.
// Isolated chunks are skipped since their pages do not count. Called with
// both locks held.
func (a *Allocator) balancePopulated() {
	high := a.cfg.EmptyPopPagesHigh
	for {
		var nrToPop int
		if a.atomicAllocFailed {
			nrToPop = high
			a.atomicAllocFailed = false
		} else {
			nrToPop = min(max(high-a.nrEmptyPopPages, 0), high)
		}

		for slot := a.sizeToSlot(a.pageSize); slot <= a.freeSlot && nrToPop > 0; slot++ {
			if slot == a.sidelinedSlot {
				continue
			}
			var c *Chunk
			for p := a.slots[slot].first; p != nil; p = p.next {
				if p.nrPopulated < p.nrPages {
					c = p
					break
				}
			}
			if c == nil {
				continue
			}
			for next := 0; nrToPop > 0; {
				rs, re, ok := c.populated.NextClearRegion(next, c.nrPages)
				if !ok {
					break
				}
				re = min(re, rs+nrToPop)

				a.mu.Unlock()
				err := a.populateChunk(c, rs, re)
				a.mu.Lock()
				if err != nil {
					a.log.Debug("percpu: balance populate failed", "pages", re-rs, "err", err)
					nrToPop = 0
					break
				}
				a.chunkPopulated(c, rs, re)
				if c.isolated {
					// isolated while unlocked: its pages no longer feed the pool
					break
				}
				nrToPop -= re - rs
				next = re
			}
		}

		if nrToPop == 0 {
			return
		}
		a.mu.Unlock()
		c, err := a.createChunk()
		a.mu.Lock()
		if err != nil {
			a.log.Debug("percpu: balance could not create chunk", "err", err)
			return
		}
		a.relocateChunk(c, -1)
	}
}
