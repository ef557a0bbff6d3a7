package percpu

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Digest hashes the chunk's allocation state: its bitmaps, free byte count
// and the sizes recorded in its hints. Hint start positions and scan hints
// are left out, so two chunks with the same allocations hash equal even if
// their hints broke ties differently.
func (c *Chunk) Digest() uint64 {
	h := xxh3.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	for _, w := range c.allocMap.Words() {
		put(w)
	}
	for _, w := range c.boundMap.Words() {
		put(w)
	}
	for _, w := range c.populated.Words() {
		put(w)
	}
	put(uint64(c.freeBytes))
	for i := range c.mdBlocks {
		b := &c.mdBlocks[i]
		put(uint64(b.ContigHint))
		put(uint64(b.LeftFree))
		put(uint64(b.RightFree))
		put(uint64(b.FirstFree))
	}
	put(uint64(c.chunkMD.ContigHint))
	put(uint64(c.chunkMD.FirstFree))
	return h.Sum64()
}
