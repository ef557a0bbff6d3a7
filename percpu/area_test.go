package percpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joshuapare/percpu/internal/bitmap"
)

func TestFindZeroArea(t *testing.T) {
	m := bitmap.New(64)
	m.SetRange(0, 3)
	m.SetRange(10, 12)

	tests := []struct {
		name        string
		nr, mask    int
		wantIndex   int
		wantLargest [2]int
	}{
		{name: "first gap", nr: 5, wantIndex: 3},
		{name: "skips small gap", nr: 8, wantIndex: 12, wantLargest: [2]int{3, 7}},
		{name: "aligned", nr: 4, mask: 7, wantIndex: 16, wantLargest: [2]int{8, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, off, bits := findZeroArea(m, 64, 0, tt.nr, tt.mask)
			assert.Equal(t, tt.wantIndex, index)
			assert.Equal(t, tt.wantLargest, [2]int{off, bits})
		})
	}

	t.Run("no fit", func(t *testing.T) {
		index, _, bits := findZeroArea(m, 64, 0, 60, 0)
		assert.Greater(t, index+60, 64)
		assert.Equal(t, 7, bits)
	})
}

func TestAllocAreaRecordsSkippedRun(t *testing.T) {
	c := newTestChunk(t, 1)
	chunkAlloc(t, c, 32, 1) // [0, 32)
	x := chunkAlloc(t, c, 4, 1)
	chunkAlloc(t, c, 64, 1) // [36, 100)
	y := chunkAlloc(t, c, 10, 1)
	chunkAlloc(t, c, 90, 1) // [110, 200)
	c.freeArea(x)
	c.freeArea(y)
	assert.Equal(t, 10, c.Block(0).ScanHint)

	// forget the scan hint, then search from the start: the 4 unit gap is
	// skipped on the way to the 10 unit one and gets recorded
	c.mdBlocks[0].ScanHint = 0
	off := c.allocArea(8, 1, 0)
	assert.Equal(t, 100, off)
	b := c.Block(0)
	assert.Equal(t, 4, b.ScanHint)
	assert.Equal(t, 32, b.ScanHintStart)
	assert.NoError(t, c.Verify())
}

func TestIsAllocStart(t *testing.T) {
	c := newTestChunk(t, 1)
	off := chunkAlloc(t, c, 16, 1)

	assert.True(t, c.isAllocStart(off))
	assert.False(t, c.isAllocStart(off+1))
	assert.False(t, c.isAllocStart(off+16), "free unit")
	assert.False(t, c.isAllocStart(-1))
	assert.False(t, c.isAllocStart(c.mapBits))
}
