package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlign(t *testing.T) {
	tests := []struct {
		n, a, up, down int
	}{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{9, 8, 16, 8},
		{4097, 4096, 8192, 4096},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.up, AlignUp(tt.n, tt.a), "AlignUp(%d, %d)", tt.n, tt.a)
		assert.Equal(t, tt.down, AlignDown(tt.n, tt.a), "AlignDown(%d, %d)", tt.n, tt.a)
	}
}

func TestGranule(t *testing.T) {
	assert.Equal(t, 1, SizeToBits(1))
	assert.Equal(t, 1, SizeToBits(4))
	assert.Equal(t, 2, SizeToBits(5))
	assert.Equal(t, 16, BitsToSize(4))
	assert.Equal(t, 1024, BlockBits(4096))
}

func TestFlsCtz(t *testing.T) {
	assert.Equal(t, 0, Fls(0))
	assert.Equal(t, 1, Fls(1))
	assert.Equal(t, 13, Fls(4096))
	assert.Equal(t, 3, Ctz(8))
	assert.Equal(t, 0, Ctz(7))
	assert.Greater(t, Ctz(0), Ctz(1<<20))
	assert.True(t, IsPow2(1024))
	assert.False(t, IsPow2(0))
	assert.False(t, IsPow2(12))
}
