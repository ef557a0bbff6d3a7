package percpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHintInit(t *testing.T) {
	var b BlockHint
	b.init(testBlock)

	assert.True(t, b.empty())
	assert.False(t, b.full())
	assert.Equal(t, testBlock, b.ContigHint)
	assert.Equal(t, testBlock, b.LeftFree)
	assert.Equal(t, testBlock, b.RightFree)
	assert.Equal(t, 0, b.FirstFree)

	b.reset()
	assert.True(t, b.full())
	assert.Equal(t, testBlock, b.FirstFree, "a full block points first_free past its end")
	assert.Equal(t, testBlock, b.NrBits)
}

func TestBlockHintUpdate(t *testing.T) {
	var b BlockHint
	b.init(testBlock)
	b.reset()

	b.update(10, 20)
	assert.Equal(t, 10, b.ContigHint)
	assert.Equal(t, 10, b.ContigHintStart)
	assert.Equal(t, 10, b.FirstFree)
	assert.Zero(t, b.LeftFree)
	assert.Zero(t, b.RightFree)

	// a smaller run before the contig becomes the scan hint
	b.update(0, 5)
	assert.Equal(t, 5, b.LeftFree)
	assert.Equal(t, 0, b.FirstFree)
	assert.Equal(t, 10, b.ContigHint)
	assert.Equal(t, 5, b.ScanHint)
	assert.Equal(t, 0, b.ScanHintStart)

	// a larger run after it demotes the old contig to the scan hint
	b.update(1000, testBlock)
	assert.Equal(t, 24, b.RightFree)
	assert.Equal(t, 24, b.ContigHint)
	assert.Equal(t, 1000, b.ContigHintStart)
	assert.Equal(t, 10, b.ScanHint)
	assert.Equal(t, 10, b.ScanHintStart)
}

func TestBlockHintPrefersAlignedStart(t *testing.T) {
	var b BlockHint
	b.init(testBlock)
	b.reset()

	b.update(3, 7)
	require.Equal(t, 3, b.ContigHintStart)

	b.update(8, 12)
	assert.Equal(t, 4, b.ContigHint)
	assert.Equal(t, 8, b.ContigHintStart, "equal runs move to the better aligned start")

	b.update(17, 21)
	assert.Equal(t, 8, b.ContigHintStart, "a worse aligned run does not displace the contig")
}

func TestCheckBlockHint(t *testing.T) {
	b := BlockHint{ContigHint: 20, ContigHintStart: 5, NrBits: testBlock}

	assert.True(t, checkBlockHint(&b, 20, 1))
	assert.False(t, checkBlockHint(&b, 21, 1))
	// start rounds up to 8, leaving 17 units
	assert.True(t, checkBlockHint(&b, 17, 8))
	assert.False(t, checkBlockHint(&b, 18, 8))
}

func TestNextHint(t *testing.T) {
	b := BlockHint{
		ScanHint: 6, ScanHintStart: 2,
		ContigHint: 30, ContigHintStart: 100,
		FirstFree: 2, NrBits: testBlock,
	}

	assert.Equal(t, 2, nextHint(&b, 6), "the scan run is big enough")
	assert.Equal(t, 8, nextHint(&b, 7), "skip past a scan run that is too small")

	b.ScanHintStart = 200
	assert.Equal(t, 2, nextHint(&b, 7), "a scan run after the contig is not skipped")
}

func TestOverlaps(t *testing.T) {
	assert.True(t, overlaps(0, 10, 9, 12))
	assert.False(t, overlaps(0, 10, 10, 12))
	assert.False(t, overlaps(5, 5, 0, 10), "empty ranges never overlap")
	assert.True(t, overlaps(3, 4, 0, 10))
}

func TestBlockHintScanRunAbsorbed(t *testing.T) {
	var b BlockHint
	b.init(testBlock)
	b.reset()

	b.update(8, 12)
	b.update(20, 24)
	require.Equal(t, 8, b.ContigHintStart)
	require.Equal(t, 4, b.ScanHint)
	require.Equal(t, 20, b.ScanHintStart, "an equal run after the contig is the scan hint")

	// the scan run grows into the new contig run
	b.update(20, 40)
	assert.Equal(t, 20, b.ContigHint)
	assert.Equal(t, 20, b.ContigHintStart)
	assert.Zero(t, b.ScanHint)
}

func TestBlockHintContigMovesPastScanRun(t *testing.T) {
	var b BlockHint
	b.init(testBlock)
	b.reset()

	b.update(3, 7)
	b.update(9, 13)
	require.Equal(t, 9, b.ScanHintStart)
	require.Equal(t, 4, b.ScanHint)

	b.update(16, 20)
	assert.Equal(t, 16, b.ContigHintStart)
	assert.Zero(t, b.ScanHint, "an equal scan run may not sit before the contig")

	b.update(5, 9)
	assert.Equal(t, 16, b.ContigHintStart)
	assert.Zero(t, b.ScanHint, "a worse aligned equal run before the contig is not recorded")
}

func TestBlockHintScanOrdered(t *testing.T) {
	tests := []struct {
		name string
		b    BlockHint
		want bool
	}{
		{"smaller before", BlockHint{ScanHint: 4, ScanHintStart: 0, ContigHint: 8, ContigHintStart: 10}, true},
		{"smaller after", BlockHint{ScanHint: 4, ScanHintStart: 30, ContigHint: 8, ContigHintStart: 10}, false},
		{"equal after", BlockHint{ScanHint: 8, ScanHintStart: 30, ContigHint: 8, ContigHintStart: 10}, true},
		{"equal before", BlockHint{ScanHint: 8, ScanHintStart: 0, ContigHint: 8, ContigHintStart: 10}, false},
		{"same start", BlockHint{ScanHint: 4, ScanHintStart: 10, ContigHint: 8, ContigHintStart: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.b.scanOrdered())
		})
	}
}
