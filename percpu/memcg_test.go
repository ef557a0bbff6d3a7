package percpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/percpu/memcg"
)

func TestAllocAccountedCharges(t *testing.T) {
	a, _ := newTestAllocator(t, testLayout(0), nil)
	g := memcg.New("test", 1000)

	var ptrs []Ptr
	for range 3 {
		p, err := a.AllocAccounted(64, 4, GFPKernel, g)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	assert.Equal(t, int64(3*64*testNrCPUs), g.Usage(), "every CPU's copy is charged")

	_, err := a.AllocAccounted(64, 4, GFPKernel|GFPNoWarn, g)
	require.ErrorIs(t, err, ErrOutOfCgroup)
	require.ErrorIs(t, err, memcg.ErrLimit)
	assert.Equal(t, 3, a.Stats().NrCurAlloc, "a rejected charge never reaches the chunks")
	assert.Equal(t, int64(768), g.Usage())

	p, err := a.AllocAccounted(64, 4, GFPKernel|GFPNoFail, g)
	require.NoError(t, err)
	ptrs = append(ptrs, p)
	assert.Equal(t, int64(1024), g.Usage())

	for _, p := range ptrs {
		a.Free(p)
	}
	assert.Zero(t, g.Usage())
	assert.Equal(t, int64(1024), g.MaxUsage())
	assertInvariants(t, a)
}

func TestAllocChargesConfiguredCgroup(t *testing.T) {
	root := memcg.New("root", memcg.Unlimited)
	leaf := root.Child("leaf", memcg.Unlimited)
	a, _ := newTestAllocator(t, testLayout(0), func(c *Config) {
		c.Cgroup = func() ObjCgroup { return leaf }
	})

	plain := mustAlloc(t, a, 32, 4, GFPKernel)
	assert.Zero(t, root.Usage(), "only GFPAccount requests are charged")

	acct := mustAlloc(t, a, 30, 4, GFPKernel|GFPAccount)
	assert.Equal(t, int64(32*testNrCPUs), leaf.Usage(), "charged at the rounded size")
	assert.Equal(t, leaf.Usage(), root.Usage())

	a.Free(plain)
	assert.Equal(t, int64(32*testNrCPUs), root.Usage())
	a.Free(acct)
	assert.Zero(t, root.Usage())
}

func TestFailedAllocUncharges(t *testing.T) {
	a, store := newTestAllocator(t, testLayout(0), nil)
	g := memcg.New("test", memcg.Unlimited)

	store.SetMapLimit(store.Stats().MappedPages)
	fillPages(t, a, 15)

	_, err := a.AllocAccounted(128, 8, GFPKernel|GFPNoWarn, g)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Zero(t, g.Usage())
	assert.Equal(t, int64(128*testNrCPUs), g.MaxUsage(), "the charge was taken and then returned")
}
