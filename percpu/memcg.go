package percpu

import "fmt"

// ObjCgroup is the accounting target of an allocation made with
// GFPAccount. Charges are in bytes and cover every CPU's copy. The memcg
// package provides a hierarchical implementation.
type ObjCgroup interface {
	// Charge accounts nbytes, failing if the group is over its limit unless
	// force is set.
	Charge(nbytes int64, force bool) error
	Uncharge(nbytes int64)
}

// chargeGuard holds a pre-allocation charge. It is undone on release
// unless the allocation committed it.
type chargeGuard struct {
	cg        ObjCgroup
	nbytes    int64
	committed bool
}

// preAllocHook charges an accounted request up front so a rejected charge
// never touches the chunk bitmaps.
func (a *Allocator) preAllocHook(size int, gfp GFP, cg ObjCgroup) (*chargeGuard, error) {
	if gfp&GFPAccount == 0 || cg == nil {
		return &chargeGuard{}, nil
	}
	nbytes := int64(size) * int64(a.nrCPUs)
	if err := cg.Charge(nbytes, gfp&GFPNoFail != 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfCgroup, err)
	}
	return &chargeGuard{cg: cg, nbytes: nbytes}, nil
}

// commit ties the charge to the allocation at unit offset off of c. Called
// under the inner lock.
func (g *chargeGuard) commit(c *Chunk, off int) {
	g.committed = true
	if g.cg == nil {
		return
	}
	if c.objcgs == nil {
		c.objcgs = make(map[int]ObjCgroup)
	}
	c.objcgs[off] = g.cg
}

func (g *chargeGuard) release() {
	if g.cg != nil && !g.committed {
		g.cg.Uncharge(g.nbytes)
	}
}

// takeObjCgroup detaches the cgroup charged for the allocation at off.
func (c *Chunk) takeObjCgroup(off int) ObjCgroup {
	cg, ok := c.objcgs[off]
	if !ok {
		return nil
	}
	delete(c.objcgs, off)
	return cg
}

// postFreeHook uncharges a freed accounted area of size bytes.
func (a *Allocator) postFreeHook(cg ObjCgroup, size int) {
	if cg == nil {
		return
	}
	cg.Uncharge(int64(size) * int64(a.nrCPUs))
}
