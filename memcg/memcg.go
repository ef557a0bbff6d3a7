// Package memcg provides hierarchical memory accounting groups.
//
// A Group charges every byte against itself and all of its ancestors. A
// charge that would push any level past its limit fails and leaves every
// level untouched, unless it is forced. Groups satisfy percpu.ObjCgroup.
package memcg

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrLimit indicates a charge was rejected because a group is at its limit.
var ErrLimit = errors.New("memcg: limit exceeded")

// Unlimited disables a group's limit.
const Unlimited int64 = 0

// Group is one node of an accounting hierarchy. It is safe for concurrent
// use.
type Group struct {
	name   string
	parent *Group

	limit    atomic.Int64
	usage    atomic.Int64
	maxUsage atomic.Int64
	failcnt  atomic.Int64
}

// New returns a root group.
func New(name string, limit int64) *Group {
	g := &Group{name: name}
	g.limit.Store(limit)
	return g
}

// Child returns a new group below g.
func (g *Group) Child(name string, limit int64) *Group {
	c := New(g.name+"/"+name, limit)
	c.parent = g
	return c
}

// Name returns the group's path from its root.
func (g *Group) Name() string { return g.name }

// Parent returns the enclosing group, nil for a root.
func (g *Group) Parent() *Group { return g.parent }

// Usage returns the bytes currently charged.
func (g *Group) Usage() int64 { return g.usage.Load() }

// MaxUsage returns the high-water mark of Usage.
func (g *Group) MaxUsage() int64 { return g.maxUsage.Load() }

// Limit returns the limit, Unlimited for none.
func (g *Group) Limit() int64 { return g.limit.Load() }

// SetLimit changes the limit. Usage above a lowered limit is kept.
func (g *Group) SetLimit(limit int64) { g.limit.Store(limit) }

// Failcnt returns how many charges this level rejected.
func (g *Group) Failcnt() int64 { return g.failcnt.Load() }

// Charge adds nbytes to g and its ancestors. With force set limits are
// ignored.
func (g *Group) Charge(nbytes int64, force bool) error {
	for level := g; level != nil; level = level.parent {
		if level.tryCharge(nbytes, force) {
			continue
		}
		for undo := g; undo != level; undo = undo.parent {
			undo.usage.Add(-nbytes)
		}
		level.failcnt.Add(1)
		return fmt.Errorf("%w: %s usage %d + %d over limit %d",
			ErrLimit, level.name, level.Usage(), nbytes, level.Limit())
	}
	return nil
}

// Uncharge removes nbytes from g and its ancestors.
func (g *Group) Uncharge(nbytes int64) {
	for level := g; level != nil; level = level.parent {
		level.usage.Add(-nbytes)
	}
}

func (g *Group) tryCharge(nbytes int64, force bool) bool {
	for {
		old := g.usage.Load()
		next := old + nbytes
		if limit := g.limit.Load(); !force && limit != Unlimited && next > limit {
			return false
		}
		if g.usage.CompareAndSwap(old, next) {
			for {
				peak := g.maxUsage.Load()
				if next <= peak || g.maxUsage.CompareAndSwap(peak, next) {
					return true
				}
			}
		}
	}
}
