package percpu

import (
	"fmt"
	"math"
	"strings"

	"github.com/joshuapare/percpu/internal/format"
)

// NoCPU marks a unit that no CPU uses.
const NoCPU = format.NoCPU

// Group is a run of units laid out back to back, typically the CPUs of one
// NUMA node.
type Group struct {
	// BaseOffset is the group's offset from the start of a chunk's area.
	BaseOffset uintptr `json:"base_offset"`
	// CPUMap lists the CPU of every unit, NoCPU for unused units.
	CPUMap []int `json:"cpu_map"`
}

// Layout describes the geometry of every chunk: the sizes of the first
// chunk's areas, the unit size and how units are grouped.
type Layout struct {
	StaticSize   int     `json:"static_size"`
	ReservedSize int     `json:"reserved_size"`
	DynSize      int     `json:"dyn_size"`
	UnitSize     int     `json:"unit_size"`
	AtomSize     int     `json:"atom_size"`
	AllocSize    int     `json:"alloc_size"`
	Groups       []Group `json:"groups"`
}

// NrCPUs returns the number of CPUs mapped to a unit.
func (l *Layout) NrCPUs() int {
	n := 0
	for _, g := range l.Groups {
		for _, cpu := range g.CPUMap {
			if cpu != NoCPU {
				n++
			}
		}
	}
	return n
}

// NrUnits returns the number of units, used or not.
func (l *Layout) NrUnits() int {
	n := 0
	for _, g := range l.Groups {
		n += len(g.CPUMap)
	}
	return n
}

// Validate checks the layout against pageSize. CPUs must be numbered
// densely from zero and each mapped exactly once.
func (l *Layout) Validate(pageSize int) error {
	bad := func(msg string, args ...any) error {
		return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidLayout}, args...)...)
	}
	sizeSum := l.StaticSize + l.ReservedSize + l.DynSize

	switch {
	case len(l.Groups) == 0:
		return bad("no groups")
	case l.StaticSize <= 0:
		return bad("empty static area")
	case l.UnitSize < sizeSum:
		return bad("unit size %d below static+reserved+dynamic %d", l.UnitSize, sizeSum)
	case l.UnitSize%pageSize != 0:
		return bad("unit size %d not page aligned", l.UnitSize)
	case l.UnitSize < format.MinUnitSize:
		return bad("unit size %d below minimum %d", l.UnitSize, format.MinUnitSize)
	case l.DynSize < format.DynamicEarlySize:
		return bad("dynamic size %d below minimum %d", l.DynSize, format.DynamicEarlySize)
	case !format.IsAligned(l.StaticSize, format.MinAllocSize),
		!format.IsAligned(l.ReservedSize, format.MinAllocSize),
		!format.IsAligned(l.DynSize, format.MinAllocSize):
		return bad("area sizes must be multiples of %d", format.MinAllocSize)
	case l.AtomSize != 0 && !format.IsPow2(l.AtomSize):
		return bad("atom size %d not a power of two", l.AtomSize)
	}

	nr := l.NrCPUs()
	seen := make([]bool, nr)
	for gi, g := range l.Groups {
		if g.BaseOffset%uintptr(pageSize) != 0 {
			return bad("group %d base offset %#x not page aligned", gi, g.BaseOffset)
		}
		for _, cpu := range g.CPUMap {
			switch {
			case cpu == NoCPU:
				continue
			case cpu < 0 || cpu >= nr:
				return bad("group %d maps cpu %d outside [0, %d)", gi, cpu, nr)
			case seen[cpu]:
				return bad("cpu %d mapped twice", cpu)
			}
			seen[cpu] = true
		}
	}
	if nr == 0 {
		return bad("no cpu mapped")
	}
	return nil
}

// String dumps the layout one group per line, listing the CPU of each
// unit in allocation sized rows.
func (l *Layout) String() string {
	var sb strings.Builder
	atom := max(l.AtomSize, 1)
	fmt.Fprintf(&sb, "pcpu-alloc: s%d r%d d%d u%d alloc=%d*%d\n",
		l.StaticSize, l.ReservedSize, l.DynSize, l.UnitSize, l.AllocSize/atom, atom)

	upa := 1
	if l.UnitSize > 0 && l.AllocSize > 0 {
		upa = max(l.AllocSize/l.UnitSize, 1)
	}
	width := len(fmt.Sprint(max(l.NrCPUs()-1, 0)))
	gwidth := len(fmt.Sprint(max(len(l.Groups)-1, 0)))
	for gi, g := range l.Groups {
		for i := 0; i < len(g.CPUMap); i += upa {
			fmt.Fprintf(&sb, "pcpu-alloc: [%0*d]", gwidth, gi)
			for _, cpu := range g.CPUMap[i:min(i+upa, len(g.CPUMap))] {
				if cpu == NoCPU {
					fmt.Fprintf(&sb, " %s", strings.Repeat("-", width))
				} else {
					fmt.Fprintf(&sb, " %0*d", width, cpu)
				}
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// LayoutRequest is the input of BuildLayout.
type LayoutRequest struct {
	StaticSize   int
	ReservedSize int
	DynSize      int
	// AtomSize is the allocation granularity of the backing store. Zero
	// means PageSize.
	AtomSize int
	NrCPUs   int
	// Distance returns the distance between two CPUs. CPUs at
	// LocalDistance from each other in both directions share a group. Nil
	// puts every CPU in one group.
	Distance func(from, to int) int
	// PageSize defaults to 4096.
	PageSize int
}

// BuildLayout groups CPUs by distance and picks the unit size and units
// per allocation. Among the units-per-allocation choices that waste at
// most a third of a CPU count's worth of units, it takes the one needing
// the fewest allocations, preferring more units per allocation.
func BuildLayout(req LayoutRequest) (*Layout, error) {
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = format.DefaultPageSize
	}
	atomSize := req.AtomSize
	if atomSize == 0 {
		atomSize = pageSize
	}
	if req.NrCPUs <= 0 {
		return nil, fmt.Errorf("%w: no cpus", ErrInvalidLayout)
	}
	if req.StaticSize <= 0 || req.ReservedSize < 0 || req.DynSize < 0 {
		return nil, fmt.Errorf("%w: negative or empty area size", ErrInvalidLayout)
	}

	sizeSum := format.AlignUp(req.StaticSize+req.ReservedSize+max(req.DynSize, format.DynamicEarlySize), pageSize)
	dynSize := sizeSum - req.StaticSize - req.ReservedSize
	minUnitSize := max(sizeSum, format.MinUnitSize)

	allocSize := format.AlignUp(minUnitSize, atomSize)
	fits := func(upa int) bool {
		return allocSize%upa == 0 && (allocSize/upa)%pageSize == 0
	}
	maxUPA := allocSize / minUnitSize
	for maxUPA > 1 && !fits(maxUPA) {
		maxUPA--
	}

	// group cpus by proximity
	groupOf := make([]int, req.NrCPUs)
	var groupCnt []int
	assigned := make([]bool, req.NrCPUs)
	for cpu := range req.NrCPUs {
		if assigned[cpu] {
			continue
		}
		group := len(groupCnt)
		groupCnt = append(groupCnt, 1)
		groupOf[cpu], assigned[cpu] = group, true
		for tcpu := cpu + 1; tcpu < req.NrCPUs; tcpu++ {
			if assigned[tcpu] {
				continue
			}
			if req.Distance == nil ||
				(req.Distance(cpu, tcpu) == format.LocalDistance && req.Distance(tcpu, cpu) == format.LocalDistance) {
				groupOf[tcpu], assigned[tcpu] = group, true
				groupCnt[group]++
			}
		}
	}

	lastAllocs, bestUPA := math.MaxInt, 0
	for upa := maxUPA; upa > 0; upa-- {
		if !fits(upa) {
			continue
		}
		allocs, wasted := 0, 0
		for _, cnt := range groupCnt {
			n := (cnt + upa - 1) / upa
			allocs += n
			wasted += n*upa - cnt
		}
		if wasted > req.NrCPUs/3 {
			continue
		}
		if allocs > lastAllocs {
			break
		}
		lastAllocs, bestUPA = allocs, upa
	}
	if bestUPA == 0 {
		return nil, fmt.Errorf("%w: no units-per-allocation choice fits alloc size %d", ErrInvalidLayout, allocSize)
	}

	l := &Layout{
		StaticSize:   req.StaticSize,
		ReservedSize: req.ReservedSize,
		DynSize:      dynSize,
		UnitSize:     allocSize / bestUPA,
		AtomSize:     atomSize,
		AllocSize:    allocSize,
		Groups:       make([]Group, len(groupCnt)),
	}
	unit := 0
	for gi := range l.Groups {
		g := &l.Groups[gi]
		g.BaseOffset = uintptr(unit * l.UnitSize)
		for cpu, grp := range groupOf {
			if grp == gi {
				g.CPUMap = append(g.CPUMap, cpu)
			}
		}
		for len(g.CPUMap)%bestUPA != 0 {
			g.CPUMap = append(g.CPUMap, NoCPU)
		}
		unit += len(g.CPUMap)
	}
	if err := l.Validate(pageSize); err != nil {
		return nil, err
	}
	return l, nil
}
