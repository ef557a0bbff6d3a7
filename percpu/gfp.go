package percpu

import "strings"

// GFP carries the allocation context flags of a request.
type GFP uint32

const (
	// GFPAtomic is the empty flag set: the caller cannot sleep, so the
	// allocation may not take the outer lock, create chunks or populate
	// pages.
	GFPAtomic GFP = 0

	// GFPKernel marks a caller that may sleep.
	GFPKernel GFP = 1 << iota
	// GFPAccount charges the allocation to an ObjCgroup.
	GFPAccount
	// GFPNoFail forces the cgroup charge through even past its limit.
	GFPNoFail
	// GFPNoWarn suppresses the rate-limited failure warning.
	GFPNoWarn
	// GFPNoRetry disables the populate retry after a store failure.
	GFPNoRetry
)

// IsAtomic reports whether gfp forbids sleeping.
func (g GFP) IsAtomic() bool { return g&GFPKernel == 0 }

func (g GFP) String() string {
	var parts []string
	if g.IsAtomic() {
		parts = append(parts, "ATOMIC")
	} else {
		parts = append(parts, "KERNEL")
	}
	for _, f := range []struct {
		flag GFP
		name string
	}{
		{GFPAccount, "ACCOUNT"},
		{GFPNoFail, "NOFAIL"},
		{GFPNoWarn, "NOWARN"},
		{GFPNoRetry, "NORETRY"},
	} {
		if g&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
