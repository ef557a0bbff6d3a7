package percpu

import "errors"

var (
	// ErrInvalidRequest indicates a zero or oversized request, or an
	// alignment that is not a power of two or exceeds the page size.
	ErrInvalidRequest = errors.New("percpu: illegal size or alignment")

	// ErrNoSpaceAtomic indicates an atomic allocation found no populated fit.
	// The balancer has been asked to populate more pages.
	ErrNoSpaceAtomic = errors.New("percpu: no populated space for atomic allocation")

	// ErrNoSpace indicates no fit was found even after creating a new chunk,
	// or the reserved chunk is exhausted.
	ErrNoSpace = errors.New("percpu: no space left")

	// ErrOutOfMemory indicates the page store could not reserve or populate
	// backing memory.
	ErrOutOfMemory = errors.New("percpu: out of backing memory")

	// ErrOutOfCgroup indicates the cgroup charge for an accounted allocation
	// was rejected.
	ErrOutOfCgroup = errors.New("percpu: cgroup charge rejected")

	// ErrInvalidLayout indicates the layout handed to New or built by
	// BuildLayout violates a geometric constraint.
	ErrInvalidLayout = errors.New("percpu: invalid layout")

	// ErrInvalidConfig indicates an inconsistent Config.
	ErrInvalidConfig = errors.New("percpu: invalid config")

	// ErrClosed indicates the allocator has been closed.
	ErrClosed = errors.New("percpu: allocator closed")
)
