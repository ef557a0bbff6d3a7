package pagestore

import "errors"

var (
	// ErrUnaligned indicates an address or length that is not page aligned.
	ErrUnaligned = errors.New("pagestore: unaligned address or length")

	// ErrNotReserved indicates an address outside every reserved range.
	ErrNotReserved = errors.New("pagestore: address not reserved")

	// ErrMapped indicates an attempt to map a page that is already backed.
	ErrMapped = errors.New("pagestore: page already mapped")

	// ErrNotMapped indicates access to a page that has no backing.
	ErrNotMapped = errors.New("pagestore: page not mapped")

	// ErrExhausted indicates the store refused to back more memory.
	ErrExhausted = errors.New("pagestore: out of memory")

	// ErrNoPhys indicates the physical address of a page is unavailable.
	ErrNoPhys = errors.New("pagestore: physical address unavailable")
)
