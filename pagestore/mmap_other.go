//go:build !linux

package pagestore

// Mmap falls back to the heap store where anonymous mappings with
// MADV_POPULATE_WRITE are unavailable.
type Mmap struct {
	*Heap
}

// NewMmap returns a heap-backed store using the default page size.
func NewMmap() (*Mmap, error) {
	return &Mmap{Heap: NewHeap(4096)}, nil
}

// Close is a no-op.
func (m *Mmap) Close() error { return nil }
