//go:build !linux

package stack

// NewMmapAllocator falls back to the heap where mincore is unavailable.
func NewMmapAllocator() Allocator {
	return NewHeapAllocator()
}
