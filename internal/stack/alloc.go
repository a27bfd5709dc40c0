package stack

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
)

var (
	ErrZeroAlloc     = errors.New("stack: zero-length allocation")
	ErrUnknownBlock  = errors.New("stack: block not owned by allocator")
	ErrAllocRejected = errors.New("stack: allocation rejected")
)

// Allocator provides backing blocks and answers whether a block is still
// mapped, which the verifier consults before touching any data.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte) error
	Valid(b []byte) bool
}

// DefaultBlockLimit caps a single block. A request the runtime cannot back
// would otherwise abort the process instead of reporting AllocationFault.
const DefaultBlockLimit = 1 << 30

// HeapAllocator hands out Go heap blocks and tracks which are live.
type HeapAllocator struct {
	mu    sync.Mutex
	live  map[*byte]int
	limit int
}

func NewHeapAllocator() *HeapAllocator {
	return NewHeapAllocatorLimit(DefaultBlockLimit)
}

// NewHeapAllocatorLimit rejects blocks above limit bytes, or above the
// runtime soft memory limit when one is set lower.
func NewHeapAllocatorLimit(limit int) *HeapAllocator {
	return &HeapAllocator{live: make(map[*byte]int), limit: limit}
}

func (a *HeapAllocator) budget() int {
	limit := a.limit
	if mem := debug.SetMemoryLimit(-1); mem < math.MaxInt64 && mem < int64(limit) {
		limit = int(mem)
	}
	return limit
}

func (a *HeapAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrZeroAlloc
	}
	if limit := a.budget(); n > limit {
		return nil, fmt.Errorf("%w: %d bytes over %d byte limit", ErrAllocRejected, n, limit)
	}
	b := make([]byte, n)
	a.mu.Lock()
	a.live[&b[0]] = n
	a.mu.Unlock()
	return b, nil
}

func (a *HeapAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return ErrUnknownBlock
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[&b[0]]; !ok {
		return ErrUnknownBlock
	}
	delete(a.live, &b[0])
	return nil
}

func (a *HeapAllocator) Valid(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.live[&b[0]]
	return ok && n == len(b)
}

// LimitAllocator fails every allocation above Limit bytes. Useful to exercise
// the reallocation failure path.
type LimitAllocator struct {
	Allocator
	Limit int
}

func (a LimitAllocator) Alloc(n int) ([]byte, error) {
	if n > a.Limit {
		return nil, ErrAllocRejected
	}
	return a.Allocator.Alloc(n)
}

const (
	AllocatorHeap = "heap"
	AllocatorMmap = "mmap"
)

var ErrUnknownAllocator = errors.New("stack: unknown allocator")

// NewAllocator returns the allocator registered under name. An empty name
// selects the heap.
func NewAllocator(name string) (Allocator, error) {
	switch name {
	case "", AllocatorHeap:
		return NewHeapAllocator(), nil
	case AllocatorMmap:
		return NewMmapAllocator(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAllocator, name)
	}
}
