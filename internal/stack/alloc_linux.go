//go:build linux

package stack

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator backs every block with its own anonymous mapping so that a
// freed block is really unmapped and Valid can ask the kernel via mincore.
type MmapAllocator struct {
	pageSize int
	limit    int
}

func NewMmapAllocator() Allocator {
	return &MmapAllocator{pageSize: os.Getpagesize(), limit: DefaultBlockLimit}
}

func (a *MmapAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrZeroAlloc
	}
	if n > a.limit {
		return nil, fmt.Errorf("%w: %d bytes over %d byte limit", ErrAllocRejected, n, a.limit)
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("stack: mmap %d bytes: %w", n, err)
	}
	return b, nil
}

func (a *MmapAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return ErrUnknownBlock
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("stack: munmap: %w", err)
	}
	return nil
}

// Valid reports whether every page under b is currently mapped.
func (a *MmapAllocator) Valid(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	pages := (len(b) + a.pageSize - 1) / a.pageSize
	vec := make([]byte, pages)
	_, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(unsafe.Pointer(&vec[0])))
	return errno == 0
}
