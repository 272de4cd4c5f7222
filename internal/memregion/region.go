// Package memregion provides the mmap-backed shared memory regions that
// back Signal cells, the kernargs arena, and staging-ring buffers, plus the
// store/memory fences needed around them.
//
// Every region here is anonymous, page-aligned host memory: there is no
// device-mapped char device to mmap against in this module's reference
// backends, but the allocation path (page-round the size, a private
// anonymous mapping, explicit unmap on Close) is
// the same shape as the teacher's descriptor/I-O-buffer mmap calls.
package memregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a page-aligned block of anonymous memory obtained via mmap. It
// backs a Signal's value/timestamp cells, a kernargs arena, or a staging
// buffer: anything that needs a stable address usable both as a Go slice
// and as a uint64 "device pointer" baked into an encoded command.
type Region struct {
	data []byte
	size int
}

// PageSize is cached at init rather than re-queried on every New call.
var PageSize = os.Getpagesize()

// roundUp rounds n up to the next multiple of PageSize.
func roundUp(n int) int {
	if rem := n % PageSize; rem != 0 {
		n += PageSize - rem
	}
	return n
}

// New allocates a zeroed, page-rounded anonymous region of at least size
// bytes.
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memregion: size must be positive, got %d", size)
	}
	rounded := roundUp(size)
	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memregion: mmap %d bytes: %w", rounded, err)
	}
	return &Region{data: data, size: rounded}, nil
}

// Bytes returns the full backing slice.
func (r *Region) Bytes() []byte { return r.data }

// Len returns the page-rounded size of the region.
func (r *Region) Len() int { return r.size }

// Addr returns the region's base address as a uint64, suitable for baking
// into encoded commands as a "device pointer". Regions are never moved
// after allocation, so this address is stable for the region's lifetime.
func (r *Region) Addr() uint64 {
	if len(r.data) == 0 {
		return 0
	}
	return uint64(uintptrOf(r.data))
}

// Slice returns a sub-slice of the region's bytes at [off, off+n).
func (r *Region) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("memregion: slice [%d:%d] out of range for region of size %d", off, off+n, len(r.data))
	}
	return r.data[off : off+n], nil
}

// Close unmaps the region. It is an error to use the region after Close.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
