package hcq

import "github.com/hcqdev/go-hcq/internal/memregion"

// ArgsStateFactory is the backend hook that lays out and mutates kernel
// argument blocks inside a device's kernargs arena. Layout is entirely
// backend-defined; the core only ever asks it to fill, and later update,
// slots by index.
type ArgsStateFactory interface {
	// FillKernargs writes bufs and vals into region starting at byte
	// offset off, in whatever backend-specific layout the kernel calling
	// convention requires.
	FillKernargs(region *memregion.Region, off int, bufs, vals []uint64) error

	// UpdateBuffer rewrites the buffer pointer at slot index in an
	// already-filled args block.
	UpdateBuffer(region *memregion.Region, off int, index int, buf uint64) error

	// UpdateVar rewrites the scalar value at slot index in an
	// already-filled args block.
	UpdateVar(region *memregion.Region, off int, index int, val uint64) error
}

// ArgsState is a pointer into a device-mapped kernel-arguments region plus
// the owning Program. Ptr is the absolute device address (suitable for
// baking into an exec command); region/offset are the reference backend's
// concrete storage for that address.
type ArgsState struct {
	Program *Program
	Ptr     uint64

	region  *memregion.Region
	offset  int
	factory ArgsStateFactory
}

// UpdateBuffer rewrites the buffer pointer at slot index.
func (a *ArgsState) UpdateBuffer(index int, buf uint64) error {
	if err := a.factory.UpdateBuffer(a.region, a.offset, index, buf); err != nil {
		return WrapError("ArgsState.UpdateBuffer", ErrCodeAllocationFailed, err)
	}
	return nil
}

// UpdateVar rewrites the scalar value at slot index.
func (a *ArgsState) UpdateVar(index int, val uint64) error {
	if err := a.factory.UpdateVar(a.region, a.offset, index, val); err != nil {
		return WrapError("ArgsState.UpdateVar", ErrCodeAllocationFailed, err)
	}
	return nil
}
