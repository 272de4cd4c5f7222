package hcq

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/hcqdev/go-hcq/internal/bufpool"
	"github.com/hcqdev/go-hcq/internal/constants"
	"github.com/hcqdev/go-hcq/internal/logging"
	"github.com/hcqdev/go-hcq/internal/memregion"
)

var errNotRootBuffer = errors.New("allocator: cannot Free a buffer produced by Offset")

// AllocatorBackend is the backend contract for device memory: allocate a
// device-addressable region, free it, and ensure an address is mapped into
// a peer device's address space for cross-device transfers.
type AllocatorBackend interface {
	Alloc(size int, spec string) (uint64, error)
	Free(addr uint64) error
	Map(addr uint64, peer *Device) error
}

// Buffer is a device memory allocation: a device virtual address, a size,
// and — for buffers produced by Offset — a non-owning back-reference to
// the buffer it was sliced from.
type Buffer struct {
	VA   uint64
	Size uint64
	base *Buffer
}

// Base returns the buffer this one was sliced from via Offset, or nil if
// this buffer is itself a root allocation.
func (b *Buffer) Base() *Buffer { return b.base }

// AllocatorStats reports staging-ring reuse counters, grounded on the
// teacher's atomic.Uint64 metrics pattern.
type AllocatorStats struct {
	SlotsReused  uint64
	SlotsBlocked uint64
	BytesStaged  uint64
}

// Allocator owns device memory allocation and a fixed-size ring of pinned
// host staging buffers used for copy_in / copy_from_disk / copy_out /
// transfer. Buffer i is reusable once timelineSignal.Value() >=
// bTimeline[i]; a "reserved but not yet signaled" slot is marked with
// constants.ReservedTimeline.
type Allocator struct {
	device  *Device
	backend AllocatorBackend
	logger  *logging.Logger

	staging    []*memregion.Region
	bTimeline  []uint64
	bNext      int
	bufferSize int

	reused  atomic.Uint64
	blocked atomic.Uint64
	staged  atomic.Uint64
}

// NewAllocator constructs an Allocator with a ring of count pinned host
// buffers of bufferSize bytes each (defaults per internal/constants).
func NewAllocator(dev *Device, backend AllocatorBackend, bufferSize, count int) (*Allocator, error) {
	if bufferSize <= 0 {
		bufferSize = constants.DefaultStagingBufferSize
	}
	if count <= 0 {
		count = constants.DefaultStagingBufferCount
	}
	a := &Allocator{
		device:     dev,
		backend:    backend,
		logger:     dev.logger,
		staging:    make([]*memregion.Region, count),
		bTimeline:  make([]uint64, count),
		bufferSize: bufferSize,
		bNext:      -1,
	}
	for i := 0; i < count; i++ {
		r, err := memregion.New(bufferSize)
		if err != nil {
			return nil, WrapError("NewAllocator", ErrCodeAllocationFailed, err)
		}
		a.staging[i] = r
	}
	return a, nil
}

// Alloc requests a device allocation of size bytes tagged with spec (a
// backend-defined memory-type hint, e.g. "device" or "host-visible").
func (a *Allocator) Alloc(size int, spec string) (*Buffer, error) {
	va, err := a.backend.Alloc(size, spec)
	if err != nil {
		return nil, NewAllocationFailedError("Allocator.Alloc", err)
	}
	return &Buffer{VA: va, Size: uint64(size)}, nil
}

// Free releases a root allocation.
func (a *Allocator) Free(buf *Buffer) error {
	if buf.base != nil {
		return NewError("Allocator.Free", ErrCodeAllocationFailed, errNotRootBuffer)
	}
	if err := a.backend.Free(buf.VA); err != nil {
		return NewAllocationFailedError("Allocator.Free", err)
	}
	return nil
}

// Offset returns a sub-buffer of buf with VA shifted by offset and its own
// size, carrying a weak, non-owning back-reference to buf.
func (a *Allocator) Offset(buf *Buffer, size, offset uint64) *Buffer {
	return &Buffer{VA: buf.VA + offset, Size: size, base: buf}
}

// Stats returns a snapshot of staging-ring reuse counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		SlotsReused:  a.reused.Load(),
		SlotsBlocked: a.blocked.Load(),
		BytesStaged:  a.staged.Load(),
	}
}

// resetStagingTimelines is called by Device.wrapTimelineSignal: all staging
// buffers become immediately reusable against the freshly wrapped timeline.
func (a *Allocator) resetStagingTimelines() {
	for i := range a.bTimeline {
		a.bTimeline[i] = 0
	}
}

// CopyIn stages src into dest on the device, chunked by the ring's buffer
// size. Each chunk waits for its target slot to free up, memcpy's into the
// pinned host buffer, then builds and submits a copy queue: wait the prior
// timeline value, copy, signal the new timeline value.
func (a *Allocator) CopyIn(ctx context.Context, dest uint64, src []byte) error {
	dev := a.device
	off := 0
	for off < len(src) {
		n := a.bufferSize
		if remaining := len(src) - off; remaining < n {
			n = remaining
		}
		a.bNext = (a.bNext + 1) % len(a.staging)

		if target := a.bTimeline[a.bNext]; target > 0 {
			if dev.timelineSignal.Value() < target {
				a.blocked.Add(1)
			}
			if err := dev.timelineSignal.Wait(ctx, target, dev.cfg.WaitTimeoutMs, nil); err != nil {
				return err
			}
		}
		a.reused.Add(1)

		copy(a.staging[a.bNext].Bytes(), src[off:off+n])

		prev := uint64(0)
		if dev.timelineValue > 1 {
			prev = dev.timelineValue - 1
		}
		q := NewCopyQueue(dev.copyBackend)
		q.Wait(dev.timelineSignal, prev)
		q.Copy(dest+uint64(off), a.staging[a.bNext].Addr(), uint64(n))
		next := dev.timelineValue
		q.Signal(dev.timelineSignal, next)
		chunkStart := time.Now()
		err := q.Submit(dev)
		a.observeCopy(uint64(n), chunkStart, err == nil)
		if err != nil {
			return err
		}
		a.bTimeline[a.bNext] = next
		dev.timelineValue++
		a.staged.Add(uint64(n))
		off += n
	}
	return nil
}

// observeCopy reports one executed copy chunk to the device's Observer, if
// configured.
func (a *Allocator) observeCopy(bytes uint64, start time.Time, success bool) {
	if a.device.observer == nil {
		return
	}
	a.device.observer.ObserveCopy(bytes, uint64(time.Since(start).Nanoseconds()), success)
}

// tryReserveSlot checks whether the next ring slot is reusable
// (bTimeline[(bNext+1)%n] <= timelineSignal.Value()); if so it marks it
// reserved and advances bNext, returning the slot index. Otherwise it
// returns ok=false so the caller can throttle.
func (a *Allocator) tryReserveSlot() (idx int, ok bool) {
	candidate := (a.bNext + 1) % len(a.staging)
	if a.bTimeline[candidate] <= a.device.timelineSignal.Value() {
		a.bTimeline[candidate] = constants.ReservedTimeline
		a.bNext = candidate
		return candidate, true
	}
	return 0, false
}

// CopyFromDisk streams size bytes from src (e.g. an open file) to dest,
// throttled by the staging ring: each chunk reserves the next reusable
// slot (polling briefly if none is free), reads into it, then submits a
// copy queue exactly like CopyIn.
func (a *Allocator) CopyFromDisk(ctx context.Context, dest uint64, src io.ReaderAt, size int) error {
	dev := a.device
	off := 0
	for off < size {
		n := a.bufferSize
		if remaining := size - off; remaining < n {
			n = remaining
		}

		idx, ok := a.tryReserveSlot()
		for !ok {
			a.blocked.Add(1)
			select {
			case <-ctx.Done():
				return WrapError("Allocator.CopyFromDisk", ErrCodeAllocationFailed, ctx.Err())
			case <-time.After(constants.EngineIdlePoll):
			}
			idx, ok = a.tryReserveSlot()
		}
		a.reused.Add(1)

		tmp := bufpool.Get(n)
		if _, err := src.ReadAt(tmp, int64(off)); err != nil && err != io.EOF {
			bufpool.Put(tmp)
			return WrapError("Allocator.CopyFromDisk", ErrCodeAllocationFailed, err)
		}
		copy(a.staging[idx].Bytes(), tmp)
		bufpool.Put(tmp)

		prev := uint64(0)
		if dev.timelineValue > 1 {
			prev = dev.timelineValue - 1
		}
		q := NewCopyQueue(dev.copyBackend)
		q.Wait(dev.timelineSignal, prev)
		q.Copy(dest+uint64(off), a.staging[idx].Addr(), uint64(n))
		next := dev.timelineValue
		q.Signal(dev.timelineSignal, next)
		chunkStart := time.Now()
		err := q.Submit(dev)
		a.observeCopy(uint64(n), chunkStart, err == nil)
		if err != nil {
			return err
		}
		a.bTimeline[idx] = next
		dev.timelineValue++
		a.staged.Add(uint64(n))
		off += n
	}
	return nil
}

// CopyOut synchronizes the device, then chunks src out through staging
// slot 0, synchronously waiting on each chunk's signal before memcpy-ing
// into dest.
func (a *Allocator) CopyOut(ctx context.Context, dest []byte, src uint64) error {
	dev := a.device
	if err := dev.Synchronize(ctx); err != nil {
		return err
	}
	off := 0
	for off < len(dest) {
		n := a.bufferSize
		if remaining := len(dest) - off; remaining < n {
			n = remaining
		}
		prev := uint64(0)
		if dev.timelineValue > 1 {
			prev = dev.timelineValue - 1
		}
		q := NewCopyQueue(dev.copyBackend)
		q.Wait(dev.timelineSignal, prev)
		q.Copy(a.staging[0].Addr(), src+uint64(off), uint64(n))
		next := dev.timelineValue
		q.Signal(dev.timelineSignal, next)
		chunkStart := time.Now()
		err := q.Submit(dev)
		a.observeCopy(uint64(n), chunkStart, err == nil)
		if err != nil {
			return err
		}
		dev.timelineValue++
		if err := dev.timelineSignal.Wait(ctx, next, dev.cfg.WaitTimeoutMs, nil); err != nil {
			return err
		}
		copy(dest[off:off+n], a.staging[0].Bytes()[:n])
		a.staged.Add(uint64(n))
		off += n
	}
	return nil
}

// Transfer moves size bytes from src on srcDev to dest on destDev. It
// ensures dest is mapped into srcDev's address space via the backend's Map
// hook, issues the copy on srcDev's copy queue gated by both devices'
// timelines, and — for a genuinely cross-device transfer — issues a
// rendezvous on destDev's compute queue so destDev's subsequent work
// observes the transfer.
func (a *Allocator) Transfer(ctx context.Context, dest, src uint64, size uint64, srcDev, destDev *Device) error {
	if err := a.backend.Map(dest, srcDev); err != nil {
		return WrapError("Allocator.Transfer", ErrCodeAllocationFailed, err)
	}

	srcPrev := uint64(0)
	if srcDev.timelineValue > 1 {
		srcPrev = srcDev.timelineValue - 1
	}
	q := NewCopyQueue(srcDev.copyBackend)
	q.Wait(srcDev.timelineSignal, srcPrev)
	if destDev != srcDev {
		destPrev := uint64(0)
		if destDev.timelineValue > 1 {
			destPrev = destDev.timelineValue - 1
		}
		q.Wait(destDev.timelineSignal, destPrev)
	}
	q.Copy(dest, src, size)
	srcNext := srcDev.timelineValue
	q.Signal(srcDev.timelineSignal, srcNext)
	chunkStart := time.Now()
	err := q.Submit(srcDev)
	a.observeCopy(size, chunkStart, err == nil)
	if err != nil {
		return err
	}
	srcDev.timelineValue++

	if destDev != srcDev {
		destNext := destDev.timelineValue
		rq := NewComputeQueue(destDev.computeBackend)
		rq.Wait(srcDev.timelineSignal, srcNext)
		rq.Wait(destDev.timelineSignal, destNext-1)
		rq.Signal(destDev.timelineSignal, destNext)
		if err := rq.Submit(destDev); err != nil {
			return err
		}
		destDev.timelineValue++
	}
	return nil
}

