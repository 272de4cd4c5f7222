package mockdev

import (
	hcq "github.com/hcqdev/go-hcq"
	"github.com/hcqdev/go-hcq/internal/logging"
	"github.com/hcqdev/go-hcq/internal/wire"
)

// Backend is an asynchronous, in-process reference HCQ backend: one Engine
// per queue kind, both operating on a shared DeviceMemory. Unlike the root
// package's synchronous testing.MockBackend (built for this module's own
// white-box unit tests), commands submitted here genuinely execute
// concurrently with the submitting goroutine and with each other, so
// integration tests and cmd/hcq-bench exercise the core's real
// timeline-wait and staging-ring backpressure instead of a backend that
// runs everything in-line.
//
// One Backend instance is assigned to both DeviceConfig.ComputeBackend and
// DeviceConfig.CopyBackend; Submit dispatches to the matching Engine by
// QueueKind. Use hcq.MockArgsFactory (exported by the root package's own
// test-support file) as the ArgsStateFactory — its self-describing layout
// has no backend-specific state worth duplicating here.
type Backend struct {
	Mem     *DeviceMemory
	compute *Engine
	copy    *Engine
}

// NewBackend constructs a Backend with fresh compute and copy engines
// sharing mem (a fresh DeviceMemory if mem is nil). Share one DeviceMemory
// across two Backends (one per Device) to exercise cross-device transfer.
func NewBackend(mem *DeviceMemory, logger *logging.Logger) *Backend {
	if mem == nil {
		mem = NewDeviceMemory()
	}
	return &Backend{
		Mem:     mem,
		compute: NewEngine(mem, logger),
		copy:    NewEngine(mem, logger),
	}
}

// Close stops both engines, waiting for in-flight submissions to drain.
func (b *Backend) Close() error {
	errC := b.compute.Close()
	errD := b.copy.Close()
	if errC != nil {
		return errC
	}
	return errD
}

func (b *Backend) engineFor(kind hcq.QueueKind) *Engine {
	if kind == hcq.QueueKindCopy {
		return b.copy
	}
	return b.compute
}

// registerOnBoth records a signal with both engines: either queue kind may
// wait on a signal the other kind sets (the cross-device rendezvous
// Allocator.Transfer builds is exactly this), so a signal must be
// resolvable regardless of which engine executes the command naming it.
func (b *Backend) registerOnBoth(sig *hcq.Signal) {
	b.compute.registerSignal(sig)
	b.copy.registerSignal(sig)
}

func (b *Backend) EncodeSignal(sig *hcq.Signal, value uint64) ([]uint32, error) {
	b.registerOnBoth(sig)
	return wire.EncodeSignal(sig.Addr(), value), nil
}

func (b *Backend) EncodeWait(sig *hcq.Signal, value uint64) ([]uint32, error) {
	b.registerOnBoth(sig)
	return wire.EncodeWait(sig.Addr(), value), nil
}

func (b *Backend) EncodeTimestamp(sig *hcq.Signal) ([]uint32, error) {
	b.registerOnBoth(sig)
	return wire.EncodeTimestamp(sig.Addr()), nil
}

func (b *Backend) EncodeMemoryBarrier() ([]uint32, error) {
	return wire.EncodeMemoryBarrier(), nil
}

func (b *Backend) EncodeExec(prog *hcq.Program, args *hcq.ArgsState, global, local [3]uint32) ([]uint32, error) {
	return wire.EncodeExec(0, global, local, args.Ptr), nil
}

func (b *Backend) EncodeCopy(dest, src, size uint64) ([]uint32, error) {
	return wire.EncodeCopy(dest, src, size), nil
}

func (b *Backend) PatchSignal(words []uint32, sig *hcq.Signal, value *uint64) error {
	var addr *uint64
	if sig != nil {
		b.registerOnBoth(sig)
		a := sig.Addr()
		addr = &a
	}
	return wire.PatchSignal(words, addr, value)
}

func (b *Backend) PatchWait(words []uint32, sig *hcq.Signal, value *uint64) error {
	var addr *uint64
	if sig != nil {
		b.registerOnBoth(sig)
		a := sig.Addr()
		addr = &a
	}
	return wire.PatchWait(words, addr, value)
}

func (b *Backend) PatchExec(words []uint32, global, local *[3]uint32) error {
	return wire.PatchExec(words, global, local)
}

func (b *Backend) PatchCopy(words []uint32, dest, src *uint64) error {
	return wire.PatchCopy(words, dest, src)
}

// Submit hands the word stream to the engine matching kind, returning as
// soon as it is validated and enqueued (not once it has executed).
func (b *Backend) Submit(dev *hcq.Device, kind hcq.QueueKind, words []uint32) error {
	return b.engineFor(kind).Submit(words)
}

// Alloc hands out a fake device allocation from the shared DeviceMemory.
func (b *Backend) Alloc(size int, spec string) (uint64, error) {
	return b.Mem.Alloc(size), nil
}

// Free releases a fake device allocation.
func (b *Backend) Free(addr uint64) error {
	b.Mem.Free(addr)
	return nil
}

// Map is a no-op: two Backends sharing a DeviceMemory already see the same
// fake address space, so there is nothing to map for Allocator.Transfer.
func (b *Backend) Map(addr uint64, peer *hcq.Device) error { return nil }

var (
	_ hcq.QueueBackend     = (*Backend)(nil)
	_ hcq.AllocatorBackend = (*Backend)(nil)
)
