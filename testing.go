package hcq

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/hcqdev/go-hcq/internal/memregion"
	"github.com/hcqdev/go-hcq/internal/wire"
)

// The types in this file are an in-process, synchronous reference backend:
// no real hardware, no async engine, just enough orchestration semantics
// (signal/wait/timestamp/memory_barrier/exec/copy) to let this package's
// own white-box tests exercise Signal/Queue/Device/Allocator without a real
// accelerator, mirroring how the teacher's exported MockBackend lets ublk
// tests run without a kernel block device.
//
// Submit executes commands synchronously and in-line: the "device"
// advances exactly as far as the host's Submit call, which is adequate for
// testing the core's bookkeeping (timelines, patching, staging-ring
// safety) without modeling real concurrent hardware engines. A richer,
// actually-asynchronous reference backend lives in internal/mockdev for
// integration-style tests and the benchmark command.

// signalRegistry maps a signal's address back to the *Signal object, so
// Submit — which only receives a flat word stream of addresses — can
// resolve which Signal a signal/wait/timestamp command targets. Populated
// at encode time, since Encode* always has the real *Signal in hand.
var signalRegistry sync.Map // uint64 -> *Signal

func registerSignal(sig *Signal) {
	if sig != nil {
		signalRegistry.Store(sig.Addr(), sig)
	}
}

func lookupSignal(addr uint64) (*Signal, bool) {
	v, ok := signalRegistry.Load(addr)
	if !ok {
		return nil, false
	}
	return v.(*Signal), true
}

// MockMemSpace is a fake device address space: Alloc hands out
// monotonically increasing virtual addresses backed by ordinary Go byte
// slices. Sharing one MockMemSpace between two Devices' backends lets
// Allocator.Transfer move bytes between them the way two accelerators
// sharing a host-visible memory fabric would.
type MockMemSpace struct {
	mu      sync.Mutex
	store   map[uint64][]byte
	nextVA  uint64
}

const mockVABase = uint64(1) << 40

// NewMockMemSpace constructs an empty fake device address space.
func NewMockMemSpace() *MockMemSpace {
	return &MockMemSpace{store: make(map[uint64][]byte), nextVA: mockVABase}
}

func (m *MockMemSpace) alloc(size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextVA
	m.store[addr] = make([]byte, size)
	m.nextVA += uint64(size)
	// Page-align the next allocation to keep ranges from ever butting
	// against each other at exact boundaries during arithmetic.
	m.nextVA = (m.nextVA + 4095) &^ 4095
	return addr
}

func (m *MockMemSpace) free(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, addr)
}

// slice resolves addr into a []byte of length n, either from a fake
// device allocation or, if addr isn't one of ours, by treating it as a
// real host pointer (e.g. a staging buffer's mmap'd address).
func (m *MockMemSpace) slice(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	for base, buf := range m.store {
		if addr >= base && addr+uint64(n) <= base+uint64(len(buf)) {
			off := addr - base
			m.mu.Unlock()
			return buf[off : off+uint64(n)], nil
		}
	}
	m.mu.Unlock()
	return hostPointerSlice(addr, n)
}

// hostPointerSlice reinterprets a real process address (not one of this
// mock's fake device VAs) as a Go byte slice. Valid only for addresses that
// are live process memory for the duration of the call, which holds for the
// mmap'd memregion-backed staging buffers, kernargs arena, and
// signal cells this package hands out.
func hostPointerSlice(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("mockdev: nil address")
	}
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), n), nil
}

// MockBackend implements QueueBackend and AllocatorBackend entirely in
// host memory. Assign the same instance to both ComputeBackend and
// CopyBackend on DeviceConfig for a device with one engine, or give a
// device a distinct MockBackend per queue kind; share one MockMemSpace
// across devices to exercise cross-device transfer.
type MockBackend struct {
	Mem           *MockMemSpace
	WaitTimeoutMs int

	execCount uint64
}

// NewMockBackend constructs a MockBackend over mem (or a fresh MockMemSpace
// if mem is nil).
func NewMockBackend(mem *MockMemSpace) *MockBackend {
	if mem == nil {
		mem = NewMockMemSpace()
	}
	return &MockBackend{Mem: mem, WaitTimeoutMs: 5000}
}

// ExecCount returns how many exec commands this backend has executed
// (a no-op count, since this mock never runs real kernels), for test
// assertions.
func (b *MockBackend) ExecCount() uint64 { return b.execCount }

func (b *MockBackend) EncodeSignal(sig *Signal, value uint64) ([]uint32, error) {
	registerSignal(sig)
	return wire.EncodeSignal(sig.Addr(), value), nil
}

func (b *MockBackend) EncodeWait(sig *Signal, value uint64) ([]uint32, error) {
	registerSignal(sig)
	return wire.EncodeWait(sig.Addr(), value), nil
}

func (b *MockBackend) EncodeTimestamp(sig *Signal) ([]uint32, error) {
	registerSignal(sig)
	return wire.EncodeTimestamp(sig.Addr()), nil
}

func (b *MockBackend) EncodeMemoryBarrier() ([]uint32, error) {
	return wire.EncodeMemoryBarrier(), nil
}

func (b *MockBackend) EncodeExec(prog *Program, args *ArgsState, global, local [3]uint32) ([]uint32, error) {
	return wire.EncodeExec(0, global, local, args.Ptr), nil
}

func (b *MockBackend) EncodeCopy(dest, src, size uint64) ([]uint32, error) {
	return wire.EncodeCopy(dest, src, size), nil
}

func (b *MockBackend) PatchSignal(words []uint32, sig *Signal, value *uint64) error {
	var addr *uint64
	if sig != nil {
		registerSignal(sig)
		a := sig.Addr()
		addr = &a
	}
	return wire.PatchSignal(words, addr, value)
}

func (b *MockBackend) PatchWait(words []uint32, sig *Signal, value *uint64) error {
	var addr *uint64
	if sig != nil {
		registerSignal(sig)
		a := sig.Addr()
		addr = &a
	}
	return wire.PatchWait(words, addr, value)
}

func (b *MockBackend) PatchExec(words []uint32, global, local *[3]uint32) error {
	return wire.PatchExec(words, global, local)
}

func (b *MockBackend) PatchCopy(words []uint32, dest, src *uint64) error {
	return wire.PatchCopy(words, dest, src)
}

// Submit executes each command in words in order, synchronously.
func (b *MockBackend) Submit(dev *Device, kind QueueKind, words []uint32) error {
	pos := 0
	for pos < len(words) {
		op := wire.Opcode(words[pos])
		n := wire.Length(op)
		if n == 0 || pos+n > len(words) {
			return fmt.Errorf("mockdev: malformed command stream at word %d (opcode %v)", pos, op)
		}
		cmd := words[pos : pos+n]
		if err := b.execute(dev, op, cmd); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func (b *MockBackend) execute(dev *Device, op wire.Opcode, cmd []uint32) error {
	switch op {
	case wire.OpSignal:
		addr, value := wire.DecodeSignal(cmd)
		sig, ok := lookupSignal(addr)
		if !ok {
			return fmt.Errorf("mockdev: signal at addr %x not registered", addr)
		}
		sig.SetValue(value)
	case wire.OpWait:
		addr, value := wire.DecodeWait(cmd)
		sig, ok := lookupSignal(addr)
		if !ok {
			return fmt.Errorf("mockdev: wait target at addr %x not registered", addr)
		}
		timeout := b.WaitTimeoutMs
		if timeout <= 0 {
			timeout = 5000
		}
		if err := sig.Wait(context.Background(), value, timeout, nil); err != nil {
			return err
		}
	case wire.OpTimestamp:
		addr := wire.DecodeTimestamp(cmd)
		sig, ok := lookupSignal(addr)
		if !ok {
			return fmt.Errorf("mockdev: timestamp target at addr %x not registered", addr)
		}
		sig.SetTimestampRaw(uint64(time.Now().UnixNano()))
	case wire.OpMemoryBarrier:
		// No cross-engine coherence to enforce in-process.
	case wire.OpExec:
		b.execCount++
	case wire.OpCopy:
		dest, src, size := wire.DecodeCopy(cmd)
		srcBuf, err := b.Mem.slice(src, int(size))
		if err != nil {
			return fmt.Errorf("mockdev: copy src: %w", err)
		}
		destBuf, err := b.Mem.slice(dest, int(size))
		if err != nil {
			return fmt.Errorf("mockdev: copy dest: %w", err)
		}
		copy(destBuf, srcBuf)
	default:
		return fmt.Errorf("mockdev: unknown opcode %v", op)
	}
	return nil
}

// Alloc hands out a fake device allocation from the shared MockMemSpace.
func (b *MockBackend) Alloc(size int, spec string) (uint64, error) {
	return b.Mem.alloc(size), nil
}

// Free releases a fake device allocation.
func (b *MockBackend) Free(addr uint64) error {
	b.Mem.free(addr)
	return nil
}

// Map is a no-op: every device sharing a MockMemSpace already sees the
// same fake address space, so there is nothing to map.
func (b *MockBackend) Map(addr uint64, peer *Device) error { return nil }

var (
	_ QueueBackend     = (*MockBackend)(nil)
	_ AllocatorBackend = (*MockBackend)(nil)
)

// MockArgsFactory is a self-describing ArgsStateFactory: it writes a
// header word recording the buffer count immediately before the buffer and
// value slots, so UpdateBuffer/UpdateVar can recompute the layout without
// the Program having to remember it out-of-band.
type MockArgsFactory struct{}

// KernargsSize returns how many bytes FillKernargs needs for the given
// buffer/value counts: an 8-byte header plus 8 bytes per slot.
func (MockArgsFactory) KernargsSize(numBufs, numVals int) int {
	return 8 + 8*numBufs + 8*numVals
}

func (MockArgsFactory) FillKernargs(region *memregion.Region, off int, bufs, vals []uint64) error {
	total := 8 + 8*len(bufs) + 8*len(vals)
	buf, err := region.Slice(off, total)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(bufs)))
	for i, v := range bufs {
		binary.LittleEndian.PutUint64(buf[8+8*i:16+8*i], v)
	}
	base := 8 + 8*len(bufs)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[base+8*i:base+8+8*i], v)
	}
	return nil
}

func (MockArgsFactory) UpdateBuffer(region *memregion.Region, off int, index int, buf uint64) error {
	header, err := region.Slice(off, 8)
	if err != nil {
		return err
	}
	numBufs := int(binary.LittleEndian.Uint64(header))
	if index < 0 || index >= numBufs {
		return fmt.Errorf("mockdev: buffer index %d out of range [0,%d)", index, numBufs)
	}
	slot, err := region.Slice(off+8+8*index, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, buf)
	return nil
}

func (MockArgsFactory) UpdateVar(region *memregion.Region, off int, index int, val uint64) error {
	header, err := region.Slice(off, 8)
	if err != nil {
		return err
	}
	numBufs := int(binary.LittleEndian.Uint64(header))
	slot, err := region.Slice(off+8+8*numBufs+8*index, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, val)
	return nil
}

var _ ArgsStateFactory = MockArgsFactory{}
