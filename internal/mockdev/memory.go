// Package mockdev is an asynchronous, in-process reference HCQ backend:
// unlike the root package's built-in synchronous testing.MockBackend (used
// for this module's own white-box tests), Backend here runs each queue
// kind's commands on its own goroutine, so integration tests and the
// benchmark command exercise the core's real timeline-wait and
// staging-ring backpressure instead of a backend that executes everything
// in-line on the submitting goroutine.
//
// Grounded on the teacher's backend.Memory (sharded RWMutex locking over a
// flat byte arena, backend/mem.go) for the device address space, and on
// internal/queue's Runner.ioLoop (a per-queue goroutine draining submitted
// work until its context is canceled) for the execution engine.
package mockdev

import (
	"sync"
	"unsafe"
)

// shardSize mirrors the teacher's 64KB memory-backend shard granularity:
// enough parallelism for concurrent copy traffic without one lock per byte.
const shardSize = 64 * 1024

// vaBase is the fake device virtual-address floor. Chosen well below a
// typical host mmap address (usually ~2^47 on linux/amd64) so the two
// address spaces never collide in practice.
const vaBase = uint64(1) << 40

type region struct {
	data   []byte
	shards []sync.RWMutex
}

func newRegion(size int) *region {
	n := (size + shardSize - 1) / shardSize
	if n == 0 {
		n = 1
	}
	return &region{data: make([]byte, size), shards: make([]sync.RWMutex, n)}
}

func (r *region) shardRange(off, n int) (start, end int) {
	start = off / shardSize
	end = (off + n - 1) / shardSize
	if end >= len(r.shards) {
		end = len(r.shards) - 1
	}
	return start, end
}

func (r *region) readAt(dst []byte, off int) {
	start, end := r.shardRange(off, len(dst))
	for i := start; i <= end; i++ {
		r.shards[i].RLock()
	}
	copy(dst, r.data[off:off+len(dst)])
	for i := start; i <= end; i++ {
		r.shards[i].RUnlock()
	}
}

func (r *region) writeAt(src []byte, off int) {
	start, end := r.shardRange(off, len(src))
	for i := start; i <= end; i++ {
		r.shards[i].Lock()
	}
	copy(r.data[off:off+len(src)], src)
	for i := start; i <= end; i++ {
		r.shards[i].Unlock()
	}
}

// DeviceMemory is a fake device address space shared by every Engine of
// every Device that points a Backend at the same instance: sharing one
// DeviceMemory across two Devices is what makes Allocator.Transfer's
// cross-device copy observable, the same way two accelerators wired to a
// shared memory fabric would see each other's writes.
type DeviceMemory struct {
	mu      sync.Mutex // guards the allocation table only; region bytes use per-shard locks
	regions map[uint64]*region
	nextVA  uint64
}

// NewDeviceMemory constructs an empty fake device address space.
func NewDeviceMemory() *DeviceMemory {
	return &DeviceMemory{regions: make(map[uint64]*region), nextVA: vaBase}
}

// Alloc bump-allocates a fresh region of size bytes and returns its base
// address.
func (m *DeviceMemory) Alloc(size int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextVA
	m.regions[addr] = newRegion(size)
	m.nextVA += uint64(size)
	m.nextVA = (m.nextVA + 4095) &^ 4095
	return addr
}

// Free drops a region. Addresses produced by Allocator.Offset never reach
// here directly; Free is only ever called with a root allocation's VA.
func (m *DeviceMemory) Free(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, addr)
}

func (m *DeviceMemory) find(addr uint64) (*region, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, r := range m.regions {
		if addr >= base && addr < base+uint64(len(r.data)) {
			return r, int(addr - base), true
		}
	}
	return nil, 0, false
}

// Read copies n bytes starting at addr into a fresh slice. addr not
// belonging to any fake allocation is treated as a real host pointer —
// valid for the staging-ring buffers, kernargs arena, and signal cells
// this module's reference backends hand out, all of which are real
// process memory for the duration of the call.
func (m *DeviceMemory) Read(addr uint64, n int) []byte {
	if r, off, ok := m.find(addr); ok {
		buf := make([]byte, n)
		r.readAt(buf, off)
		return buf
	}
	return append([]byte(nil), hostPointerSlice(addr, n)...)
}

// Write copies data into the region at addr, or into a reinterpreted host
// pointer if addr isn't a fake allocation (see Read).
func (m *DeviceMemory) Write(addr uint64, data []byte) {
	if r, off, ok := m.find(addr); ok {
		r.writeAt(data, off)
		return
	}
	copy(hostPointerSlice(addr, len(data)), data)
}

func hostPointerSlice(addr uint64, n int) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), n)
}
