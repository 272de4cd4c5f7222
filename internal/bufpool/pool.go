// Package bufpool provides size-bucketed byte-slice pooling for the
// allocator's chunked copy_from_disk path, which reads each chunk through a
// scratch buffer and would otherwise allocate one per chunk on the hot
// path.
package bufpool

import "sync"

// Bucket sizes, power-of-2 from 64KB up to the default staging buffer size.
const (
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
	size2m   = 2 * 1024 * 1024
)

// globalPool is the process-wide scratch buffer pool. Uses the
// pointer-to-slice pattern to avoid sync.Pool's interface-allocation
// overhead on Get/Put.
var globalPool = struct {
	p64k  sync.Pool
	p128k sync.Pool
	p256k sync.Pool
	p512k sync.Pool
	p1m   sync.Pool
	p2m   sync.Pool
}{
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	p512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	p1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
	p2m:   sync.Pool{New: func() any { b := make([]byte, size2m); return &b }},
}

// Get returns a pooled buffer of at least the requested size, truncated to
// exactly size. Callers must call Put when done.
func Get(size int) []byte {
	switch {
	case size <= size64k:
		return (*globalPool.p64k.Get().(*[]byte))[:size]
	case size <= size128k:
		return (*globalPool.p128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.p256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*globalPool.p512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.p1m.Get().(*[]byte))[:size]
	case size <= size2m:
		return (*globalPool.p2m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer to the pool it came from, keyed by capacity. Buffers
// with a non-bucket capacity (e.g. from the make() fallback in Get, or a
// caller-supplied slice) are simply dropped.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64k:
		globalPool.p64k.Put(&buf)
	case size128k:
		globalPool.p128k.Put(&buf)
	case size256k:
		globalPool.p256k.Put(&buf)
	case size512k:
		globalPool.p512k.Put(&buf)
	case size1m:
		globalPool.p1m.Put(&buf)
	case size2m:
		globalPool.p2m.Put(&buf)
	}
}
