//go:build !(linux && cgo)

package memregion

import "sync/atomic"

// fallbackFence is a dummy atomic operation that gives the Go memory model
// a well-defined happens-before edge without cgo. It is not a substitute for
// a real hardware fence; it exists so this package builds and behaves
// correctly on platforms or CGO_ENABLED=0 builds where the asm fences in
// fences_cgo.go are unavailable.
var fallbackFence uint32

// Sfence is the non-cgo fallback: a single atomic add.
func Sfence() {
	atomic.AddUint32(&fallbackFence, 1)
}

// Mfence is the non-cgo fallback: a single atomic add.
func Mfence() {
	atomic.AddUint32(&fallbackFence, 1)
}
