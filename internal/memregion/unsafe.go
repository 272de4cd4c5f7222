package memregion

import "unsafe"

// uintptrOf returns the address of a byte slice's backing array. Routed
// through its own tiny function, the same way the teacher isolates its
// mmap-result pointer conversion, to keep the single unsafe.Pointer
// conversion site easy to audit and to avoid a go vet "possible misuse of
// unsafe.Pointer" false positive at call sites that only want a uint64.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
