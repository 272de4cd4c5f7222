//go:build linux && cgo

package memregion

/*
#include <stdint.h>

// x86-64 store fence to ensure all prior stores are globally visible.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence to ensure all prior memory operations complete.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE instruction). Ensures all prior
// stores are globally visible before a signal or command word write that
// a concurrent waiter/engine depends on becomes visible.
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE instruction). Ensures all
// prior memory operations complete before any subsequent ones, used around
// timeline signal wraparound swaps.
func Mfence() {
	C.mfence_impl()
}
