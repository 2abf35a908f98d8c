//go:build linux && cgo && amd64

// Package barrier provides the release/acquire memory fences and cache
// maintenance operations that the DMA pool and DMA rings pair around every
// transition of buffer ownership between the CPU and the device.
package barrier

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// store that follows. Used as the release side of a commit.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: all prior memory operations complete before
// any that follow. Used as the acquire side of observing a device-advanced
// index.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}

// clflush one cache line containing ptr.
static inline void clflush_impl(void *ptr) {
    __asm__ __volatile__("clflush (%0)" :: "r"(ptr) : "memory");
}
*/
import "C"
import "unsafe"

const cacheLineSize = 64

// ReleaseFence orders all prior writes before anything that follows it,
// matching the point at which ownership of a buffer passes from CPU to
// device.
func ReleaseFence() {
	C.sfence_impl()
}

// AcquireFence orders all subsequent reads after it, matching the point at
// which ownership of a buffer passes from device to CPU.
func AcquireFence() {
	C.mfence_impl()
}

// FlushCache writes back every cache line touched by b so the device's view
// of memory is current. Called under the release fence, before a commit.
func FlushCache(b []byte) {
	if len(b) == 0 {
		return
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	end := base + uintptr(len(b))
	for addr := base - (base % cacheLineSize); addr < end; addr += cacheLineSize {
		C.clflush_impl(unsafe.Pointer(addr))
	}
	C.sfence_impl()
}

// InvalidateCache discards any stale cache lines over b so a subsequent CPU
// read observes what the device wrote. x86 has no user-mode invalidate-only
// instruction, so this uses the same writeback-and-invalidate CLFLUSH; it is
// safe to call even when the CPU has not modified the region.
func InvalidateCache(b []byte) {
	FlushCache(b)
}
