// Package dmabuf models a single contiguous DMA-visible buffer: a region
// the device can address directly, with an independent, optional CPU
// mapping. A DmaBuffer is created by a bus's buffer provider and is pinned
// for device access for its entire lifetime; the CPU mapping may be
// attached and detached any number of times in between.
package dmabuf

import (
	"sync"

	"github.com/brcmfmac/msgbuf/internal/kerr"
)

// CachePolicy selects whether a buffer's CPU mapping participates in the
// normal cache hierarchy or bypasses it.
type CachePolicy int

const (
	// Cached buffers require explicit flush/invalidate around every
	// ownership transfer (see internal/barrier).
	Cached CachePolicy = iota
	// Uncached buffers are always coherent but typically restricted to a
	// single page by the underlying allocator.
	Uncached
)

func (p CachePolicy) String() string {
	if p == Uncached {
		return "uncached"
	}
	return "cached"
}

// DmaBuffer is a device-pinned region with an optional CPU mapping.
type DmaBuffer struct {
	mu          sync.Mutex
	size        int
	deviceAddr  uint64
	cachePolicy CachePolicy
	cpu         []byte
	mapped      bool
	closed      bool
}

// New wraps an already-allocated region. cpu may be nil if the provider
// only hands out a device address (e.g. an MMIO-only region); deviceAddr is
// whatever the bus considers a stable device-visible address for this
// region, already pinned.
func New(deviceAddr uint64, cpu []byte, policy CachePolicy) *DmaBuffer {
	return &DmaBuffer{
		size:        len(cpu),
		deviceAddr:  deviceAddr,
		cachePolicy: policy,
		cpu:         cpu,
	}
}

// Size returns the buffer's size in bytes.
func (b *DmaBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// CachePolicy returns the policy the buffer was created with.
func (b *DmaBuffer) CachePolicy() CachePolicy {
	return b.cachePolicy
}

// DeviceAddress returns the address the device should use to reach this
// buffer. Valid for the lifetime of the DmaBuffer.
func (b *DmaBuffer) DeviceAddress() uint64 {
	return b.deviceAddr
}

// Map attaches (or returns the existing) CPU mapping.
func (b *DmaBuffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, kerr.New("DmaBuffer.Map", kerr.CodeBadState, "buffer closed")
	}
	b.mapped = true
	return b.cpu, nil
}

// Unmap detaches the CPU mapping. The underlying memory is untouched; a
// subsequent Map call returns the same slice.
func (b *DmaBuffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapped = false
}

// Mapped reports whether the CPU mapping is currently attached.
func (b *DmaBuffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

// CPU returns the backing slice directly, without affecting mapped state.
// Internal callers (DmaPool, DmaRing) that already know the buffer is live
// use this rather than paying the Map/Unmap bookkeeping cost on every
// access.
func (b *DmaBuffer) CPU() []byte {
	return b.cpu
}

// Close releases the CPU mapping and marks the buffer unusable. It does not
// return the underlying memory to the bus; that is the provider's
// responsibility.
func (b *DmaBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.mapped = false
	b.closed = true
	return nil
}
