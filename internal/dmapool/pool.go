// Package dmapool implements the fixed-size buffer pool carved out of a
// single DmaBuffer. Leasing is lock-free: a Treiber-style free list links
// slots by index rather than by pointer, and the list head packs a 32-bit
// index with a 32-bit counter into one atomic.Uint64 so every
// compare-and-swap that touches the head also advances the counter. That
// gives the same ABA protection a tagged pointer would, without needing a
// double-word CAS or stamping bits into a real pointer (which would defeat
// the garbage collector).
package dmapool

import (
	"sync/atomic"

	"github.com/brcmfmac/msgbuf/internal/barrier"
	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/kerr"
)

// State is a slot's lifecycle stage.
type State uint32

const (
	// StateFree: on the free list, available to Allocate.
	StateFree State = iota
	// StateAllocated: leased to a caller-held Buffer.
	StateAllocated
	// StateReleased: lease handed to the device; reclaimable by index via
	// Acquire, not by Allocate.
	StateReleased
)

const nilIndex uint32 = 0xFFFFFFFF

type record struct {
	next  uint32 // valid only for slots currently on the free list
	state atomic.Uint32
}

// DmaPool is a fixed set of same-sized buffers carved out of one backing
// DmaBuffer.
type DmaPool struct {
	backing     *dmabuf.DmaBuffer
	bufferSize  int
	bufferCount int
	records     []record
	head        atomic.Uint64
}

func packHead(index, counter uint32) uint64 {
	return uint64(counter)<<32 | uint64(index)
}

func unpackHead(v uint64) (index, counter uint32) {
	return uint32(v), uint32(v >> 32)
}

// New carves a pool of bufferCount slots of bufferSize bytes each out of
// backing. backing must be Cached (the pool manages its own cache
// discipline) and large enough to hold every slot.
func New(backing *dmabuf.DmaBuffer, bufferSize, bufferCount int) (*DmaPool, error) {
	if backing.CachePolicy() != dmabuf.Cached {
		return nil, kerr.New("dmapool.New", kerr.CodeInvalidArgs, "backing buffer must be cached")
	}
	if bufferSize <= 0 || bufferCount <= 0 {
		return nil, kerr.New("dmapool.New", kerr.CodeInvalidArgs, "bufferSize and bufferCount must be positive")
	}
	if backing.Size() < bufferSize*bufferCount {
		return nil, kerr.New("dmapool.New", kerr.CodeInvalidArgs, "backing buffer too small")
	}

	p := &DmaPool{
		backing:     backing,
		bufferSize:  bufferSize,
		bufferCount: bufferCount,
		records:     make([]record, bufferCount),
	}
	for i := 0; i < bufferCount; i++ {
		if i == bufferCount-1 {
			p.records[i].next = nilIndex
		} else {
			p.records[i].next = uint32(i + 1)
		}
		p.records[i].state.Store(uint32(StateFree))
	}
	p.head.Store(packHead(0, 0))
	return p, nil
}

// BufferSize returns the size of each slot.
func (p *DmaPool) BufferSize() int { return p.bufferSize }

// BufferCount returns the total number of slots.
func (p *DmaPool) BufferCount() int { return p.bufferCount }

// Allocate pops a slot from the free list. Existing contents are treated as
// already-read garbage: the returned Buffer's read high-water starts at the
// full buffer size, so MapRead invalidates nothing until a Pin resets it.
func (p *DmaPool) Allocate() (*Buffer, error) {
	for {
		old := p.head.Load()
		idx, counter := unpackHead(old)
		if idx == nilIndex {
			return nil, kerr.New("DmaPool.Allocate", kerr.CodeNoResources, "pool exhausted")
		}
		next := p.records[idx].next
		if p.head.CompareAndSwap(old, packHead(next, counter+1)) {
			p.records[idx].state.Store(uint32(StateAllocated))
			return &Buffer{pool: p, index: idx, readHighWater: p.bufferSize}, nil
		}
	}
}

// Acquire re-leases a slot previously handed to the device with
// Buffer.Release, identified by its index (as carried in a completion
// record's request_id field, for example).
func (p *DmaPool) Acquire(index uint32) (*Buffer, error) {
	if index >= uint32(p.bufferCount) {
		return nil, kerr.New("DmaPool.Acquire", kerr.CodeOutOfRange, "index out of range")
	}
	if !p.records[index].state.CompareAndSwap(uint32(StateReleased), uint32(StateAllocated)) {
		if State(p.records[index].state.Load()) == StateFree {
			return nil, kerr.New("DmaPool.Acquire", kerr.CodeNotFound, "slot is on the free list, not released")
		}
		return nil, kerr.New("DmaPool.Acquire", kerr.CodeBadState, "slot is not in the released state")
	}
	return &Buffer{pool: p, index: index, readHighWater: 0}, nil
}

func (p *DmaPool) push(idx uint32) {
	for {
		old := p.head.Load()
		oldIdx, counter := unpackHead(old)
		p.records[idx].next = oldIdx
		p.records[idx].state.Store(uint32(StateFree))
		if p.head.CompareAndSwap(old, packHead(idx, counter+1)) {
			return
		}
	}
}

// Buffer is a lease on one pool slot.
type Buffer struct {
	pool           *DmaPool
	index          uint32
	readHighWater  int
	writeHighWater int
}

// Index returns the slot index this buffer leases, stable across
// Release/Acquire round trips.
func (b *Buffer) Index() uint32 { return b.index }

func (b *Buffer) slot() []byte {
	off := int(b.index) * b.pool.bufferSize
	return b.pool.backing.CPU()[off : off+b.pool.bufferSize]
}

// MapRead returns the first size bytes of the slot for CPU reading,
// invalidating the CPU cache over whatever portion of that range has not
// already been invalidated since the last ownership transfer.
func (b *Buffer) MapRead(size int) ([]byte, error) {
	if size < 0 || size > b.pool.bufferSize {
		return nil, kerr.New("Buffer.MapRead", kerr.CodeOutOfRange, "size exceeds buffer capacity")
	}
	if size > b.readHighWater {
		barrier.InvalidateCache(b.slot()[b.readHighWater:size])
		barrier.AcquireFence()
		b.readHighWater = size
	}
	return b.slot()[:size], nil
}

// MapWrite returns the first size bytes of the slot for CPU writing. The
// cache is not flushed until Pin is called.
func (b *Buffer) MapWrite(size int) ([]byte, error) {
	if size < 0 || size > b.pool.bufferSize {
		return nil, kerr.New("Buffer.MapWrite", kerr.CodeOutOfRange, "size exceeds buffer capacity")
	}
	if size > b.writeHighWater {
		b.writeHighWater = size
	}
	return b.slot()[:size], nil
}

// Pin flushes the CPU cache over everything written since the last
// ownership transfer, issues a release fence, resets both high-water marks,
// and returns the device-visible address of this slot.
func (b *Buffer) Pin() (uint64, error) {
	barrier.ReleaseFence()
	if b.writeHighWater > 0 {
		barrier.FlushCache(b.slot()[:b.writeHighWater])
	}
	b.readHighWater = 0
	b.writeHighWater = 0
	return b.pool.backing.DeviceAddress() + uint64(int(b.index)*b.pool.bufferSize), nil
}

// Release hands the lease to the device: the slot stays allocated but can
// be reclaimed by index via DmaPool.Acquire.
func (b *Buffer) Release() {
	b.pool.records[b.index].state.Store(uint32(StateReleased))
}

// Reset returns the slot to the free list, available to the next Allocate.
func (b *Buffer) Reset() {
	b.pool.push(b.index)
}
