// Package dmaring implements the single-producer/single-consumer DMA rings
// the transport core reads and writes: a fixed-size-item ring whose
// read/write indices live in device-shared memory and whose body is
// subject to the same cache-coherence discipline as DmaPool. A ring never
// wraps within a single call: an operation near the linear end of the
// backing buffer returns only what fits before the end, never spanning
// across it.
package dmaring

import (
	"sync/atomic"

	"github.com/brcmfmac/msgbuf/internal/barrier"
	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/kerr"
)

// DeviceCell is a single device-shared 32-bit cell: a ring index or a
// doorbell/write-signal register. The in-process simulated bus backs this
// with a plain atomic.Uint32; a real bus backend backs it with an atomic
// view over mmap'd device memory.
type DeviceCell interface {
	Load() uint32
	Store(v uint32)
}

// AtomicCell is the in-process DeviceCell implementation used by the
// simulated bus and by unit tests.
type AtomicCell struct {
	v atomic.Uint32
}

// NewAtomicCell returns a zeroed device cell.
func NewAtomicCell() *AtomicCell { return &AtomicCell{} }

func (c *AtomicCell) Load() uint32    { return c.v.Load() }
func (c *AtomicCell) Store(v uint32)  { c.v.Store(v) }

// ReadDmaRing is the consumer side of a ring: the device produces entries
// by advancing writeIdx, the CPU consumes them by advancing readIdx.
type ReadDmaRing struct {
	backing  *dmabuf.DmaBuffer
	itemSize int
	capacity int
	readIdx  DeviceCell
	writeIdx DeviceCell

	invalidateHighWater int // bytes ahead of the read cursor already invalidated
}

// NewReadDmaRing builds a consumer ring over backing, using readIdx
// (CPU-owned) and writeIdx (device-owned) as the shared index cells.
func NewReadDmaRing(backing *dmabuf.DmaBuffer, itemSize, capacity int, readIdx, writeIdx DeviceCell) (*ReadDmaRing, error) {
	if itemSize <= 0 || capacity <= 0 {
		return nil, kerr.New("NewReadDmaRing", kerr.CodeInvalidArgs, "itemSize and capacity must be positive")
	}
	if backing.Size() < itemSize*capacity {
		return nil, kerr.New("NewReadDmaRing", kerr.CodeInvalidArgs, "backing buffer too small for ring")
	}
	return &ReadDmaRing{backing: backing, itemSize: itemSize, capacity: capacity, readIdx: readIdx, writeIdx: writeIdx}, nil
}

// AvailableReads returns how many whole items the CPU may read right now,
// clamped so the result never spans the linear end of the backing buffer.
func (r *ReadDmaRing) AvailableReads() uint16 {
	read := r.readIdx.Load()
	write := r.writeIdx.Load()
	occupancy := (write + uint32(r.capacity) - read) % uint32(r.capacity)
	linearRemaining := uint32(r.capacity) - read
	if occupancy > linearRemaining {
		occupancy = linearRemaining
	}
	return uint16(occupancy)
}

// MapRead returns a slice over the next n items without advancing the read
// cursor, invalidating the CPU cache over any portion of that range not
// already invalidated since the last wrap.
func (r *ReadDmaRing) MapRead(n uint16) ([]byte, error) {
	if n > r.AvailableReads() {
		return nil, kerr.New("ReadDmaRing.MapRead", kerr.CodeUnavailable, "requested more items than available")
	}
	read := r.readIdx.Load()
	offset := int(read) * r.itemSize
	length := int(n) * r.itemSize
	data := r.backing.CPU()[offset : offset+length]
	if length > r.invalidateHighWater {
		barrier.InvalidateCache(data[r.invalidateHighWater:length])
		barrier.AcquireFence()
		r.invalidateHighWater = length
	}
	return data, nil
}

// CommitRead advances the read cursor by n items, wrapping at capacity.
func (r *ReadDmaRing) CommitRead(n uint16) error {
	if n > r.AvailableReads() {
		return kerr.New("ReadDmaRing.CommitRead", kerr.CodeUnavailable, "requested more items than available")
	}
	read := r.readIdx.Load()
	newRead := read + uint32(n)
	wrapped := newRead >= uint32(r.capacity)
	if wrapped {
		newRead -= uint32(r.capacity)
	}
	r.readIdx.Store(newRead)
	if wrapped {
		r.invalidateHighWater = 0
	} else {
		r.invalidateHighWater -= int(n) * r.itemSize
		if r.invalidateHighWater < 0 {
			r.invalidateHighWater = 0
		}
	}
	return nil
}

// WriteDmaRing is the producer side of a ring: the CPU produces entries by
// advancing writeIdx, the device consumes them by advancing readIdx. One
// slot is always left empty so a full ring is distinguishable from an empty
// one purely from the indices.
type WriteDmaRing struct {
	backing     *dmabuf.DmaBuffer
	itemSize    int
	capacity    int
	writeIdx    DeviceCell
	readIdx     DeviceCell
	writeSignal DeviceCell // doorbell; may be nil

	cleanHighWater int // bytes ahead of the write cursor pending a flush
}

// NewWriteDmaRing builds a producer ring. writeSignal may be nil if the bus
// has no separate doorbell register for this ring.
func NewWriteDmaRing(backing *dmabuf.DmaBuffer, itemSize, capacity int, writeIdx, readIdx, writeSignal DeviceCell) (*WriteDmaRing, error) {
	if itemSize <= 0 || capacity <= 0 {
		return nil, kerr.New("NewWriteDmaRing", kerr.CodeInvalidArgs, "itemSize and capacity must be positive")
	}
	if backing.Size() < itemSize*capacity {
		return nil, kerr.New("NewWriteDmaRing", kerr.CodeInvalidArgs, "backing buffer too small for ring")
	}
	return &WriteDmaRing{backing: backing, itemSize: itemSize, capacity: capacity, writeIdx: writeIdx, readIdx: readIdx, writeSignal: writeSignal}, nil
}

// AvailableWrites returns how many whole items the CPU may write right now,
// reserving one slot to disambiguate full from empty and clamped so the
// result never spans the linear end of the backing buffer.
func (r *WriteDmaRing) AvailableWrites() uint16 {
	write := r.writeIdx.Load()
	read := r.readIdx.Load()
	occupancy := (write + uint32(r.capacity) - read) % uint32(r.capacity)
	free := uint32(r.capacity) - occupancy - 1
	linearRemaining := uint32(r.capacity) - write
	if free > linearRemaining {
		free = linearRemaining
	}
	return uint16(free)
}

// AvailableReads returns how many committed entries the consumer has not
// yet consumed. Unlike ReadDmaRing.AvailableReads it is not clamped to the
// linear end of the backing buffer.
func (r *WriteDmaRing) AvailableReads() uint16 {
	write := r.writeIdx.Load()
	read := r.readIdx.Load()
	return uint16((write + uint32(r.capacity) - read) % uint32(r.capacity))
}

// MapWrite returns a slice over the next n items without advancing the
// write cursor. The cache is not flushed until CommitWrite.
func (r *WriteDmaRing) MapWrite(n uint16) ([]byte, error) {
	if n > r.AvailableWrites() {
		return nil, kerr.New("WriteDmaRing.MapWrite", kerr.CodeUnavailable, "requested more items than available")
	}
	write := r.writeIdx.Load()
	offset := int(write) * r.itemSize
	length := int(n) * r.itemSize
	if length > r.cleanHighWater {
		r.cleanHighWater = length
	}
	return r.backing.CPU()[offset : offset+length], nil
}

// CommitWrite flushes whatever of the committed range is pending a clean,
// advances the write cursor (wrapping at capacity), and raises the write
// signal doorbell if one is configured.
func (r *WriteDmaRing) CommitWrite(n uint16) error {
	if n > r.AvailableWrites() {
		return kerr.New("WriteDmaRing.CommitWrite", kerr.CodeUnavailable, "requested more items than available")
	}
	write := r.writeIdx.Load()
	offset := int(write) * r.itemSize
	length := int(n) * r.itemSize

	barrier.ReleaseFence()
	if length <= r.cleanHighWater {
		barrier.FlushCache(r.backing.CPU()[offset : offset+length])
	}

	newWrite := write + uint32(n)
	if newWrite >= uint32(r.capacity) {
		newWrite -= uint32(r.capacity)
	}
	r.writeIdx.Store(newWrite)

	r.cleanHighWater -= length
	if r.cleanHighWater < 0 {
		r.cleanHighWater = 0
	}
	if r.writeSignal != nil {
		r.writeSignal.Store(1)
	}
	return nil
}

// Capacity returns the ring's item capacity.
func (r *WriteDmaRing) Capacity() int { return r.capacity }

// Capacity returns the ring's item capacity.
func (r *ReadDmaRing) Capacity() int { return r.capacity }
