package dmapool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcmfmac/msgbuf/internal/dmabuf"
)

func newTestPool(t *testing.T, bufferSize, count int) *DmaPool {
	t.Helper()
	backing := dmabuf.New(0x1000, make([]byte, bufferSize*count), dmabuf.Cached)
	p, err := New(backing, bufferSize, count)
	require.NoError(t, err)
	return p
}

func TestNewRejectsUncachedBacking(t *testing.T) {
	backing := dmabuf.New(0, make([]byte, 64), dmabuf.Uncached)
	_, err := New(backing, 16, 4)
	assert.Error(t, err)
}

func TestNewRejectsUndersizedBacking(t *testing.T) {
	backing := dmabuf.New(0, make([]byte, 10), dmabuf.Cached)
	_, err := New(backing, 16, 4)
	assert.Error(t, err)
}

func TestAllocateExhaustion(t *testing.T) {
	p := newTestPool(t, 64, 2)

	b1, err := p.Allocate()
	require.NoError(t, err)
	b2, err := p.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, b1.Index(), b2.Index())

	_, err = p.Allocate()
	assert.Error(t, err)

	b1.Reset()
	b3, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, b1.Index(), b3.Index())
}

func TestAcquireRequiresReleasedState(t *testing.T) {
	p := newTestPool(t, 64, 2)
	b, err := p.Allocate()
	require.NoError(t, err)
	idx := b.Index()

	// Still allocated, not released.
	_, err = p.Acquire(idx)
	assert.Error(t, err)

	b.Release()
	reacquired, err := p.Acquire(idx)
	require.NoError(t, err)
	assert.Equal(t, idx, reacquired.Index())

	// Now allocated again, acquiring twice must fail.
	_, err = p.Acquire(idx)
	assert.Error(t, err)
}

func TestAcquireOnFreeSlotFails(t *testing.T) {
	p := newTestPool(t, 64, 2)
	_, err := p.Acquire(0)
	assert.Error(t, err)
}

func TestMapReadAfterPinReturnsWrittenBytes(t *testing.T) {
	p := newTestPool(t, 64, 1)
	b, err := p.Allocate()
	require.NoError(t, err)

	w, err := b.MapWrite(10)
	require.NoError(t, err)
	copy(w, []byte("0123456789"))
	addr, err := b.Pin()
	require.NoError(t, err)
	assert.NotZero(t, addr)

	r, err := b.MapRead(10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(r))
}

func TestConcurrentAllocateReleaseNoDoubleLease(t *testing.T) {
	const slots = 4
	const workers = 16
	const rounds = 2000

	p := newTestPool(t, 32, slots)
	held := make([]int32, slots)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				b, err := p.Allocate()
				if err != nil {
					continue
				}
				idx := b.Index()
				if held[idx] != 0 {
					t.Errorf("double lease detected on slot %d", idx)
				}
				held[idx] = 1
				held[idx] = 0
				b.Reset()
			}
		}()
	}
	wg.Wait()

	// All slots must be reclaimable, proving the free list lost nothing.
	seen := map[uint32]bool{}
	for i := 0; i < slots; i++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		seen[b.Index()] = true
	}
	assert.Len(t, seen, slots)
}
