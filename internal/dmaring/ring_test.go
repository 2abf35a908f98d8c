package dmaring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcmfmac/msgbuf/internal/dmabuf"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	const itemSize = 8
	const capacity = 4
	backing := dmabuf.New(0x2000, make([]byte, itemSize*capacity), dmabuf.Cached)

	writeIdx := NewAtomicCell()
	readIdx := NewAtomicCell()
	signal := NewAtomicCell()

	wr, err := NewWriteDmaRing(backing, itemSize, capacity, writeIdx, readIdx, signal)
	require.NoError(t, err)
	rr, err := NewReadDmaRing(backing, itemSize, capacity, readIdx, writeIdx)
	require.NoError(t, err)

	assert.Equal(t, uint16(capacity-1), wr.AvailableWrites())
	assert.Equal(t, uint16(0), rr.AvailableReads())

	buf, err := wr.MapWrite(2)
	require.NoError(t, err)
	copy(buf, []byte("ABCDEFGHIJKLMNOP"))
	require.NoError(t, wr.CommitWrite(2))
	assert.Equal(t, uint32(1), signal.Load())

	assert.Equal(t, uint16(2), rr.AvailableReads())
	got, err := rr.MapRead(2)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNOP", string(got))
	require.NoError(t, rr.CommitRead(2))
	assert.Equal(t, uint16(0), rr.AvailableReads())
}

func TestUnavailableDoesNotMutateState(t *testing.T) {
	const itemSize = 4
	const capacity = 4
	backing := dmabuf.New(0, make([]byte, itemSize*capacity), dmabuf.Cached)
	writeIdx := NewAtomicCell()
	readIdx := NewAtomicCell()

	wr, err := NewWriteDmaRing(backing, itemSize, capacity, writeIdx, readIdx, nil)
	require.NoError(t, err)

	_, err = wr.MapWrite(capacity) // only capacity-1 ever available
	assert.Error(t, err)
	assert.Equal(t, uint32(0), writeIdx.Load())

	err = wr.CommitWrite(capacity)
	assert.Error(t, err)
	assert.Equal(t, uint32(0), writeIdx.Load())
}

func TestRingNeverReportsWrapWithinOneCall(t *testing.T) {
	const itemSize = 4
	const capacity = 4
	backing := dmabuf.New(0, make([]byte, itemSize*capacity), dmabuf.Cached)
	writeIdx := NewAtomicCell()
	readIdx := NewAtomicCell()

	wr, err := NewWriteDmaRing(backing, itemSize, capacity, writeIdx, readIdx, nil)
	require.NoError(t, err)
	rr, err := NewReadDmaRing(backing, itemSize, capacity, readIdx, writeIdx)
	require.NoError(t, err)

	// Push the write cursor near the end: write 3 items (cursor at 3).
	_, err = wr.MapWrite(3)
	require.NoError(t, err)
	require.NoError(t, wr.CommitWrite(3))
	require.NoError(t, rr.CommitRead(3))

	// Now read cursor is at 3, write cursor is at 3 (empty). Write 3 more
	// would wrap past the end; only 1 item fits before the linear end.
	assert.Equal(t, uint16(1), wr.AvailableWrites())
}
