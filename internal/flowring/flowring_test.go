package flowring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/dmapool"
	"github.com/brcmfmac/msgbuf/internal/dmaring"
	"github.com/brcmfmac/msgbuf/internal/kerr"
	"github.com/brcmfmac/msgbuf/internal/wire"
)

func newTestRing(t *testing.T, capacity int) *dmaring.WriteDmaRing {
	t.Helper()
	backing := dmabuf.New(0x1000, make([]byte, wire.TxRequestSize*capacity), dmabuf.Cached)
	ring, err := dmaring.NewWriteDmaRing(backing, wire.TxRequestSize, capacity, dmaring.NewAtomicCell(), dmaring.NewAtomicCell(), nil)
	require.NoError(t, err)
	return ring
}

func newTestTxPool(t *testing.T, bufferSize, bufferCount int) *dmapool.DmaPool {
	t.Helper()
	backing := dmabuf.New(0x2000, make([]byte, bufferSize*bufferCount), dmabuf.Cached)
	pool, err := dmapool.New(backing, bufferSize, bufferCount)
	require.NoError(t, err)
	return pool
}

func TestQueueAcceptedInOpeningAndOpen(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	assert.NoError(t, fr.Queue(&Frame{Data: []byte("a")}))
	assert.NoError(t, fr.NotifyOpened())
	assert.NoError(t, fr.Queue(&Frame{Data: []byte("b")}))
	assert.True(t, fr.HasPending())
}

func TestQueueRejectedWhileClosing(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	require.NoError(t, fr.Close())
	err := fr.Queue(&Frame{Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeConnectionAborted))
}

func TestQueueRejectedWhileClosed(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	require.NoError(t, fr.Close())
	require.NoError(t, fr.NotifyClosed())
	err := fr.Queue(&Frame{Data: []byte("x")})
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeBadState))
	assert.Equal(t, Closed, fr.State())
}

func TestQueuedFramesSurviveOpeningToOpenTransition(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	done := false
	require.NoError(t, fr.Queue(&Frame{Data: []byte("hello"), Done: func(err error) {
		done = true
		assert.NoError(t, err)
	}}))
	require.NoError(t, fr.NotifyOpened())
	assert.True(t, fr.HasPending())

	pool := newTestTxPool(t, 256, 4)
	n, _, err := fr.Submit(pool, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, done)
	assert.False(t, fr.HasPending())
}

func TestNotifyOpenedWhileClosingRacesToOpen(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.Close())
	require.NoError(t, fr.NotifyOpened())
	assert.Equal(t, Open, fr.State())
}

func TestNotifyOpenedUnexpectedInOpenFails(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	err := fr.NotifyOpened()
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeBadState))
}

func TestCloseFailsQueuedFramesWithAborted(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())

	var completedErr error
	require.NoError(t, fr.Queue(&Frame{Data: []byte("x"), Done: func(err error) { completedErr = err }}))

	require.NoError(t, fr.Close())
	require.NoError(t, fr.NotifyClosed())
	require.Error(t, completedErr)
	assert.True(t, kerr.Is(completedErr, kerr.CodeConnectionAborted))
	assert.Equal(t, Closed, fr.State())
	assert.False(t, fr.HasPending())
}

func TestNotifyClosedUnexpectedInOpenFails(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	err := fr.NotifyClosed()
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeBadState))
}

func TestCloseFromClosedFails(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	require.NoError(t, fr.Close())
	require.NoError(t, fr.NotifyClosed())
	err := fr.Close()
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeBadState))
}

func TestSubmitWhileOpeningIsNoOp(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.Queue(&Frame{Data: []byte("x")}))
	pool := newTestTxPool(t, 256, 4)
	n, _, err := fr.Submit(pool, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, fr.HasPending())
}

func TestSubmitWhileClosedFails(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	require.NoError(t, fr.Close())
	require.NoError(t, fr.NotifyClosed())
	pool := newTestTxPool(t, 256, 4)
	_, _, err := fr.Submit(pool, 10)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.CodeBadState))
}

func TestSubmitRejectsOversizedFrameAndContinues(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())

	var oversizedErr error
	require.NoError(t, fr.Queue(&Frame{Data: make([]byte, wire.TxHeaderSize+300), Done: func(err error) { oversizedErr = err }}))
	var okErr error
	require.NoError(t, fr.Queue(&Frame{Data: []byte("small"), Done: func(err error) { okErr = err }}))

	pool := newTestTxPool(t, 256, 4)
	n, _, err := fr.Submit(pool, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Error(t, oversizedErr)
	assert.True(t, kerr.Is(oversizedErr, kerr.CodeNoResources))
	assert.NoError(t, okErr)
}

func TestSubmitStopsCleanlyOnPoolExhaustion(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	for i := 0; i < 3; i++ {
		require.NoError(t, fr.Queue(&Frame{Data: make([]byte, wire.TxHeaderSize+10)}))
	}
	pool := newTestTxPool(t, 256, 2)
	n, _, err := fr.Submit(pool, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, fr.HasPending())
}

func TestSubmitStopsCleanlyOnRingFull(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 2))
	require.NoError(t, fr.NotifyOpened())
	for i := 0; i < 5; i++ {
		require.NoError(t, fr.Queue(&Frame{Data: make([]byte, wire.TxHeaderSize+10)}))
	}
	pool := newTestTxPool(t, 256, 16)
	n, _, err := fr.Submit(pool, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // capacity 2 reserves one slot to disambiguate full/empty
	assert.True(t, fr.HasPending())
}

func TestAbortAllFailsQueuedFramesImmediately(t *testing.T) {
	fr := New(0, 1, newTestRing(t, 8))
	require.NoError(t, fr.NotifyOpened())
	var gotErr error
	require.NoError(t, fr.Queue(&Frame{Data: []byte("x"), Done: func(err error) { gotErr = err }}))

	abortErr := kerr.New("test", kerr.CodeConnectionAborted, "terminated with extreme prejudice")
	fr.AbortAll(abortErr)
	assert.Equal(t, abortErr, gotErr)
	assert.Equal(t, Closed, fr.State())
	assert.False(t, fr.HasPending())
}
