package dmabuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	cpu := make([]byte, 4096)
	buf := New(0xdead0000, cpu, Cached)

	mapped, err := buf.Map()
	require.NoError(t, err)
	assert.True(t, buf.Mapped())

	copy(mapped, []byte("hello"))
	assert.Equal(t, "hello", string(buf.CPU()[:5]))

	buf.Unmap()
	assert.False(t, buf.Mapped())

	// Unmap does not clear content; remapping observes the same bytes.
	remapped, err := buf.Map()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(remapped[:5]))
}

func TestMapAfterCloseFails(t *testing.T) {
	buf := New(1, make([]byte, 16), Uncached)
	require.NoError(t, buf.Close())

	_, err := buf.Map()
	assert.Error(t, err)
}

func TestSizeAndDeviceAddress(t *testing.T) {
	buf := New(0x1234, make([]byte, 128), Cached)
	assert.Equal(t, 128, buf.Size())
	assert.Equal(t, uint64(0x1234), buf.DeviceAddress())
	assert.Equal(t, "cached", buf.CachePolicy().String())
}
