// Package bus defines the external interfaces the transport core consumes
// from whatever actually talks to the chipset (PCIe, SDIO, or a test
// harness), plus the configuration that describes ring geometry.
package bus

import (
	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/dmaring"
)

// DmaConfig describes ring and buffer-pool geometry negotiated with
// firmware. Defaults mirror the spec's recorded defaults; a real bus
// backend overwrites them with values firmware reports, where firmware
// reports any.
type DmaConfig struct {
	MaxFlowRings      int
	FlowRingOffset    int
	MaxIoctlRxBuffers int
	MaxEventRxBuffers int
	MaxRxBuffers      int
	RxDataOffset      int

	// MaxRxBufPost is the cap on outstanding data-plane RX buffers.
	// Firmware sometimes reports 0, meaning "use the default" rather than
	// "want zero buffers" -- Normalize below applies that default.
	MaxRxBufPost uint32

	ControlSubmitCapacity   int
	RxBufferSubmitCapacity  int
	ControlCompleteCapacity int
	TxCompleteCapacity      int
	RxCompleteCapacity      int
	FlowRingCapacity        int
}

// DefaultMaxRxBufPost is used whenever firmware reports 0 for this field,
// per the recorded open-question resolution.
const DefaultMaxRxBufPost = 255

// DefaultDmaConfig returns reasonable defaults for development and testing.
func DefaultDmaConfig() DmaConfig {
	return DmaConfig{
		MaxFlowRings:            256,
		FlowRingOffset:          2,
		MaxIoctlRxBuffers:       8,
		MaxEventRxBuffers:       8,
		MaxRxBuffers:            64,
		RxDataOffset:            8,
		MaxRxBufPost:            DefaultMaxRxBufPost,
		ControlSubmitCapacity:   64,
		RxBufferSubmitCapacity:  128,
		ControlCompleteCapacity: 64,
		TxCompleteCapacity:      128,
		RxCompleteCapacity:      128,
		FlowRingCapacity:        256,
	}
}

// Normalize applies the MaxRxBufPost==0 firmware quirk.
func (c DmaConfig) Normalize() DmaConfig {
	if c.MaxRxBufPost == 0 {
		c.MaxRxBufPost = DefaultMaxRxBufPost
	}
	return c
}

// BufferProvider creates DMA-visible buffers.
type BufferProvider interface {
	CreateDmaBuffer(policy dmabuf.CachePolicy, size int) (*dmabuf.DmaBuffer, error)
}

// RingProvider hands out the fixed set of rings the ring handler drives,
// plus per-flow-ring creation. The five fixed rings are retained by the
// provider and returned identically on every call.
type RingProvider interface {
	Config() DmaConfig
	ControlSubmitRing() *dmaring.WriteDmaRing
	RxBufferSubmitRing() *dmaring.WriteDmaRing
	ControlCompleteRing() *dmaring.ReadDmaRing
	TxCompleteRing() *dmaring.ReadDmaRing
	RxCompleteRing() *dmaring.ReadDmaRing
	CreateFlowRing(index int) (*dmaring.WriteDmaRing, error)
}

// InterruptHandler is notified of a doorbell event and returns which bits
// it handled, for acking.
type InterruptHandler interface {
	HandleInterrupt(mailboxBits uint32) uint32
}

// InterruptProvider delivers doorbell events to registered handlers.
type InterruptProvider interface {
	AddInterruptHandler(h InterruptHandler) error
	RemoveInterruptHandler(h InterruptHandler)
}

// Bus is the full set of collaborators the ring handler needs from
// whatever sits beneath it.
type Bus interface {
	BufferProvider
	RingProvider
	InterruptProvider
}
