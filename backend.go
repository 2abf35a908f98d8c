package msgbuf

import (
	"context"
	"fmt"

	"github.com/brcmfmac/msgbuf/internal/bus"
	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/dmapool"
	"github.com/brcmfmac/msgbuf/internal/flowring"
	"github.com/brcmfmac/msgbuf/internal/flowringhandler"
	"github.com/brcmfmac/msgbuf/internal/ringhandler"
)

// EventHandler receives a decoded firmware event payload for an interface.
type EventHandler = ringhandler.EventHandler

// DataHandler receives one received data-plane frame for an interface.
type DataHandler = ringhandler.DataHandler

// Frame is one caller-submitted transmit frame: a TX header followed by its
// payload, with an optional completion callback.
type Frame = flowring.Frame

// Config configures buffer sizing and RX-credit replenishment targets for a
// Transport. Ring and flow-ring-table geometry itself comes from the bus's
// own DmaConfig, since that is negotiated with firmware, not chosen here.
type Config struct {
	// IoctlEventBufferSize is the size of each buffer posted for ioctl
	// responses and firmware events, which share one pool.
	IoctlEventBufferSize int

	// DataBufferSize is the size of each buffer posted for data-plane
	// receive frames.
	DataBufferSize int

	// TxBufferSize and TxBufferCount size the transmit buffer pool every
	// flow ring leases from.
	TxBufferSize  int
	TxBufferCount int

	// RequiredIoctlRx, RequiredEventRx, and RequiredRx are the steady-state
	// number of outstanding posted buffers of each kind the ring handler
	// tries to maintain.
	RequiredIoctlRx int
	RequiredEventRx int
	RequiredRx      int
}

// DefaultConfig returns buffer sizes and RX-credit targets suitable for
// development and testing against SimulatedBus.
func DefaultConfig() Config {
	return Config{
		IoctlEventBufferSize: 1600,
		DataBufferSize:       2048,
		TxBufferSize:         1600,
		TxBufferCount:        256,
		RequiredIoctlRx:      8,
		RequiredEventRx:      8,
		RequiredRx:           64,
	}
}

// Transport is the brcmfmac-style MSGBUF ring transport: the five fixed
// rings (ioctl/event submit and complete, TX complete, RX complete, RX
// buffer submit) plus the per-destination flow rings layered over them,
// talking to whatever sits behind the bus.Bus abstraction.
type Transport struct {
	b    bus.Bus
	ring *ringhandler.MsgbufRingHandler
	flow *flowringhandler.FlowRingHandler

	metrics *Metrics
}

// New builds and starts a Transport over b. eventHandler and dataHandler
// may be nil. The returned Transport owns b's interrupt registration until
// Close.
func New(b bus.Bus, cfg Config, eventHandler EventHandler, dataHandler DataHandler) (*Transport, error) {
	dmaCfg := b.Config().Normalize()

	ioctlEventCount := dmaCfg.MaxIoctlRxBuffers + dmaCfg.MaxEventRxBuffers
	ioctlEventPool, err := newDmaPool(b, cfg.IoctlEventBufferSize, ioctlEventCount)
	if err != nil {
		return nil, fmt.Errorf("msgbuf: ioctl/event buffer pool: %w", err)
	}
	dataRxPool, err := newDmaPool(b, cfg.DataBufferSize, dmaCfg.MaxRxBuffers)
	if err != nil {
		return nil, fmt.Errorf("msgbuf: rx buffer pool: %w", err)
	}
	txPool, err := newDmaPool(b, cfg.TxBufferSize, cfg.TxBufferCount)
	if err != nil {
		return nil, fmt.Errorf("msgbuf: tx buffer pool: %w", err)
	}

	flow := flowringhandler.New(b, txPool)

	ringCfg := ringhandler.Config{
		RequiredIoctlRx: cfg.RequiredIoctlRx,
		RequiredEventRx: cfg.RequiredEventRx,
		RequiredRx:      cfg.RequiredRx,
		RxDataOffset:    dmaCfg.RxDataOffset,
	}
	ring := ringhandler.New(b, ioctlEventPool, dataRxPool, txPool, ringCfg, eventHandler, dataHandler, flow)

	metrics := NewMetrics()
	observer := NewMetricsObserver(metrics)
	ring.SetObserver(observer)
	flow.SetObserver(observer)

	if err := ring.Start(); err != nil {
		return nil, fmt.Errorf("msgbuf: starting ring handler: %w", err)
	}

	return &Transport{b: b, ring: ring, flow: flow, metrics: metrics}, nil
}

func newDmaPool(b bus.Bus, bufferSize, bufferCount int) (*dmapool.DmaPool, error) {
	buf, err := b.CreateDmaBuffer(dmabuf.Cached, bufferSize*bufferCount)
	if err != nil {
		return nil, err
	}
	return dmapool.New(buf, bufferSize, bufferCount)
}

// AddInterface registers an interface onto which flow rings may be created,
// tagging outgoing flow ring creation requests with sourceMAC.
func (t *Transport) AddInterface(ifIdx int, sourceMAC [6]byte, isAPMode bool) {
	t.flow.AddInterface(ifIdx, sourceMAC, isAPMode)
}

// RemoveInterface tears down every flow ring the interface owns.
func (t *Transport) RemoveInterface(ifIdx int) error {
	return t.flow.RemoveInterface(ifIdx)
}

// NotifyFlowRingDestroyed tells the flow ring handler that a closed flow
// ring's slot may be forgotten. Open and close acknowledgements need no such
// call: the ring handler parses FlowRingCreateResponse and
// FlowRingDeleteResponse entries off the control complete ring and forwards
// them to the flow ring handler itself.
func (t *Transport) NotifyFlowRingDestroyed(flowRingIdx int) {
	t.flow.NotifyFlowRingDestroyed(flowRingIdx)
}

// Ioctl posts an ioctl request and blocks until firmware responds or ctx is
// done. Only one ioctl may be outstanding at a time.
func (t *Transport) Ioctl(ctx context.Context, ifIdx uint8, cmd uint32, txData []byte, rxSize int) ([]byte, int16, error) {
	return t.ring.Ioctl(ctx, ifIdx, cmd, txData, rxSize)
}

// SendFrame queues frame for transmission on ifIdx's flow ring to destMAC
// at the given 802.1D priority (creating the flow ring with a firmware
// round trip if this is the first frame to that destination), then drains
// the submit queue immediately.
func (t *Transport) SendFrame(ifIdx int, destMAC [6]byte, priority uint8, frame *Frame) error {
	if err := t.flow.QueueFrame(ifIdx, destMAC, priority, frame); err != nil {
		return err
	}
	t.flow.SubmitToFlowRings()
	return nil
}

// Metrics returns the transport's metrics counters.
func (t *Transport) Metrics() *Metrics {
	return t.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the transport's
// metrics.
func (t *Transport) MetricsSnapshot() MetricsSnapshot {
	return t.metrics.Snapshot()
}

// Close stops the ring handler's worker goroutine, unregisters the
// interrupt handler, and marks the metrics as stopped.
func (t *Transport) Close() error {
	t.metrics.Stop()
	return t.ring.Close()
}
