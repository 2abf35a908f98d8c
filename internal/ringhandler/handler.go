// Package ringhandler implements MsgbufRingHandler: the component that owns
// the five fixed rings, serializes all submit-ring and RX-credit mutation
// onto one worker goroutine, and lets one interrupt goroutine drain the
// three completion rings concurrently with it. The two sides communicate
// only through a work queue guarded by a mutex and a condition variable.
package ringhandler

import (
	"context"
	"sync"
	"time"

	"github.com/brcmfmac/msgbuf/internal/bus"
	"github.com/brcmfmac/msgbuf/internal/dmapool"
	"github.com/brcmfmac/msgbuf/internal/kerr"
	"github.com/brcmfmac/msgbuf/internal/logging"
	"github.com/brcmfmac/msgbuf/internal/wire"
)

// MetricsObserver receives ioctl, data, and event metrics. Implemented
// structurally by the public package's Observer type; kept as an interface
// here so this package never has to import it.
type MetricsObserver interface {
	ObserveIoctl(latencyNs uint64, success bool)
	ObserveRx(bytes uint64, success bool)
	ObserveEvent()
}

// EventHandler receives a decoded wl_event payload (data already sliced to
// [rxDataOffset:][:eventSize]).
type EventHandler func(ifIdx uint8, data []byte)

// DataHandler receives one data-plane received frame.
type DataHandler func(ifIdx uint8, data []byte)

// FlowRingNotifier receives flow-ring lifecycle acknowledgements the ring
// handler parses off the control complete ring. Implemented by
// flowringhandler.FlowRingHandler; kept as an interface here so this package
// does not depend on it.
type FlowRingNotifier interface {
	NotifyFlowRingOpened(flowRingIdx int) error
	NotifyFlowRingClosed(flowRingIdx int) error
	TerminateWithExtremePrejudice(flowRingIdx int, cause error)
	SubmitToFlowRings()
}

// Config is the set of RX-credit replenishment targets and offsets
// negotiated with firmware.
type Config struct {
	RequiredIoctlRx int
	RequiredEventRx int
	RequiredRx      int
	RxDataOffset    int
}

type ioctlCall struct {
	transID uint16
	txBuf   *dmapool.Buffer
	done    chan ioctlResult
}

type ioctlResult struct {
	data          []byte
	firmwareError int16
	err           error
}

// MsgbufRingHandler is the transport core's single point of contact with
// the five fixed rings. Only the worker goroutine may touch submit rings,
// RX-credit counters, ioctlState, and the event/data handlers' call sites;
// only the interrupt goroutine reads completion rings. Both communicate
// exclusively through the work queue.
type MsgbufRingHandler struct {
	b        bus.Bus
	provider bus.RingProvider

	ioctlEventPool *dmapool.DmaPool
	dataRxPool     *dmapool.DmaPool
	txPool         *dmapool.DmaPool

	cfg          Config
	eventHandler EventHandler
	dataHandler  DataHandler
	flowNotifier FlowRingNotifier
	observer     MetricsObserver
	logger       *logging.Logger

	workMu     sync.Mutex
	workCond   *sync.Cond
	work       []func()
	workerExit bool
	workerWG   sync.WaitGroup

	interruptMu sync.Mutex

	// worker-goroutine-exclusive from here down.
	ioctlState  *ioctlCall
	nextTransID uint16

	ioctlRxOutstanding int
	eventRxOutstanding int
	rxOutstanding      int
}

// New builds a handler over b's fixed rings, leasing ioctl/event response
// buffers from ioctlEventPool, data-plane receive buffers from dataRxPool,
// and transmit buffers from txPool. eventHandler, dataHandler, and
// flowNotifier may be nil.
func New(b bus.Bus, ioctlEventPool, dataRxPool, txPool *dmapool.DmaPool, cfg Config, eventHandler EventHandler, dataHandler DataHandler, flowNotifier FlowRingNotifier) *MsgbufRingHandler {
	h := &MsgbufRingHandler{
		b:              b,
		provider:       b,
		ioctlEventPool: ioctlEventPool,
		dataRxPool:     dataRxPool,
		txPool:         txPool,
		cfg:            cfg,
		eventHandler:   eventHandler,
		dataHandler:    dataHandler,
		flowNotifier:   flowNotifier,
		logger:         logging.Default(),
	}
	h.workCond = sync.NewCond(&h.workMu)
	return h
}

// Start spins up the worker goroutine, posts the initial RX buffer
// replenishment, and registers the handler as the bus's interrupt handler.
func (h *MsgbufRingHandler) Start() error {
	h.workerWG.Add(1)
	go h.workerLoop()
	h.postWork(func() { h.queueRxBuffers() })
	return h.b.AddInterruptHandler(h)
}

// Close posts a sentinel work item, joins the worker goroutine, and
// unregisters the interrupt handler -- the original destructor's "signal,
// then join" shutdown sequence.
func (h *MsgbufRingHandler) Close() error {
	h.postWork(func() { h.workerExit = true })
	h.workerWG.Wait()
	h.b.RemoveInterruptHandler(h)
	return nil
}

func (h *MsgbufRingHandler) postWork(fn func()) {
	h.workMu.Lock()
	h.work = append(h.work, fn)
	h.workMu.Unlock()
	h.workCond.Signal()
}

func (h *MsgbufRingHandler) workerLoop() {
	defer h.workerWG.Done()
	for {
		h.workMu.Lock()
		for len(h.work) == 0 && !h.workerExit {
			h.workCond.Wait()
		}
		if len(h.work) == 0 {
			h.workMu.Unlock()
			return
		}
		fn := h.work[0]
		h.work = h.work[1:]
		h.workMu.Unlock()
		fn()
	}
}

// SetObserver installs a metrics observer. Safe to call before Start; not
// safe to call concurrently with Start, Ioctl, or HandleInterrupt.
func (h *MsgbufRingHandler) SetObserver(o MetricsObserver) {
	h.observer = o
}

// GetTxBuffer leases a transmit buffer directly from the TX pool, for
// callers that build their own wire entries instead of going through a
// FlowRing.
func (h *MsgbufRingHandler) GetTxBuffer() (*dmapool.Buffer, error) {
	return h.txPool.Allocate()
}

// Ioctl posts an ioctl request and blocks until firmware responds or ctx is
// done. Only one ioctl may be outstanding at a time; a second call while one
// is pending fails with AlreadyExists.
func (h *MsgbufRingHandler) Ioctl(ctx context.Context, ifIdx uint8, cmd uint32, txData []byte, rxSize int) (data []byte, firmwareErr int16, err error) {
	start := time.Now()
	defer func() {
		if h.observer != nil {
			h.observer.ObserveIoctl(uint64(time.Since(start)), err == nil && firmwareErr == 0)
		}
	}()

	resultCh := make(chan ioctlResult, 1)
	errCh := make(chan error, 1)
	var transID uint16

	h.postWork(func() {
		if h.ioctlState != nil {
			errCh <- kerr.New("MsgbufRingHandler.Ioctl", kerr.CodeAlreadyExists, "an ioctl is already outstanding")
			return
		}
		txBuf, err := h.txPool.Allocate()
		if err != nil {
			errCh <- err
			return
		}
		if len(txData) > 0 {
			w, werr := txBuf.MapWrite(len(txData))
			if werr != nil {
				txBuf.Reset()
				errCh <- werr
				return
			}
			copy(w, txData)
		}
		addr, err := txBuf.Pin()
		if err != nil {
			txBuf.Reset()
			errCh <- err
			return
		}

		h.nextTransID++
		transID = h.nextTransID
		req := wire.IoctlRequest{
			Common:     wire.CommonHeader{MsgType: wire.MsgTypeIoctlRequest, IfIdx: ifIdx, RequestID: uint32(transID)},
			Cmd:        cmd,
			TransID:    transID,
			InputLen:   uint16(len(txData)),
			OutputLen:  uint16(rxSize),
			ReqBufAddr: addr,
		}
		dst, err := h.provider.ControlSubmitRing().MapWrite(1)
		if err != nil {
			txBuf.Reset()
			errCh <- err
			return
		}
		copy(dst, wire.Marshal(&req))
		if err := h.provider.ControlSubmitRing().CommitWrite(1); err != nil {
			txBuf.Reset()
			errCh <- err
			return
		}

		h.ioctlState = &ioctlCall{transID: transID, txBuf: txBuf, done: resultCh}
		errCh <- nil
	})

	if err := <-errCh; err != nil {
		return nil, 0, err
	}

	select {
	case res := <-resultCh:
		return res.data, res.firmwareError, res.err
	case <-ctx.Done():
	}

	cancelled := make(chan struct{})
	h.postWork(func() {
		if h.ioctlState != nil && h.ioctlState.transID == transID {
			h.ioctlState.txBuf.Reset()
			h.ioctlState = nil
		}
		close(cancelled)
	})
	<-cancelled

	select {
	case res := <-resultCh:
		return res.data, res.firmwareError, res.err
	default:
		return nil, 0, kerr.New("MsgbufRingHandler.Ioctl", kerr.CodeTimedOut, "ioctl cancelled or timed out")
	}
}

// HandleInterrupt parses all three completion rings when the doorbell bit
// is set, posting one work item per completed entry. It returns the bits it
// handled so the caller can clear them.
func (h *MsgbufRingHandler) HandleInterrupt(mailboxBits uint32) uint32 {
	if mailboxBits&bus.ControlDoorbellBit == 0 {
		return 0
	}
	h.interruptMu.Lock()
	defer h.interruptMu.Unlock()

	h.drainControlComplete()
	h.drainTxComplete()
	h.drainRxComplete()
	return bus.ControlDoorbellBit
}

func (h *MsgbufRingHandler) drainControlComplete() {
	ring := h.provider.ControlCompleteRing()
	for ring.AvailableReads() > 0 {
		raw, err := ring.MapRead(1)
		if err != nil {
			return
		}
		entry := append([]byte(nil), raw...)
		if err := ring.CommitRead(1); err != nil {
			return
		}

		var ch wire.CommonHeader
		wire.Unmarshal(entry[:wire.CommonHeaderSize], &ch)

		switch ch.MsgType {
		case wire.MsgTypeIoctlResponse:
			var resp wire.IoctlResponse
			wire.Unmarshal(entry, &resp)
			h.postWork(func() { h.handleIoctlResponse(resp) })
		case wire.MsgTypeWlEvent:
			var rec wire.RxCompleteRecord
			wire.Unmarshal(entry, &rec)
			h.postWork(func() { h.handleEvent(rec) })
		case wire.MsgTypeFlowRingCreateResponse:
			var resp wire.FlowRingCreateResponse
			wire.Unmarshal(entry, &resp)
			h.postWork(func() { h.handleFlowRingCreateResponse(resp) })
		case wire.MsgTypeFlowRingDeleteResponse:
			var resp wire.FlowRingDeleteResponse
			wire.Unmarshal(entry, &resp)
			h.postWork(func() { h.handleFlowRingDeleteResponse(resp) })
		default:
			h.logger.Warn("control complete: unknown msgtype, dropping", "msgtype", ch.MsgType)
		}
	}
}

func (h *MsgbufRingHandler) drainTxComplete() {
	ring := h.provider.TxCompleteRing()
	for ring.AvailableReads() > 0 {
		raw, err := ring.MapRead(1)
		if err != nil {
			return
		}
		entry := append([]byte(nil), raw...)
		if err := ring.CommitRead(1); err != nil {
			return
		}
		var rec wire.TxCompleteRecord
		wire.Unmarshal(entry, &rec)
		h.postWork(func() { h.handleTxComplete(rec) })
	}
}

func (h *MsgbufRingHandler) drainRxComplete() {
	ring := h.provider.RxCompleteRing()
	for ring.AvailableReads() > 0 {
		raw, err := ring.MapRead(1)
		if err != nil {
			return
		}
		entry := append([]byte(nil), raw...)
		if err := ring.CommitRead(1); err != nil {
			return
		}
		var rec wire.RxCompleteRecord
		wire.Unmarshal(entry, &rec)
		h.postWork(func() { h.handleRxComplete(rec) })
	}
}

func (h *MsgbufRingHandler) handleIoctlResponse(resp wire.IoctlResponse) {
	if h.ioctlState == nil || h.ioctlState.transID != resp.TransID {
		h.logger.Warn("ioctl response transaction id mismatch", "got", resp.TransID)
		return
	}
	call := h.ioctlState
	h.ioctlState = nil
	call.txBuf.Reset()

	if resp.Common.RequestID >= uint32(h.ioctlEventPool.BufferCount()) {
		call.done <- ioctlResult{err: kerr.New("MsgbufRingHandler.handleIoctlResponse", kerr.CodeIoDataIntegrity, "response buffer index out of range")}
		return
	}
	buf, err := h.ioctlEventPool.Acquire(resp.Common.RequestID)
	if err != nil {
		call.done <- ioctlResult{err: err}
		return
	}
	h.ioctlRxOutstanding--

	respLen := int(resp.RespLen)
	if respLen > h.ioctlEventPool.BufferSize() {
		respLen = h.ioctlEventPool.BufferSize()
	}
	data, err := buf.MapRead(respLen)
	if err != nil {
		buf.Reset()
		h.queueRxBuffers()
		call.done <- ioctlResult{err: err}
		return
	}
	out := append([]byte(nil), data...)
	buf.Reset()
	h.queueRxBuffers()
	call.done <- ioctlResult{data: out, firmwareError: resp.Completion.Status}
}

func (h *MsgbufRingHandler) handleEvent(rec wire.RxCompleteRecord) {
	if rec.Common.RequestID >= uint32(h.ioctlEventPool.BufferCount()) {
		h.logger.WithInterface(rec.Common.IfIdx).Warn("event: buffer index out of range", "request_id", rec.Common.RequestID)
		return
	}
	buf, err := h.ioctlEventPool.Acquire(rec.Common.RequestID)
	if err != nil {
		h.logger.WithInterface(rec.Common.IfIdx).WithError(err).Warn("event completion for unexpected buffer", "request_id", rec.Common.RequestID)
		return
	}
	h.eventRxOutstanding--

	end := h.cfg.RxDataOffset + int(rec.DataLen)
	if end > h.ioctlEventPool.BufferSize() {
		h.logger.WithInterface(rec.Common.IfIdx).Warn("event size exceeds buffer capacity, dropping")
		buf.Reset()
		h.queueRxBuffers()
		return
	}
	data, err := buf.MapRead(end)
	if err != nil {
		buf.Reset()
		h.queueRxBuffers()
		return
	}
	if h.eventHandler != nil {
		payload := append([]byte(nil), data[h.cfg.RxDataOffset:end]...)
		h.eventHandler(rec.Common.IfIdx, payload)
	}
	if h.observer != nil {
		h.observer.ObserveEvent()
	}
	buf.Reset()
	h.queueRxBuffers()
}

func (h *MsgbufRingHandler) handleTxComplete(rec wire.TxCompleteRecord) {
	if rec.Common.RequestID >= uint32(h.txPool.BufferCount()) {
		h.logger.WithInterface(rec.Common.IfIdx).Warn("tx complete: buffer index out of range", "request_id", rec.Common.RequestID)
		return
	}
	buf, err := h.txPool.Acquire(rec.Common.RequestID)
	if err != nil {
		h.logger.WithInterface(rec.Common.IfIdx).WithError(err).Warn("tx complete for unexpected buffer", "request_id", rec.Common.RequestID)
		return
	}
	buf.Reset()
}

func (h *MsgbufRingHandler) handleRxComplete(rec wire.RxCompleteRecord) {
	if rec.Common.RequestID >= uint32(h.dataRxPool.BufferCount()) {
		h.logger.WithInterface(rec.Common.IfIdx).Warn("rx complete: buffer index out of range", "request_id", rec.Common.RequestID)
		return
	}
	buf, err := h.dataRxPool.Acquire(rec.Common.RequestID)
	if err != nil {
		h.logger.WithInterface(rec.Common.IfIdx).WithError(err).Warn("rx complete for unexpected buffer", "request_id", rec.Common.RequestID)
		return
	}
	h.rxOutstanding--

	end := h.cfg.RxDataOffset + int(rec.DataLen)
	if end > h.dataRxPool.BufferSize() {
		h.logger.WithInterface(rec.Common.IfIdx).Warn("rx complete: data length exceeds buffer capacity, dropping")
		buf.Reset()
		h.queueRxBuffers()
		if h.observer != nil {
			h.observer.ObserveRx(0, false)
		}
		return
	}
	data, err := buf.MapRead(end)
	if err == nil && h.dataHandler != nil {
		payload := append([]byte(nil), data[h.cfg.RxDataOffset:end]...)
		h.dataHandler(rec.Common.IfIdx, payload)
	}
	if h.observer != nil {
		h.observer.ObserveRx(uint64(rec.DataLen), err == nil)
	}
	buf.Reset()
	h.queueRxBuffers()
}

func (h *MsgbufRingHandler) handleFlowRingCreateResponse(resp wire.FlowRingCreateResponse) {
	if h.flowNotifier == nil {
		return
	}
	idx := int(resp.FlowRingIdx)
	if resp.Completion.Status != 0 {
		h.flowNotifier.TerminateWithExtremePrejudice(idx, kerr.New("MsgbufRingHandler", kerr.CodeBadState, "flow ring create rejected by firmware"))
		return
	}
	if err := h.flowNotifier.NotifyFlowRingOpened(idx); err != nil {
		h.logger.WithFlowRing(idx).WithError(err).Warn("unexpected open notification")
		return
	}
	h.flowNotifier.SubmitToFlowRings()
}

func (h *MsgbufRingHandler) handleFlowRingDeleteResponse(resp wire.FlowRingDeleteResponse) {
	if h.flowNotifier == nil {
		return
	}
	idx := int(resp.FlowRingIdx)
	if resp.Completion.Status != 0 {
		h.flowNotifier.TerminateWithExtremePrejudice(idx, kerr.New("MsgbufRingHandler", kerr.CodeBadState, "flow ring delete rejected by firmware"))
		return
	}
	if err := h.flowNotifier.NotifyFlowRingClosed(idx); err != nil {
		h.logger.WithFlowRing(idx).WithError(err).Warn("unexpected close notification")
	}
}

// queueRxBuffers replenishes ioctl, event, and data-plane RX credits up to
// their configured targets, stopping early (a soft condition, not an error)
// if a pool runs dry or a submit ring fills.
func (h *MsgbufRingHandler) queueRxBuffers() {
	for h.ioctlRxOutstanding < h.cfg.RequiredIoctlRx {
		if !h.postIoctlOrEventBuffer(wire.MsgTypeIoctlBufferPost) {
			break
		}
		h.ioctlRxOutstanding++
	}
	for h.eventRxOutstanding < h.cfg.RequiredEventRx {
		if !h.postIoctlOrEventBuffer(wire.MsgTypeEventBufferPost) {
			break
		}
		h.eventRxOutstanding++
	}
	for h.rxOutstanding < h.cfg.RequiredRx {
		if !h.postDataRxBuffer() {
			break
		}
		h.rxOutstanding++
	}
}

func (h *MsgbufRingHandler) postIoctlOrEventBuffer(msgType wire.MsgType) bool {
	buf, err := h.ioctlEventPool.Allocate()
	if err != nil {
		return false
	}
	addr, err := buf.Pin()
	if err != nil {
		buf.Reset()
		return false
	}
	req := wire.IoctlOrEventBufferPost{
		Common:      wire.CommonHeader{MsgType: msgType, RequestID: buf.Index()},
		HostBufAddr: addr,
		HostBufLen:  uint16(h.ioctlEventPool.BufferSize()),
	}
	dst, err := h.provider.ControlSubmitRing().MapWrite(1)
	if err != nil {
		buf.Reset()
		return false
	}
	copy(dst, wire.Marshal(&req))
	if err := h.provider.ControlSubmitRing().CommitWrite(1); err != nil {
		buf.Reset()
		return false
	}
	buf.Release()
	return true
}

func (h *MsgbufRingHandler) postDataRxBuffer() bool {
	buf, err := h.dataRxPool.Allocate()
	if err != nil {
		return false
	}
	addr, err := buf.Pin()
	if err != nil {
		buf.Reset()
		return false
	}
	req := wire.RxBufferPost{
		Common:   wire.CommonHeader{MsgType: wire.MsgTypeRxBufferPost, RequestID: buf.Index()},
		DataLen:  uint16(h.dataRxPool.BufferSize()),
		DataAddr: addr,
	}
	dst, err := h.provider.RxBufferSubmitRing().MapWrite(1)
	if err != nil {
		buf.Reset()
		return false
	}
	copy(dst, wire.Marshal(&req))
	if err := h.provider.RxBufferSubmitRing().CommitWrite(1); err != nil {
		buf.Reset()
		return false
	}
	buf.Release()
	return true
}
