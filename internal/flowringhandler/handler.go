// Package flowringhandler owns every FlowRing's lifecycle and the
// fair-share scheduler that drains them onto the wire. One handler serves
// every attached interface; interfaces map (destination MAC, fifo) pairs
// onto flow ring indices, collapsing AP-mode multicast traffic onto a
// single broadcast ring the way the chipset's firmware expects.
package flowringhandler

import (
	"sync"

	"github.com/brcmfmac/msgbuf/internal/bus"
	"github.com/brcmfmac/msgbuf/internal/dmapool"
	"github.com/brcmfmac/msgbuf/internal/dmaring"
	"github.com/brcmfmac/msgbuf/internal/flowring"
	"github.com/brcmfmac/msgbuf/internal/kerr"
	"github.com/brcmfmac/msgbuf/internal/list"
	"github.com/brcmfmac/msgbuf/internal/wire"
)

// MetricsObserver receives flow ring lifecycle and data-plane metrics.
// Implemented structurally by the public package's Observer type.
type MetricsObserver interface {
	ObserveTx(bytes uint64, success bool)
	ObserveFlowRingOpen()
	ObserveFlowRingClose()
	ObserveFlowRingError()
	ObserveSubmitQueueDepth(depth uint32)
}

// priorityToFifo maps an 802.1D priority (0-7) to one of four hardware
// FIFOs. Priorities outside this range fall back to fifo 1.
var priorityToFifo = [8]uint8{1, 0, 0, 1, 2, 2, 3, 3}

func fifoForPriority(priority uint8) uint8 {
	if int(priority) >= len(priorityToFifo) {
		return 1
	}
	return priorityToFifo[priority]
}

var broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func isMulticast(mac [6]byte) bool {
	return mac[0]&0x01 != 0
}

type ringKey struct {
	mac  [6]byte
	fifo uint8
}

type ifaceState struct {
	sourceMAC [6]byte
	isAPMode  bool
	ringMap   map[ringKey]int
}

// FlowRingHandler creates and tears down flow rings on demand and fairly
// drains whichever of them have queued traffic.
type FlowRingHandler struct {
	mu sync.Mutex

	provider bus.RingProvider
	txPool   *dmapool.DmaPool

	controlSubmit *dmaring.WriteDmaRing

	interfaces map[int]*ifaceState
	flowRings  map[int]*flowring.FlowRing
	queued     map[int]bool

	submitQueue     *list.List[flowring.FlowRing]
	nextFlowRingIdx int

	observer MetricsObserver
}

// New builds a handler over provider's control submit ring and per-flow-ring
// factory, leasing TX buffers from txPool.
func New(provider bus.RingProvider, txPool *dmapool.DmaPool) *FlowRingHandler {
	return &FlowRingHandler{
		provider:      provider,
		txPool:        txPool,
		controlSubmit: provider.ControlSubmitRing(),
		interfaces:    make(map[int]*ifaceState),
		flowRings:     make(map[int]*flowring.FlowRing),
		queued:        make(map[int]bool),
		submitQueue:   list.New[flowring.FlowRing](),
	}
}

// SetObserver installs a metrics observer. Safe to call before any interface
// is added; not safe to call concurrently with any other method.
func (h *FlowRingHandler) SetObserver(o MetricsObserver) {
	h.observer = o
}

// AddInterface registers an interface that flow rings may be created
// against. sourceMAC is carried in flow ring create requests issued on this
// interface's behalf.
func (h *FlowRingHandler) AddInterface(ifIdx int, sourceMAC [6]byte, isAPMode bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interfaces[ifIdx] = &ifaceState{sourceMAC: sourceMAC, isAPMode: isAPMode, ringMap: make(map[ringKey]int)}
}

// RemoveInterface requests a close of every flow ring the interface owns
// and forgets the interface. The flow rings themselves remain in the
// handler's registry until NotifyFlowRingDestroyed arrives for each.
func (h *FlowRingHandler) RemoveInterface(ifIdx int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	iface, ok := h.interfaces[ifIdx]
	if !ok {
		return kerr.New("FlowRingHandler.RemoveInterface", kerr.CodeNotFound, "unknown interface")
	}
	for _, idx := range iface.ringMap {
		if fr, ok := h.flowRings[idx]; ok {
			h.requestCloseLocked(fr)
		}
	}
	delete(h.interfaces, ifIdx)
	return nil
}

// QueueFrame resolves the destination onto a flow ring (creating one with a
// firmware round trip if this is the first frame to it), collapsing
// multicast destinations on AP-mode interfaces onto the shared broadcast
// ring, and appends frame to that ring's pending queue.
func (h *FlowRingHandler) QueueFrame(ifIdx int, destMAC [6]byte, priority uint8, frame *flowring.Frame) error {
	h.mu.Lock()

	iface, ok := h.interfaces[ifIdx]
	if !ok {
		h.mu.Unlock()
		return kerr.New("FlowRingHandler.QueueFrame", kerr.CodeNotFound, "unknown interface")
	}

	fifo := fifoForPriority(priority)
	if iface.isAPMode && isMulticast(destMAC) {
		destMAC = broadcastMAC
		fifo = 0
	}
	key := ringKey{mac: destMAC, fifo: fifo}

	idx, ok := iface.ringMap[key]
	var fr *flowring.FlowRing
	if ok {
		fr = h.flowRings[idx]
	} else {
		var err error
		fr, err = h.createFlowRingLocked(ifIdx, iface, destMAC, fifo)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		iface.ringMap[key] = fr.Index
	}

	if err := fr.Queue(frame); err != nil {
		h.mu.Unlock()
		return err
	}
	h.maybeEnqueueLocked(fr)
	h.mu.Unlock()
	return nil
}

func (h *FlowRingHandler) createFlowRingLocked(ifIdx int, iface *ifaceState, destMAC [6]byte, fifo uint8) (*flowring.FlowRing, error) {
	cfg := h.provider.Config()
	if h.nextFlowRingIdx >= cfg.MaxFlowRings {
		return nil, kerr.New("FlowRingHandler.createFlowRing", kerr.CodeNoResources, "flow ring table exhausted")
	}
	idx := h.nextFlowRingIdx
	h.nextFlowRingIdx++

	ring, err := h.provider.CreateFlowRing(idx)
	if err != nil {
		return nil, kerr.Wrap("FlowRingHandler.createFlowRing", kerr.CodeNoResources, err)
	}
	fr := flowring.New(ifIdx, idx, ring)
	h.flowRings[idx] = fr

	req := wire.FlowRingCreateRequest{
		Common:      wire.CommonHeader{MsgType: wire.MsgTypeFlowRingCreate, IfIdx: uint8(ifIdx), RequestID: uint32(idx)},
		DA:          destMAC,
		SA:          iface.sourceMAC,
		TID:         fifo,
		FlowRingIdx: uint16(idx),
		LenItem:     wire.TxRequestSize,
		MaxItems:    uint32(ring.Capacity()),
	}
	if err := h.postControlLocked(&req); err != nil {
		delete(h.flowRings, idx)
		return nil, err
	}
	return fr, nil
}

func (h *FlowRingHandler) postControlLocked(entry interface{}) error {
	dst, err := h.controlSubmit.MapWrite(1)
	if err != nil {
		return err
	}
	copy(dst, wire.Marshal(entry))
	return h.controlSubmit.CommitWrite(1)
}

// maybeEnqueueLocked places fr on the submit queue if it is Open, has
// pending frames, and is not already queued -- the invariant that the
// submit queue contains exactly the rings eligible to drain.
func (h *FlowRingHandler) maybeEnqueueLocked(fr *flowring.FlowRing) {
	if fr.State() != flowring.Open || !fr.HasPending() || h.queued[fr.Index] {
		return
	}
	h.submitQueue.PushBack(&fr.SubmitLink, fr)
	h.queued[fr.Index] = true
}

// NotifyFlowRingOpened is firmware's acknowledgement that a create request
// succeeded. A ring that already accumulated pending frames while Opening
// joins the submit queue immediately.
func (h *FlowRingHandler) NotifyFlowRingOpened(flowRingIdx int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fr, ok := h.flowRings[flowRingIdx]
	if !ok {
		return kerr.New("FlowRingHandler.NotifyFlowRingOpened", kerr.CodeNotFound, "unknown flow ring")
	}
	if err := fr.NotifyOpened(); err != nil {
		return err
	}
	if h.observer != nil {
		h.observer.ObserveFlowRingOpen()
	}
	h.maybeEnqueueLocked(fr)
	return nil
}

// requestCloseLocked asks a flow ring to stop accepting new frames and
// tells firmware to tear it down.
func (h *FlowRingHandler) requestCloseLocked(fr *flowring.FlowRing) {
	if err := fr.Close(); err != nil {
		return
	}
	req := wire.FlowRingDeleteRequest{
		Common: wire.CommonHeader{MsgType: wire.MsgTypeFlowRingDelete, RequestID: uint32(fr.Index)},
	}
	_ = h.postControlLocked(&req)
}

// NotifyFlowRingClosed is firmware's acknowledgement that a flow ring has
// stopped accepting traffic; any frames still queued fail with
// ConnectionAborted. The ring entry itself is only forgotten once
// NotifyFlowRingDestroyed arrives.
func (h *FlowRingHandler) NotifyFlowRingClosed(flowRingIdx int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fr, ok := h.flowRings[flowRingIdx]
	if !ok {
		return kerr.New("FlowRingHandler.NotifyFlowRingClosed", kerr.CodeNotFound, "unknown flow ring")
	}
	if err := fr.NotifyClosed(); err != nil {
		return err
	}
	if h.observer != nil {
		h.observer.ObserveFlowRingClose()
	}
	return nil
}

// NotifyFlowRingDestroyed releases a closed flow ring's bookkeeping: it is
// dropped from the registry and from every interface's ring map.
func (h *FlowRingHandler) NotifyFlowRingDestroyed(flowRingIdx int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fr, ok := h.flowRings[flowRingIdx]; ok && h.queued[flowRingIdx] {
		h.submitQueue.Remove(&fr.SubmitLink)
	}
	delete(h.flowRings, flowRingIdx)
	delete(h.queued, flowRingIdx)
	for _, iface := range h.interfaces {
		for key, idx := range iface.ringMap {
			if idx == flowRingIdx {
				delete(iface.ringMap, key)
			}
		}
	}
}

// TerminateWithExtremePrejudice drops a flow ring immediately on an
// unrecoverable firmware error (bad notify, duplicate open, mismatched
// transaction id) without waiting for any further acknowledgement.
func (h *FlowRingHandler) TerminateWithExtremePrejudice(flowRingIdx int, cause error) {
	h.mu.Lock()
	fr, ok := h.flowRings[flowRingIdx]
	if !ok {
		h.mu.Unlock()
		return
	}
	if h.queued[flowRingIdx] {
		h.submitQueue.Remove(&fr.SubmitLink)
		delete(h.queued, flowRingIdx)
	}
	delete(h.flowRings, flowRingIdx)
	for _, iface := range h.interfaces {
		for key, idx := range iface.ringMap {
			if idx == flowRingIdx {
				delete(iface.ringMap, key)
			}
		}
	}
	h.mu.Unlock()

	fr.AbortAll(kerr.Wrap("FlowRingHandler", kerr.CodeConnectionAborted, cause))
	if h.observer != nil {
		h.observer.ObserveFlowRingError()
	}
}

// minInt avoids importing the math package for a single two-value min.
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

const maxRoundCap = 256

// SubmitToFlowRings drains the submit queue in fair-share rounds: the
// per-ring cap starts at 8 and doubles each round (capped at 256). Every
// round pops each queued ring in FIFO order, submits up to the round's cap,
// and requeues rings that still have pending frames to a pending tail list
// or, on error, to a failure tail list -- reconcatenated in "pending then
// failure" order so failing rings are tried last. Stops when a round
// submits nothing or the queue empties.
func (h *FlowRingHandler) SubmitToFlowRings() {
	h.mu.Lock()
	defer h.mu.Unlock()

	roundCap := 8
	for {
		if h.observer != nil {
			h.observer.ObserveSubmitQueueDepth(uint32(h.submitQueue.Len()))
		}

		pendingTail := list.New[flowring.FlowRing]()
		failureTail := list.New[flowring.FlowRing]()
		submittedThisRound := 0

		for h.submitQueue.Len() > 0 {
			fr := h.submitQueue.PopFront()
			h.queued[fr.Index] = false

			n, bytes, err := fr.Submit(h.txPool, roundCap)
			submittedThisRound += n
			if h.observer != nil && n > 0 {
				h.observer.ObserveTx(bytes, true)
			}
			if err != nil {
				failureTail.PushBack(&fr.SubmitLink, fr)
				h.queued[fr.Index] = true
				continue
			}
			if fr.HasPending() {
				pendingTail.PushBack(&fr.SubmitLink, fr)
				h.queued[fr.Index] = true
			}
		}

		list.Splice(h.submitQueue, pendingTail)
		list.Splice(h.submitQueue, failureTail)

		if submittedThisRound == 0 || h.submitQueue.Len() == 0 {
			return
		}
		roundCap = minInt(roundCap*2, maxRoundCap)
	}
}
