// Package flowring implements the per-destination TX queue: a four-state
// lifecycle layered over one device-visible write ring. Queued frames
// survive the Opening->Open transition; they are returned to their owners
// with ConnectionAborted the moment the ring starts closing.
package flowring

import (
	"sync"

	"github.com/brcmfmac/msgbuf/internal/dmapool"
	"github.com/brcmfmac/msgbuf/internal/dmaring"
	"github.com/brcmfmac/msgbuf/internal/kerr"
	"github.com/brcmfmac/msgbuf/internal/list"
	"github.com/brcmfmac/msgbuf/internal/wire"
)

// State is one stage of the flow ring's lifecycle.
type State int

const (
	Opening State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one caller-submitted transmit frame.
type Frame struct {
	Data []byte
	Done func(error)
}

func (f *Frame) complete(err error) {
	if f.Done != nil {
		f.Done(err)
	}
}

// FlowRing is a per-destination TX queue with the four-state lifecycle
// described in the transport's data model.
type FlowRing struct {
	mu    sync.Mutex
	state State

	IfIdx int
	Index int

	ring    *dmaring.WriteDmaRing
	pending []*Frame

	// SubmitLink is this flow ring's membership in a FlowRingHandler's
	// fair-share submit queue -- a non-owning reference via list
	// membership, not a pointer the handler has to null out by hand.
	SubmitLink list.Elem[FlowRing]
}

// New creates a flow ring in the Opening state, wrapping ring (already
// created by the bus for flowRingIndex).
func New(ifIdx, flowRingIndex int, ring *dmaring.WriteDmaRing) *FlowRing {
	fr := &FlowRing{IfIdx: ifIdx, Index: flowRingIndex, ring: ring, state: Opening}
	fr.SubmitLink.Init()
	return fr
}

// State returns the flow ring's current lifecycle stage.
func (fr *FlowRing) State() State {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.state
}

// HasPending reports whether any frame is queued and not yet submitted.
func (fr *FlowRing) HasPending() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.pending) > 0
}

// Queue enqueues a frame for later submission. In Opening and Open it is
// simply appended; in Closing it is rejected with ConnectionAborted since
// the ring is already tearing down; in Closed it is a programming error.
func (fr *FlowRing) Queue(f *Frame) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	switch fr.state {
	case Opening, Open:
		fr.pending = append(fr.pending, f)
		return nil
	case Closing:
		return kerr.New("FlowRing.Queue", kerr.CodeConnectionAborted, "flow ring is closing")
	default:
		return kerr.New("FlowRing.Queue", kerr.CodeBadState, "flow ring is closed")
	}
}

// Submit drains queued frames into the underlying write ring, stopping at
// the first of: ring full, tx pool exhausted (soft -- the frame stays
// queued for the next round), max reached, or queue empty. It returns the
// number of frames actually submitted and their total size in bytes.
func (fr *FlowRing) Submit(txPool *dmapool.DmaPool, max int) (int, uint64, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.state != Open {
		if fr.state == Opening {
			return 0, 0, nil
		}
		return 0, 0, kerr.New("FlowRing.Submit", kerr.CodeBadState, "flow ring not open")
	}

	submitted := 0
	var submittedBytes uint64
	for submitted < max && len(fr.pending) > 0 {
		if fr.ring.AvailableWrites() == 0 {
			break
		}
		frame := fr.pending[0]

		var hdr [wire.TxHeaderSize]byte
		var remainder []byte
		if len(frame.Data) >= wire.TxHeaderSize {
			copy(hdr[:], frame.Data[:wire.TxHeaderSize])
			remainder = frame.Data[wire.TxHeaderSize:]
		} else {
			copy(hdr[:], frame.Data)
		}

		if len(remainder) > txPool.BufferSize() {
			fr.pending = fr.pending[1:]
			frame.complete(kerr.New("FlowRing.Submit", kerr.CodeNoResources, "frame exceeds tx buffer capacity"))
			continue
		}

		txBuf, err := txPool.Allocate()
		if err != nil {
			// Pool exhausted: stop for this round, frame stays queued.
			break
		}

		if len(remainder) > 0 {
			w, werr := txBuf.MapWrite(len(remainder))
			if werr != nil {
				txBuf.Reset()
				break
			}
			copy(w, remainder)
		}
		addr, err := txBuf.Pin()
		if err != nil {
			txBuf.Reset()
			break
		}

		dst, err := fr.ring.MapWrite(1)
		if err != nil {
			txBuf.Reset()
			break
		}
		entry := wire.TxRequest{
			Common: wire.CommonHeader{
				MsgType:   wire.MsgTypeTxPost,
				IfIdx:     uint8(fr.IfIdx),
				RequestID: txBuf.Index(),
			},
			TxHdr:       hdr,
			DataLen:     uint16(len(remainder)),
			SegCnt:      1,
			DataBufAddr: addr,
		}
		copy(dst, wire.Marshal(&entry))
		if err := fr.ring.CommitWrite(1); err != nil {
			txBuf.Reset()
			break
		}
		txBuf.Release()

		fr.pending = fr.pending[1:]
		submitted++
		submittedBytes += uint64(len(frame.Data))
		frame.complete(nil)
	}
	return submitted, submittedBytes, nil
}

// Close requests the ring start tearing down: queued-but-unsent frames are
// failed with ConnectionAborted at once, and Queue starts rejecting new
// frames with ConnectionAborted.
func (fr *FlowRing) Close() error {
	fr.mu.Lock()
	switch fr.state {
	case Opening, Open:
		fr.state = Closing
		drained := fr.pending
		fr.pending = nil
		fr.mu.Unlock()
		for _, f := range drained {
			f.complete(kerr.New("FlowRing.Close", kerr.CodeConnectionAborted, "flow ring closing"))
		}
		return nil
	default:
		state := fr.state
		fr.mu.Unlock()
		return kerr.New("FlowRing.Close", kerr.CodeBadState, "cannot close from state "+state.String())
	}
}

// NotifyOpened is firmware's acknowledgement that the flow ring is ready.
// A late notification racing a Close (state already Closing) resolves to
// Open, per the recorded state table -- this is a deliberate divergence
// from the original implementation's no-op-in-Closing behavior; see
// DESIGN.md.
func (fr *FlowRing) NotifyOpened() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	switch fr.state {
	case Opening, Closing:
		fr.state = Open
		return nil
	default:
		return kerr.New("FlowRing.NotifyOpened", kerr.CodeBadState, "unexpected open notification in state "+fr.state.String())
	}
}

// NotifyClosed is firmware's acknowledgement that the flow ring has been
// torn down. Any frames still queued are failed with ConnectionAborted.
func (fr *FlowRing) NotifyClosed() error {
	fr.mu.Lock()
	if fr.state != Closing {
		state := fr.state
		fr.mu.Unlock()
		return kerr.New("FlowRing.NotifyClosed", kerr.CodeBadState, "unexpected close notification in state "+state.String())
	}
	fr.state = Closed
	drained := fr.pending
	fr.pending = nil
	fr.mu.Unlock()

	for _, f := range drained {
		f.complete(kerr.New("FlowRing.NotifyClosed", kerr.CodeConnectionAborted, "flow ring closed"))
	}
	return nil
}

// AbortAll forcibly transitions the ring to Closed and fails every queued
// frame with err, without waiting for a firmware acknowledgement. Used for
// termination with extreme prejudice.
func (fr *FlowRing) AbortAll(err error) {
	fr.mu.Lock()
	fr.state = Closed
	drained := fr.pending
	fr.pending = nil
	fr.mu.Unlock()

	for _, f := range drained {
		f.complete(err)
	}
}
