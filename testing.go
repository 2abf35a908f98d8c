package msgbuf

import (
	"time"

	"github.com/brcmfmac/msgbuf/internal/bus"
)

// SimulatedFirmware is an in-process stand-in for real chipset firmware:
// it answers ioctls, acknowledges flow ring creation and deletion, and lets
// a test inject unsolicited events and data-plane frames, all without real
// hardware. It is internal/bus.SimulatedBus under its public name, useful
// for testing code built on top of Transport.
type SimulatedFirmware = bus.SimulatedBus

// NewSimulatedTransport builds a Transport over a fresh SimulatedFirmware
// and drains the RX-credit replenishment the ring handler posts on
// startup, so the returned Transport is immediately ready for ioctls,
// events, and data frames without the caller having to know about that
// handshake. It fails the same way New does if cfg or the simulated
// firmware's negotiated geometry are inconsistent.
func NewSimulatedTransport(cfg Config, eventHandler EventHandler, dataHandler DataHandler) (*Transport, *SimulatedFirmware, error) {
	fw := bus.NewSimulatedBus(bus.DefaultDmaConfig())
	tr, err := New(fw, cfg, eventHandler, dataHandler)
	if err != nil {
		return nil, nil, err
	}
	drainInitialRxCredit(fw, cfg, 2*time.Second)
	return tr, fw, nil
}

// drainInitialRxCredit waits for and then acknowledges the ioctl/event and
// data-plane RX buffer posts a freshly started Transport issues, the same
// bring-up handshake real firmware would answer. It gives up silently
// after timeout, leaving the caller to discover a stuck handshake through
// its own assertions rather than panicking inside a library helper.
func drainInitialRxCredit(fw *SimulatedFirmware, cfg Config, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fw.ControlSubmitRing().AvailableReads() >= uint16(cfg.RequiredIoctlRx+cfg.RequiredEventRx) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	fw.PumpControlSubmit()

	deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fw.RxBufferSubmitRing().AvailableReads() >= uint16(cfg.RequiredRx) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	fw.DrainRxBufferPosts()
}
