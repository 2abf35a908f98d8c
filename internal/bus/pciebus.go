//go:build linux

package bus

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/brcmfmac/msgbuf/internal/dmabuf"
	"github.com/brcmfmac/msgbuf/internal/dmaring"
	"github.com/brcmfmac/msgbuf/internal/kerr"
	"github.com/brcmfmac/msgbuf/internal/wire"
)

// mmioCell is a DeviceCell backed by a 32-bit word inside memory the CPU
// and device both reach through the same mapping: an mmap'd BAR region for
// a PCIe chipset, or any other host-visible window a real bus backend maps
// in. Unlike AtomicCell, the memory is not Go-allocated, so ordinary
// sync/atomic can't be used directly over it; atomic.LoadUint32 and
// atomic.StoreUint32 still apply correctly to the pointer they get, since
// both only require 4-byte alignment and a valid *uint32, which mmap
// always provides.
type mmioCell struct {
	ptr *uint32
}

// newMmioCell returns a DeviceCell for the 32-bit word at byte offset off
// within region. Panics if the cell would straddle the end of region,
// since that means the caller miscalculated ring geometry.
func newMmioCell(region []byte, off int) *mmioCell {
	if off < 0 || off+4 > len(region) {
		panic(fmt.Sprintf("pciebus: mmio cell offset %d out of range for %d-byte region", off, len(region)))
	}
	return &mmioCell{ptr: (*uint32)(unsafe.Pointer(&region[off]))}
}

func (c *mmioCell) Load() uint32   { return atomic.LoadUint32(c.ptr) }
func (c *mmioCell) Store(v uint32) { atomic.StoreUint32(c.ptr, v) }

// PcieConfig describes the host resources a PcieBus needs: the sysfs
// resource file backing the BAR that carries the DMA ring region, how much
// of it to map, and optional CPU affinity for interrupt delivery. The
// doorbell register sits at the start of the mapped region; the rings after
// it are sized from DmaConfig the same way SimulatedBus sizes its
// in-process backing buffers.
type PcieConfig struct {
	// ResourcePath is a sysfs BAR resource file, e.g.
	// /sys/bus/pci/devices/0000:01:00.0/resource2.
	ResourcePath string
	// RegionSize is the number of bytes of ResourcePath to map, covering
	// the ring backing memory, the index cells, and the doorbell mailbox.
	RegionSize int
	// CPUAffinity pins the interrupt-delivery goroutine's OS thread to the
	// first CPU listed; later entries are not used. Empty means no pinning.
	CPUAffinity []int
}

// PcieBus is the production bus.Bus backend for a real PCIe-attached
// chipset: ring backing memory and index cells live in a single mmap'd BAR
// region, and interrupts are delivered through an eventfd the device's
// MSI-X handler (or a kernel UIO/VFIO shim in front of it) signals.
//
// It does not perform IOMMU setup or DMA address translation: the device
// addresses CreateDmaBuffer hands out are byte offsets from the start of the
// mapped region, and nothing in PcieConfig sets a different base.
type PcieBus struct {
	mu  sync.Mutex
	cfg DmaConfig

	fd         int
	region     []byte
	deviceBase uint64
	next       int // next free byte offset within region, for CreateDmaBuffer

	doorbellFd int
	epollFd    int
	stop       chan struct{}
	stopped    chan struct{}

	controlSubmitHost   *dmaring.WriteDmaRing
	controlCompleteHost *dmaring.ReadDmaRing
	rxBufferSubmitHost  *dmaring.WriteDmaRing
	txCompleteHost      *dmaring.ReadDmaRing
	rxCompleteHost      *dmaring.ReadDmaRing

	doorbell *mmioCell

	flowRings map[int]*dmaring.WriteDmaRing

	handlers    []InterruptHandler
	cpuAffinity []int
}

// NewPcieBus opens pc.ResourcePath, maps pc.RegionSize bytes of it, lays
// out the five fixed rings at the front of the mapping per cfg, and starts
// the doorbell-delivery goroutine. The caller is responsible for whatever
// sysfs setup (enabling the BAR, unbinding a conflicting kernel driver)
// makes ResourcePath mappable.
func NewPcieBus(pc PcieConfig, cfg DmaConfig) (*PcieBus, error) {
	cfg = cfg.Normalize()

	fd, err := unix.Open(pc.ResourcePath, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, kerr.New("NewPcieBus", kerr.CodeUnavailable, fmt.Sprintf("open %s: %v", pc.ResourcePath, err))
	}

	region, err := unix.Mmap(fd, 0, pc.RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, kerr.New("NewPcieBus", kerr.CodeUnavailable, fmt.Sprintf("mmap %s: %v", pc.ResourcePath, err))
	}

	b := &PcieBus{
		cfg:         cfg,
		fd:          fd,
		region:      region,
		flowRings:   make(map[int]*dmaring.WriteDmaRing),
		cpuAffinity: pc.CPUAffinity,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	if err := b.layoutFixedRings(cfg); err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, err
	}

	doorbellFd, epollFd, err := b.openDoorbell()
	if err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, err
	}
	b.doorbellFd = doorbellFd
	b.epollFd = epollFd

	go b.interruptLoop()
	return b, nil
}

// layoutFixedRings carves the five fixed rings' backing storage and index
// cells out of the front of the mapped region, in the same
// submit/complete pairing SimulatedBus wires, just over shared mmap'd
// memory instead of a Go byte slice each ring owns alone.
func (b *PcieBus) layoutFixedRings(cfg DmaConfig) error {
	off := 0
	alloc := func(itemSize, capacity int) (data []byte, idxA, idxB *mmioCell) {
		dataLen := itemSize * capacity
		data = b.region[off : off+dataLen]
		off += dataLen
		idxA = newMmioCell(b.region, off)
		off += 4
		idxB = newMmioCell(b.region, off)
		off += 4
		return
	}

	// doorbell is the single host-to-device kick register every producer
	// ring's commit writes through: real firmware re-scans all submit
	// rings on one doorbell write rather than needing a distinct register
	// per ring.
	b.doorbell = newMmioCell(b.region, off)
	off += 4
	doorbell := b.doorbell

	var err error
	data, writeIdx, readIdx := alloc(wire.IoctlRequestSize, cfg.ControlSubmitCapacity)
	backing := dmabuf.New(0, data, dmabuf.Uncached)
	b.controlSubmitHost, err = dmaring.NewWriteDmaRing(backing, wire.IoctlRequestSize, cfg.ControlSubmitCapacity, writeIdx, readIdx, doorbell)
	if err != nil {
		return err
	}

	data, writeIdx, readIdx = alloc(wire.RxBufferPostSize, cfg.RxBufferSubmitCapacity)
	backing = dmabuf.New(0, data, dmabuf.Uncached)
	b.rxBufferSubmitHost, err = dmaring.NewWriteDmaRing(backing, wire.RxBufferPostSize, cfg.RxBufferSubmitCapacity, writeIdx, readIdx, doorbell)
	if err != nil {
		return err
	}

	data, writeIdx, readIdx = alloc(wire.IoctlResponseSize, cfg.ControlCompleteCapacity)
	backing = dmabuf.New(0, data, dmabuf.Uncached)
	b.controlCompleteHost, err = dmaring.NewReadDmaRing(backing, wire.IoctlResponseSize, cfg.ControlCompleteCapacity, readIdx, writeIdx)
	if err != nil {
		return err
	}

	data, writeIdx, readIdx = alloc(wire.TxCompleteRecordSize, cfg.TxCompleteCapacity)
	backing = dmabuf.New(0, data, dmabuf.Uncached)
	b.txCompleteHost, err = dmaring.NewReadDmaRing(backing, wire.TxCompleteRecordSize, cfg.TxCompleteCapacity, readIdx, writeIdx)
	if err != nil {
		return err
	}

	data, writeIdx, readIdx = alloc(wire.RxCompleteRecordSize, cfg.RxCompleteCapacity)
	backing = dmabuf.New(0, data, dmabuf.Uncached)
	b.rxCompleteHost, err = dmaring.NewReadDmaRing(backing, wire.RxCompleteRecordSize, cfg.RxCompleteCapacity, readIdx, writeIdx)
	if err != nil {
		return err
	}

	b.next = off
	return nil
}

// openDoorbell creates an eventfd the device's interrupt path signals and
// an epoll instance watching it, so interruptLoop can block until a
// doorbell actually fires instead of spinning.
func (b *PcieBus) openDoorbell() (doorbellFd, epollFd int, err error) {
	doorbellFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, kerr.New("PcieBus.openDoorbell", kerr.CodeUnavailable, fmt.Sprintf("eventfd: %v", err))
	}
	epollFd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(doorbellFd)
		return -1, -1, kerr.New("PcieBus.openDoorbell", kerr.CodeUnavailable, fmt.Sprintf("epoll_create1: %v", err))
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(doorbellFd)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, doorbellFd, &ev); err != nil {
		unix.Close(epollFd)
		unix.Close(doorbellFd)
		return -1, -1, kerr.New("PcieBus.openDoorbell", kerr.CodeUnavailable, fmt.Sprintf("epoll_ctl: %v", err))
	}
	return doorbellFd, epollFd, nil
}

// interruptLoop blocks on the doorbell eventfd and fans each wakeup out to
// every registered InterruptHandler, pinning its OS thread the way a
// per-queue I/O worker pins itself to honor hardware that expects
// interrupts serviced from one consistent core.
func (b *PcieBus) interruptLoop() {
	defer close(b.stopped)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(b.cpuAffinity) > 0 {
		var mask unix.CPUSet
		mask.Set(b.cpuAffinity[0])
		_ = unix.SchedSetaffinity(0, &mask) // best effort; absence of affinity is not fatal
	}

	events := make([]unix.EpollEvent, 4)
	eightBytes := make([]byte, 8)
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n, err := unix.EpollWait(b.epollFd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n <= 0 {
			continue
		}

		unix.Read(b.doorbellFd, eightBytes) // drain the eventfd counter
		b.deliverInterrupt()
	}
}

// deliverInterrupt offers every registered handler a mailbox with all bits
// set, since no mailbox register is read; each handler picks out the bits it
// owns, the same mailbox-bits contract SimulatedBus's manual PumpX helpers
// stand in for in tests.
func (b *PcieBus) deliverInterrupt() {
	b.mu.Lock()
	handlers := append([]InterruptHandler(nil), b.handlers...)
	b.mu.Unlock()

	var mailbox uint32
	for _, h := range handlers {
		mailbox |= h.HandleInterrupt(^uint32(0))
	}
	_ = mailbox
}

// Close stops the interrupt-delivery goroutine and unmaps the BAR region.
func (b *PcieBus) Close() error {
	close(b.stop)
	<-b.stopped
	unix.Close(b.epollFd)
	unix.Close(b.doorbellFd)
	err := unix.Munmap(b.region)
	unix.Close(b.fd)
	return err
}

// CreateDmaBuffer implements bus.BufferProvider by carving size bytes out
// of the tail of the mapped region, the same pool-of-one-region approach
// SimulatedBus uses, just backed by real device-visible memory instead of
// a plain Go allocation.
func (b *PcieBus) CreateDmaBuffer(policy dmabuf.CachePolicy, size int) (*dmabuf.DmaBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size <= 0 {
		return nil, kerr.New("PcieBus.CreateDmaBuffer", kerr.CodeInvalidArgs, "size must be positive")
	}
	if b.next+size > len(b.region) {
		return nil, kerr.New("PcieBus.CreateDmaBuffer", kerr.CodeNoResources, "BAR region exhausted")
	}
	mem := b.region[b.next : b.next+size]
	addr := b.deviceBase + uint64(b.next)
	b.next += size
	return dmabuf.New(addr, mem, policy), nil
}

// Config implements bus.RingProvider.
func (b *PcieBus) Config() DmaConfig { return b.cfg }

func (b *PcieBus) ControlSubmitRing() *dmaring.WriteDmaRing  { return b.controlSubmitHost }
func (b *PcieBus) RxBufferSubmitRing() *dmaring.WriteDmaRing { return b.rxBufferSubmitHost }
func (b *PcieBus) ControlCompleteRing() *dmaring.ReadDmaRing { return b.controlCompleteHost }
func (b *PcieBus) TxCompleteRing() *dmaring.ReadDmaRing      { return b.txCompleteHost }
func (b *PcieBus) RxCompleteRing() *dmaring.ReadDmaRing      { return b.rxCompleteHost }

// CreateFlowRing implements bus.RingProvider, carving a new ring's backing
// storage and index cells out of the tail of the mapped region on demand,
// the way firmware grows the flow ring table as traffic opens new
// destinations.
func (b *PcieBus) CreateFlowRing(index int) (*dmaring.WriteDmaRing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.flowRings[index]; exists {
		return nil, kerr.New("PcieBus.CreateFlowRing", kerr.CodeAlreadyExists, fmt.Sprintf("flow ring %d already exists", index))
	}

	itemSize := wire.TxRequestSize
	capacity := b.cfg.FlowRingCapacity
	need := itemSize*capacity + 8
	if b.next+need > len(b.region) {
		return nil, kerr.New("PcieBus.CreateFlowRing", kerr.CodeNoResources, "BAR region exhausted")
	}

	data := b.region[b.next : b.next+itemSize*capacity]
	b.next += itemSize * capacity
	writeIdx := newMmioCell(b.region, b.next)
	b.next += 4
	readIdx := newMmioCell(b.region, b.next)
	b.next += 4

	backing := dmabuf.New(0, data, dmabuf.Uncached)
	ring, err := dmaring.NewWriteDmaRing(backing, itemSize, capacity, writeIdx, readIdx, b.doorbell)
	if err != nil {
		return nil, err
	}
	b.flowRings[index] = ring
	return ring, nil
}

// AddInterruptHandler implements bus.InterruptProvider.
func (b *PcieBus) AddInterruptHandler(h InterruptHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

// RemoveInterruptHandler implements bus.InterruptProvider.
func (b *PcieBus) RemoveInterruptHandler(h InterruptHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.handlers {
		if existing == h {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}
