package msgbuf

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the ioctl round-trip latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one transport
// instance: ioctl round trips, transmitted and received frames, firmware
// events, and flow ring submit queue depth.
type Metrics struct {
	IoctlOps    atomic.Uint64
	IoctlErrors atomic.Uint64

	TxFrames atomic.Uint64
	TxBytes  atomic.Uint64
	TxErrors atomic.Uint64

	RxFrames atomic.Uint64
	RxBytes  atomic.Uint64
	RxErrors atomic.Uint64

	Events atomic.Uint64

	FlowRingOpens  atomic.Uint64
	FlowRingCloses atomic.Uint64
	FlowRingErrors atomic.Uint64

	// Submit queue depth statistics, sampled once per scheduling round by
	// FlowRingHandler.SubmitToFlowRings.
	SubmitQueueDepthTotal atomic.Uint64
	SubmitQueueDepthCount atomic.Uint64
	MaxSubmitQueueDepth   atomic.Uint32

	// Ioctl round-trip latency.
	TotalIoctlLatencyNs atomic.Uint64
	IoctlLatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIoctl records one completed ioctl round trip.
func (m *Metrics) RecordIoctl(latencyNs uint64, success bool) {
	m.IoctlOps.Add(1)
	if !success {
		m.IoctlErrors.Add(1)
	}
	m.TotalIoctlLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.IoctlLatencyBuckets[i].Add(1)
		}
	}
}

// RecordTx records one transmitted frame.
func (m *Metrics) RecordTx(bytes uint64, success bool) {
	m.TxFrames.Add(1)
	if success {
		m.TxBytes.Add(bytes)
	} else {
		m.TxErrors.Add(1)
	}
}

// RecordRx records one received data-plane frame.
func (m *Metrics) RecordRx(bytes uint64, success bool) {
	m.RxFrames.Add(1)
	if success {
		m.RxBytes.Add(bytes)
	} else {
		m.RxErrors.Add(1)
	}
}

// RecordEvent records one delivered firmware event.
func (m *Metrics) RecordEvent() {
	m.Events.Add(1)
}

// RecordFlowRingOpen records a flow ring transitioning to Open.
func (m *Metrics) RecordFlowRingOpen() {
	m.FlowRingOpens.Add(1)
}

// RecordFlowRingClose records a flow ring transitioning to Closed.
func (m *Metrics) RecordFlowRingClose() {
	m.FlowRingCloses.Add(1)
}

// RecordFlowRingError records a flow ring terminated with extreme prejudice.
func (m *Metrics) RecordFlowRingError() {
	m.FlowRingErrors.Add(1)
}

// RecordSubmitQueueDepth records the submit queue's length at the start of
// a scheduling round.
func (m *Metrics) RecordSubmitQueueDepth(depth uint32) {
	m.SubmitQueueDepthTotal.Add(uint64(depth))
	m.SubmitQueueDepthCount.Add(1)
	for {
		current := m.MaxSubmitQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxSubmitQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Stop marks the transport as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics suitable
// for logging or export.
type MetricsSnapshot struct {
	IoctlOps    uint64
	IoctlErrors uint64

	TxFrames uint64
	TxBytes  uint64
	TxErrors uint64

	RxFrames uint64
	RxBytes  uint64
	RxErrors uint64

	Events uint64

	FlowRingOpens  uint64
	FlowRingCloses uint64
	FlowRingErrors uint64

	AvgSubmitQueueDepth float64
	MaxSubmitQueueDepth uint32

	AvgIoctlLatencyNs uint64
	UptimeNs          uint64

	IoctlLatencyP50Ns  uint64
	IoctlLatencyP99Ns  uint64
	IoctlLatencyP999Ns uint64

	IoctlLatencyHistogram [numLatencyBuckets]uint64

	TxFramesPerSec float64
	RxFramesPerSec float64
	TxBandwidth    float64
	RxBandwidth    float64

	IoctlErrorRate float64
}

// Snapshot takes a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		IoctlOps:       m.IoctlOps.Load(),
		IoctlErrors:    m.IoctlErrors.Load(),
		TxFrames:       m.TxFrames.Load(),
		TxBytes:        m.TxBytes.Load(),
		TxErrors:       m.TxErrors.Load(),
		RxFrames:       m.RxFrames.Load(),
		RxBytes:        m.RxBytes.Load(),
		RxErrors:       m.RxErrors.Load(),
		Events:         m.Events.Load(),
		FlowRingOpens:  m.FlowRingOpens.Load(),
		FlowRingCloses: m.FlowRingCloses.Load(),
		FlowRingErrors: m.FlowRingErrors.Load(),
		MaxSubmitQueueDepth: m.MaxSubmitQueueDepth.Load(),
	}

	depthTotal := m.SubmitQueueDepthTotal.Load()
	depthCount := m.SubmitQueueDepthCount.Load()
	if depthCount > 0 {
		snap.AvgSubmitQueueDepth = float64(depthTotal) / float64(depthCount)
	}

	if snap.IoctlOps > 0 {
		snap.AvgIoctlLatencyNs = m.TotalIoctlLatencyNs.Load() / snap.IoctlOps
		snap.IoctlErrorRate = float64(snap.IoctlErrors) / float64(snap.IoctlOps) * 100.0
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TxFramesPerSec = float64(snap.TxFrames) / uptimeSeconds
		snap.RxFramesPerSec = float64(snap.RxFrames) / uptimeSeconds
		snap.TxBandwidth = float64(snap.TxBytes) / uptimeSeconds
		snap.RxBandwidth = float64(snap.RxBytes) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.IoctlLatencyHistogram[i] = m.IoctlLatencyBuckets[i].Load()
	}
	if snap.IoctlOps > 0 {
		snap.IoctlLatencyP50Ns = m.calculatePercentile(0.50)
		snap.IoctlLatencyP99Ns = m.calculatePercentile(0.99)
		snap.IoctlLatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the ioctl latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.IoctlOps.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.IoctlLatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.IoctlLatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts StartTime. Useful for testing.
func (m *Metrics) Reset() {
	m.IoctlOps.Store(0)
	m.IoctlErrors.Store(0)
	m.TxFrames.Store(0)
	m.TxBytes.Store(0)
	m.TxErrors.Store(0)
	m.RxFrames.Store(0)
	m.RxBytes.Store(0)
	m.RxErrors.Store(0)
	m.Events.Store(0)
	m.FlowRingOpens.Store(0)
	m.FlowRingCloses.Store(0)
	m.FlowRingErrors.Store(0)
	m.SubmitQueueDepthTotal.Store(0)
	m.SubmitQueueDepthCount.Store(0)
	m.MaxSubmitQueueDepth.Store(0)
	m.TotalIoctlLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.IoctlLatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Its methods cover the
// observer interfaces the ring handler and flow ring handler accept through
// their SetObserver methods, so this package's internal layers never import
// the public Metrics type directly.
type Observer interface {
	ObserveIoctl(latencyNs uint64, success bool)
	ObserveTx(bytes uint64, success bool)
	ObserveRx(bytes uint64, success bool)
	ObserveEvent()
	ObserveFlowRingOpen()
	ObserveFlowRingClose()
	ObserveFlowRingError()
	ObserveSubmitQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIoctl(uint64, bool)       {}
func (NoOpObserver) ObserveTx(uint64, bool)          {}
func (NoOpObserver) ObserveRx(uint64, bool)          {}
func (NoOpObserver) ObserveEvent()                   {}
func (NoOpObserver) ObserveFlowRingOpen()             {}
func (NoOpObserver) ObserveFlowRingClose()            {}
func (NoOpObserver) ObserveFlowRingError()            {}
func (NoOpObserver) ObserveSubmitQueueDepth(uint32)  {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIoctl(latencyNs uint64, success bool) {
	o.metrics.RecordIoctl(latencyNs, success)
}

func (o *MetricsObserver) ObserveTx(bytes uint64, success bool) {
	o.metrics.RecordTx(bytes, success)
}

func (o *MetricsObserver) ObserveRx(bytes uint64, success bool) {
	o.metrics.RecordRx(bytes, success)
}

func (o *MetricsObserver) ObserveEvent() {
	o.metrics.RecordEvent()
}

func (o *MetricsObserver) ObserveFlowRingOpen() {
	o.metrics.RecordFlowRingOpen()
}

func (o *MetricsObserver) ObserveFlowRingClose() {
	o.metrics.RecordFlowRingClose()
}

func (o *MetricsObserver) ObserveFlowRingError() {
	o.metrics.RecordFlowRingError()
}

func (o *MetricsObserver) ObserveSubmitQueueDepth(depth uint32) {
	o.metrics.RecordSubmitQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
