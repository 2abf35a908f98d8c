package msgbuf

import (
	"testing"
	"time"
)

func TestMetricsInitialSnapshotIsZero(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.IoctlOps != 0 {
		t.Errorf("IoctlOps = %d, want 0", snap.IoctlOps)
	}
	if snap.TxFrames != 0 || snap.RxFrames != 0 {
		t.Errorf("expected zero tx/rx frames, got tx=%d rx=%d", snap.TxFrames, snap.RxFrames)
	}
}

func TestRecordIoctlCountsOpsAndErrors(t *testing.T) {
	m := NewMetrics()
	m.RecordIoctl(1_000_000, true)
	m.RecordIoctl(500_000, false)

	snap := m.Snapshot()
	if snap.IoctlOps != 2 {
		t.Errorf("IoctlOps = %d, want 2", snap.IoctlOps)
	}
	if snap.IoctlErrors != 1 {
		t.Errorf("IoctlErrors = %d, want 1", snap.IoctlErrors)
	}
	expectedRate := 50.0
	if snap.IoctlErrorRate < expectedRate-0.1 || snap.IoctlErrorRate > expectedRate+0.1 {
		t.Errorf("IoctlErrorRate = %.2f, want ~%.2f", snap.IoctlErrorRate, expectedRate)
	}
}

func TestRecordTxAndRxCountBytesOnlyOnSuccess(t *testing.T) {
	m := NewMetrics()
	m.RecordTx(1500, true)
	m.RecordTx(100, false)
	m.RecordRx(900, true)

	snap := m.Snapshot()
	if snap.TxFrames != 2 {
		t.Errorf("TxFrames = %d, want 2", snap.TxFrames)
	}
	if snap.TxBytes != 1500 {
		t.Errorf("TxBytes = %d, want 1500", snap.TxBytes)
	}
	if snap.TxErrors != 1 {
		t.Errorf("TxErrors = %d, want 1", snap.TxErrors)
	}
	if snap.RxFrames != 1 || snap.RxBytes != 900 {
		t.Errorf("RxFrames/RxBytes = %d/%d, want 1/900", snap.RxFrames, snap.RxBytes)
	}
}

func TestRecordEventAndFlowRingLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RecordEvent()
	m.RecordEvent()
	m.RecordFlowRingOpen()
	m.RecordFlowRingClose()
	m.RecordFlowRingError()

	snap := m.Snapshot()
	if snap.Events != 2 {
		t.Errorf("Events = %d, want 2", snap.Events)
	}
	if snap.FlowRingOpens != 1 || snap.FlowRingCloses != 1 || snap.FlowRingErrors != 1 {
		t.Errorf("flow ring counters = %d/%d/%d, want 1/1/1", snap.FlowRingOpens, snap.FlowRingCloses, snap.FlowRingErrors)
	}
}

func TestRecordSubmitQueueDepthTracksMaxAndAverage(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmitQueueDepth(10)
	m.RecordSubmitQueueDepth(30)
	m.RecordSubmitQueueDepth(20)

	snap := m.Snapshot()
	if snap.MaxSubmitQueueDepth != 30 {
		t.Errorf("MaxSubmitQueueDepth = %d, want 30", snap.MaxSubmitQueueDepth)
	}
	expectedAvg := float64(10+30+20) / 3.0
	if snap.AvgSubmitQueueDepth < expectedAvg-0.1 || snap.AvgSubmitQueueDepth > expectedAvg+0.1 {
		t.Errorf("AvgSubmitQueueDepth = %.2f, want ~%.2f", snap.AvgSubmitQueueDepth, expectedAvg)
	}
}

func TestUptimeFreezesAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*uint64(time.Millisecond) {
		t.Errorf("UptimeNs = %d, want >= 10ms", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+uint64(2*time.Millisecond) {
		t.Errorf("uptime advanced after Stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestReset(t *testing.T) {
	m := NewMetrics()
	m.RecordIoctl(1_000_000, true)
	m.RecordTx(1024, true)
	m.RecordSubmitQueueDepth(5)

	m.Reset()
	snap := m.Snapshot()
	if snap.IoctlOps != 0 || snap.TxFrames != 0 || snap.MaxSubmitQueueDepth != 0 {
		t.Error("Reset did not zero all counters")
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var o NoOpObserver
	o.ObserveIoctl(1000, true)
	o.ObserveTx(100, true)
	o.ObserveRx(100, true)
	o.ObserveEvent()
	o.ObserveFlowRingOpen()
	o.ObserveFlowRingClose()
	o.ObserveFlowRingError()
	o.ObserveSubmitQueueDepth(4)
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveIoctl(1_000_000, true)
	o.ObserveTx(1024, true)
	o.ObserveRx(2048, true)
	o.ObserveEvent()
	o.ObserveFlowRingOpen()

	snap := m.Snapshot()
	if snap.IoctlOps != 1 || snap.TxFrames != 1 || snap.RxFrames != 1 {
		t.Errorf("observer did not forward operations: %+v", snap)
	}
	if snap.TxBytes != 1024 || snap.RxBytes != 2048 {
		t.Errorf("observer did not forward byte counts: %+v", snap)
	}
	if snap.Events != 1 || snap.FlowRingOpens != 1 {
		t.Errorf("observer did not forward event/flow ring counts: %+v", snap)
	}
}

func TestIoctlLatencyPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordIoctl(500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordIoctl(5_000_000, true) // 5ms
	}
	m.RecordIoctl(50_000_000, true) // 50ms

	snap := m.Snapshot()
	if snap.IoctlOps != 100 {
		t.Fatalf("IoctlOps = %d, want 100", snap.IoctlOps)
	}
	if snap.IoctlLatencyP50Ns < 100_000 || snap.IoctlLatencyP50Ns > 1_000_000 {
		t.Errorf("P50 = %d, want in 100us-1ms range", snap.IoctlLatencyP50Ns)
	}
	if snap.IoctlLatencyP99Ns < 5_000_000 || snap.IoctlLatencyP99Ns > 100_000_000 {
		t.Errorf("P99 = %d, want in 5ms-100ms range", snap.IoctlLatencyP99Ns)
	}

	var totalInBuckets uint64
	for _, c := range snap.IoctlLatencyHistogram {
		totalInBuckets += c
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
