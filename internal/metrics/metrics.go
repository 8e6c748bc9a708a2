// Package metrics implements grid-watcher's atomic counters, latency
// histograms, and rolling throughput tracking, mirrored field-for-field from
// the original grid_watcher's capture/metrics.hpp and capture/statistics.hpp.
package metrics

import (
	"math/bits"
	"sync/atomic"
	"time"
)

const histogramSize = 32

// LatencyTracker records nanosecond-resolution latency samples with a
// logarithmic histogram, atomic min/max via CAS retry, and running sum/count.
type LatencyTracker struct {
	samples   uint64
	totalNs   uint64
	minNs     uint64
	maxNs     uint64
	histogram [histogramSize]uint64
}

// NewLatencyTracker constructs a tracker with minNs initialized to the
// maximum uint64 so the first sample always wins the min race.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{minNs: ^uint64(0)}
}

// Record adds one latency sample.
func (l *LatencyTracker) Record(d time.Duration) {
	ns := uint64(d.Nanoseconds())
	if d < 0 {
		ns = 0
	}

	atomic.AddUint64(&l.samples, 1)
	atomic.AddUint64(&l.totalNs, ns)

	for {
		cur := atomic.LoadUint64(&l.minNs)
		if ns >= cur || atomic.CompareAndSwapUint64(&l.minNs, cur, ns) {
			break
		}
	}
	for {
		cur := atomic.LoadUint64(&l.maxNs)
		if ns <= cur || atomic.CompareAndSwapUint64(&l.maxNs, cur, ns) {
			break
		}
	}

	bucket := bits.LeadingZeros64(ns|1) / 2
	if bucket >= histogramSize {
		bucket = histogramSize - 1
	}
	atomic.AddUint64(&l.histogram[bucket], 1)
}

// LatencyStats is a point-in-time snapshot of a LatencyTracker.
type LatencyStats struct {
	Samples uint64
	MinNs   uint64
	MaxNs   uint64
	AvgNs   float64
	AvgUs   float64
	AvgMs   float64
}

// Stats returns a snapshot of the tracker's current state.
func (l *LatencyTracker) Stats() LatencyStats {
	samples := atomic.LoadUint64(&l.samples)
	if samples == 0 {
		return LatencyStats{}
	}
	total := atomic.LoadUint64(&l.totalNs)
	avg := float64(total) / float64(samples)
	return LatencyStats{
		Samples: samples,
		MinNs:   atomic.LoadUint64(&l.minNs),
		MaxNs:   atomic.LoadUint64(&l.maxNs),
		AvgNs:   avg,
		AvgUs:   avg / 1000.0,
		AvgMs:   avg / 1_000_000.0,
	}
}

// Reset clears all recorded samples.
func (l *LatencyTracker) Reset() {
	atomic.StoreUint64(&l.samples, 0)
	atomic.StoreUint64(&l.totalNs, 0)
	atomic.StoreUint64(&l.minNs, ^uint64(0))
	atomic.StoreUint64(&l.maxNs, 0)
	for i := range l.histogram {
		atomic.StoreUint64(&l.histogram[i], 0)
	}
}

const throughputWindowSize = 60

type throughputWindow struct {
	timestampSec uint64
	packets      uint64
	bytes        uint64
}

// ThroughputTracker maintains a 60-slot per-second sliding window of
// {packets, bytes}, used to derive packets/sec, bytes/sec, and Mbps.
type ThroughputTracker struct {
	windows [throughputWindowSize]throughputWindow
}

// Record adds one packet of the given size to the current second's window.
func (t *ThroughputTracker) Record(now time.Time, sizeBytes uint64) {
	sec := uint64(now.Unix())
	idx := sec % throughputWindowSize
	w := &t.windows[idx]

	cur := atomic.LoadUint64(&w.timestampSec)
	if cur != sec {
		if atomic.CompareAndSwapUint64(&w.timestampSec, cur, sec) {
			atomic.StoreUint64(&w.packets, 0)
			atomic.StoreUint64(&w.bytes, 0)
		}
	}
	atomic.AddUint64(&w.packets, 1)
	atomic.AddUint64(&w.bytes, sizeBytes)
}

// ThroughputStats is a derived snapshot over a requested window.
type ThroughputStats struct {
	PacketsPerSec float64
	BytesPerSec   float64
	Mbps          float64
}

// Stats derives packets/sec, bytes/sec, and Mbps over the last windowSeconds
// seconds (capped at the tracker's 60-slot capacity).
func (t *ThroughputTracker) Stats(now time.Time, windowSeconds int) ThroughputStats {
	if windowSeconds > throughputWindowSize {
		windowSeconds = throughputWindowSize
	}
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	sec := uint64(now.Unix())

	var totalPackets, totalBytes uint64
	var validWindows int
	for i := 0; i < windowSeconds; i++ {
		target := sec - uint64(i)
		idx := target % throughputWindowSize
		w := &t.windows[idx]
		if atomic.LoadUint64(&w.timestampSec) == target {
			totalPackets += atomic.LoadUint64(&w.packets)
			totalBytes += atomic.LoadUint64(&w.bytes)
			validWindows++
		}
	}
	if validWindows == 0 {
		return ThroughputStats{}
	}
	packetsPerSec := float64(totalPackets) / float64(validWindows)
	bytesPerSec := float64(totalBytes) / float64(validWindows)
	return ThroughputStats{
		PacketsPerSec: packetsPerSec,
		BytesPerSec:   bytesPerSec,
		Mbps:          (bytesPerSec * 8) / 1_000_000.0,
	}
}

// ResourceMonitor tracks paired allocation/deallocation counters for an
// optional arena, exposed as current usage.
type ResourceMonitor struct {
	allocated uint64
	freed     uint64
}

// RecordAllocation adds bytes to the allocated counter.
func (r *ResourceMonitor) RecordAllocation(bytes uint64) {
	atomic.AddUint64(&r.allocated, bytes)
}

// RecordDeallocation adds bytes to the freed counter.
func (r *ResourceMonitor) RecordDeallocation(bytes uint64) {
	atomic.AddUint64(&r.freed, bytes)
}

// CurrentUsage returns allocated-freed, floored at zero.
func (r *ResourceMonitor) CurrentUsage() uint64 {
	allocated := atomic.LoadUint64(&r.allocated)
	freed := atomic.LoadUint64(&r.freed)
	if allocated <= freed {
		return 0
	}
	return allocated - freed
}

// UsageMB returns CurrentUsage in megabytes.
func (r *ResourceMonitor) UsageMB() float64 {
	return float64(r.CurrentUsage()) / (1024.0 * 1024.0)
}

// Manager bundles the independent trackers the engine records against: two
// latency trackers (end-to-end packet processing, and threat-detection-only),
// one throughput tracker, and a resource monitor.
type Manager struct {
	PacketLatency *LatencyTracker
	ThreatLatency *LatencyTracker
	Throughput    *ThroughputTracker
	Resources     *ResourceMonitor
}

// NewManager constructs a Manager with fresh trackers.
func NewManager() *Manager {
	return &Manager{
		PacketLatency: NewLatencyTracker(),
		ThreatLatency: NewLatencyTracker(),
		Throughput:    &ThroughputTracker{},
		Resources:     &ResourceMonitor{},
	}
}

// Snapshot is a point-in-time view of every tracker in the Manager.
type Snapshot struct {
	PacketLatency LatencyStats
	ThreatLatency LatencyStats
	Throughput    ThroughputStats
	MemoryUsageMB float64
}

// Snapshot returns a consistent-enough read of all trackers for exposition.
func (m *Manager) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		PacketLatency: m.PacketLatency.Stats(),
		ThreatLatency: m.ThreatLatency.Stats(),
		Throughput:    m.Throughput.Stats(now, 10),
		MemoryUsageMB: m.Resources.UsageMB(),
	}
}

// Reset clears the latency trackers. Throughput and resource usage decay on
// their own and are not reset.
func (m *Manager) Reset() {
	m.PacketLatency.Reset()
	m.ThreatLatency.Reset()
}
