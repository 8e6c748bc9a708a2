package metrics

import (
	"sync/atomic"
	"time"
)

// Statistics tracks the engine's outcome counters (packets processed,
// allowed, dropped, bytes, threats, blocks) and derives the rates the
// original grid_watcher reports on every snapshot.
type Statistics struct {
	packetsProcessed uint64
	packetsAllowed   uint64
	packetsDropped   uint64
	bytesProcessed   uint64
	threatsDetected  uint64
	threatsMitigated uint64
	totalBlocks      uint64
	activeBlocks     uint64
	startTime        time.Time
}

// NewStatistics constructs a Statistics with its uptime clock starting now.
func NewStatistics(now time.Time) *Statistics {
	return &Statistics{startTime: now}
}

func (s *Statistics) IncrementPacketsProcessed() { atomic.AddUint64(&s.packetsProcessed, 1) }
func (s *Statistics) IncrementPacketsAllowed()   { atomic.AddUint64(&s.packetsAllowed, 1) }
func (s *Statistics) IncrementPacketsDropped()   { atomic.AddUint64(&s.packetsDropped, 1) }
func (s *Statistics) AddBytesProcessed(n uint64) { atomic.AddUint64(&s.bytesProcessed, n) }
func (s *Statistics) IncrementThreatsDetected()  { atomic.AddUint64(&s.threatsDetected, 1) }
func (s *Statistics) IncrementThreatsMitigated() { atomic.AddUint64(&s.threatsMitigated, 1) }

// IncrementTotalBlocks records a newly installed block and increases the
// active-block gauge alongside it.
func (s *Statistics) IncrementTotalBlocks() {
	atomic.AddUint64(&s.totalBlocks, 1)
	atomic.AddUint64(&s.activeBlocks, 1)
}

// DecrementActiveBlocks lowers the active-block gauge when a block expires
// or is explicitly lifted.
func (s *Statistics) DecrementActiveBlocks() {
	for {
		cur := atomic.LoadUint64(&s.activeBlocks)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&s.activeBlocks, cur, cur-1) {
			return
		}
	}
}

// Reset zeroes every counter and restarts the uptime clock.
func (s *Statistics) Reset(now time.Time) {
	atomic.StoreUint64(&s.packetsProcessed, 0)
	atomic.StoreUint64(&s.packetsAllowed, 0)
	atomic.StoreUint64(&s.packetsDropped, 0)
	atomic.StoreUint64(&s.bytesProcessed, 0)
	atomic.StoreUint64(&s.threatsDetected, 0)
	atomic.StoreUint64(&s.threatsMitigated, 0)
	atomic.StoreUint64(&s.totalBlocks, 0)
	atomic.StoreUint64(&s.activeBlocks, 0)
	s.startTime = now
}

// StatisticsSnapshot is the derived view returned by statistics_snapshot().
type StatisticsSnapshot struct {
	PacketsProcessed     uint64
	PacketsAllowed       uint64
	PacketsDropped       uint64
	BytesProcessed       uint64
	ThreatsDetected      uint64
	ThreatsMitigated     uint64
	TotalBlocks          uint64
	ActiveBlocks         uint64
	PacketsPerSecond     float64
	BytesPerSecond       float64
	ThreatRatePerMinute  float64
	DropRatePercent      float64
	AllowRatePercent     float64
	UptimeSeconds        float64
}

// Snapshot computes the derived statistics view as of now.
func (s *Statistics) Snapshot(now time.Time) StatisticsSnapshot {
	snap := StatisticsSnapshot{
		PacketsProcessed: atomic.LoadUint64(&s.packetsProcessed),
		PacketsAllowed:   atomic.LoadUint64(&s.packetsAllowed),
		PacketsDropped:   atomic.LoadUint64(&s.packetsDropped),
		BytesProcessed:   atomic.LoadUint64(&s.bytesProcessed),
		ThreatsDetected:  atomic.LoadUint64(&s.threatsDetected),
		ThreatsMitigated: atomic.LoadUint64(&s.threatsMitigated),
		TotalBlocks:      atomic.LoadUint64(&s.totalBlocks),
		ActiveBlocks:     atomic.LoadUint64(&s.activeBlocks),
	}

	uptime := now.Sub(s.startTime).Seconds()
	snap.UptimeSeconds = uptime
	if uptime > 0 {
		snap.PacketsPerSecond = float64(snap.PacketsProcessed) / uptime
		snap.BytesPerSecond = float64(snap.BytesProcessed) / uptime
		snap.ThreatRatePerMinute = (float64(snap.ThreatsDetected) / uptime) * 60.0
	}
	if snap.PacketsProcessed > 0 {
		snap.DropRatePercent = (float64(snap.PacketsDropped) * 100.0) / float64(snap.PacketsProcessed)
		snap.AllowRatePercent = (float64(snap.PacketsAllowed) * 100.0) / float64(snap.PacketsProcessed)
	}
	return snap
}
